package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"jpyescrow/internal/config"
	"jpyescrow/internal/escrow"
	"jpyescrow/internal/eventlog"
	"jpyescrow/internal/replay"
	"jpyescrow/internal/settlement"
	"jpyescrow/internal/sigauth"
)

const (
	reasonBadRequest      = "BAD_REQUEST"
	reasonUnauthorized    = "UNAUTHORIZED"
	reasonTooManyRequests = "TOO_MANY_REQUESTS"
	reasonReplayed        = "REPLAYED_REQUEST"
	reasonAuthUnavailable = "AUTH_UNAVAILABLE"

	maxBodyBytes = 1 << 16
)

type Server struct {
	cfg         *config.AppConfig
	svc         *settlement.Service
	events      eventlog.Log
	auth        *sigauth.Verifier
	seen        replay.Store
	limiter     *callerLimiter
	httpServer  *http.Server
	metrics     *metricsRegistry
	log         logrus.FieldLogger
	now         func() time.Time
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error

	rateLimitHits func() float64
}

type Option func(*Server)

func WithLogger(l logrus.FieldLogger) Option { return func(s *Server) { s.log = l } }

// WithReplayStore sets where accepted signed requests are remembered. Defaults to memory.
func WithReplayStore(store replay.Store) Option { return func(s *Server) { s.seen = store } }

// WithRateLimitHits exposes the oracle's consecutive rate limit count as a gauge.
func WithRateLimitHits(fn func() int) Option {
	return func(s *Server) {
		s.rateLimitHits = func() float64 { return float64(fn()) }
	}
}

func NewServer(cfg *config.AppConfig, svc *settlement.Service, events eventlog.Log, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		svc:     svc,
		events:  events,
		limiter: newCallerLimiter(cfg.Service.CallerRPS, cfg.Service.CallerBurst, 10*time.Minute),
		log:     logrus.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.seen == nil {
		s.seen = replay.NewMemoryStore()
	}
	s.metrics = newMetricsRegistry(svc.QuoteAge, s.rateLimitHits)
	s.log = s.log.WithField("component", "server")

	s.auth = &sigauth.Verifier{
		MaxSkew:       cfg.Service.AuthMaxSkew,
		AllowUnsigned: cfg.Service.AllowUnsigned,
		MaxBodyBytes:  maxBodyBytes,
		Seen:          s.seen,
		OnReject:      s.rejectAuth,
	}

	if checker, ok := events.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := svc.Ledger().(escrow.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler is the full routed API, wrapped with request ids.
func (s *Server) Handler() http.Handler {
	signed := func(h http.HandlerFunc) http.Handler {
		return s.auth.Middleware(s.limitCaller(h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/escrows", signed(s.handleCreate))
	mux.Handle("POST /api/v1/escrows/{id}/release", signed(s.handleRelease))
	mux.Handle("POST /api/v1/escrows/{id}/refund", signed(s.handleRefund))
	mux.HandleFunc("GET /api/v1/escrows/{id}", s.handleStatus)
	mux.HandleFunc("GET /api/v1/escrows/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/makers/{maker}/escrows", s.handleMakerEscrows)
	mux.HandleFunc("GET /api/v1/quotes", s.handleQuote)
	mux.Handle("POST /api/v1/quotes/refresh", s.limitRemote(http.HandlerFunc(s.handleRefresh)))
	mux.HandleFunc("GET /api/v1/convert", s.handleConvert)
	mux.HandleFunc("GET /api/v1/constants", s.handleConstants)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	return requestIDMiddleware(mux)
}

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) rejectAuth(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sigauth.ErrReplayed):
		s.reject(w, r, http.StatusConflict, reasonReplayed, err.Error(), false)
	case errors.Is(err, sigauth.ErrBodyTooLarge):
		s.reject(w, r, http.StatusRequestEntityTooLarge, reasonBadRequest, err.Error(), false)
	case errors.Is(err, sigauth.ErrMissingCaller), errors.Is(err, sigauth.ErrMissingSignature),
		errors.Is(err, sigauth.ErrMissingTimestamp), errors.Is(err, sigauth.ErrStaleTimestamp),
		errors.Is(err, sigauth.ErrInvalidSignature):
		s.reject(w, r, http.StatusUnauthorized, reasonUnauthorized, err.Error(), false)
	default:
		s.log.WithError(err).WithField("request_id", r.Header.Get("X-Request-Id")).Error("request authentication failed")
		s.reject(w, r, http.StatusServiceUnavailable, reasonAuthUnavailable, "authentication unavailable", true)
	}
}

func (s *Server) limitCaller(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := sigauth.CallerFrom(r.Context())
		if !s.limiter.Allow(caller.Hex(), s.now()) {
			s.reject(w, r, http.StatusTooManyRequests, reasonTooManyRequests, "too many requests", true)
			return
		}
		next(w, r)
	})
}

func (s *Server) limitRemote(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.Allow("ip:"+host, s.now()) {
			s.reject(w, r, http.StatusTooManyRequests, reasonTooManyRequests, "too many requests", true)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createRequest struct {
	Taker           string `json:"taker"`
	Asset           string `json:"asset"`
	JPYAmount       int64  `json:"jpyAmount"`
	DeadlineSeconds int64  `json:"deadlineSeconds"`
	OTCCode         string `json:"otcCode"`
}

type createResponse struct {
	EscrowID      uint64    `json:"escrowId"`
	Asset         string    `json:"asset"`
	AssetAmount   string    `json:"assetAmount"`
	USDEquivalent string    `json:"usdEquivalent"`
	Deadline      time.Time `json:"deadline"`
	OTCCode       string    `json:"otcCode,omitempty"`
}

type releaseRequest struct {
	OTCCode string `json:"otcCode"`
}

type escrowView struct {
	ID                 uint64    `json:"id"`
	Maker              string    `json:"maker"`
	Taker              string    `json:"taker"`
	Asset              string    `json:"asset"`
	AssetSymbol        string    `json:"assetSymbol,omitempty"`
	Amount             string    `json:"amount"`
	JPYAmount          int64     `json:"jpyAmount"`
	Deadline           time.Time `json:"deadline"`
	HashOTC            string    `json:"hashOTC"`
	IsReleased         bool      `json:"isReleased"`
	IsRefunded         bool      `json:"isRefunded"`
	CreatedAt          time.Time `json:"createdAt"`
	Status             string    `json:"status"`
	RefundAvailable    bool      `json:"refundAvailable"`
	SecondsUntilRefund int64     `json:"secondsUntilRefund"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller, _ := sigauth.CallerFrom(r.Context())

	var payload createRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		s.reject(w, r, http.StatusBadRequest, reasonBadRequest, "invalid json payload", false)
		return
	}
	if err := validateCreateRequest(payload); err != nil {
		s.reject(w, r, http.StatusBadRequest, reasonBadRequest, err.Error(), false)
		return
	}
	// Checked in seconds so the conversion to time.Duration cannot overflow.
	if payload.DeadlineSeconds > int64(escrow.MaxDeadlineDuration/time.Second) {
		s.metrics.incOperation("create", "failed")
		s.writeError(w, r, &settlement.Error{
			Op:     "create",
			Reason: settlement.ReasonInvalidDeadline,
			Err:    fmt.Errorf("%w: %ds exceeds %s", escrow.ErrInvalidDeadline, payload.DeadlineSeconds, escrow.MaxDeadlineDuration),
		})
		return
	}

	res, err := s.svc.QuoteAndCreate(r.Context(), settlement.CreateInput{
		Maker:            caller,
		Taker:            common.HexToAddress(payload.Taker),
		Asset:            payload.Asset,
		JPYAmount:        payload.JPYAmount,
		DeadlineDuration: time.Duration(payload.DeadlineSeconds) * time.Second,
		OTCCode:          payload.OTCCode,
	})
	if err != nil {
		s.metrics.incOperation("create", "failed")
		s.writeError(w, r, err)
		return
	}
	s.metrics.incOperation("create", "created")

	writeJSON(w, http.StatusCreated, createResponse{
		EscrowID:      res.EscrowID,
		Asset:         res.Calculation.Asset.Symbol,
		AssetAmount:   res.Calculation.BaseUnits.String(),
		USDEquivalent: res.Calculation.USDDisplay(),
		Deadline:      res.Deadline.UTC(),
		OTCCode:       res.OTCCode,
	})
}

func validateCreateRequest(req createRequest) error {
	if !common.IsHexAddress(req.Taker) {
		return errors.New("taker must be a hex address")
	}
	if strings.TrimSpace(req.Asset) == "" {
		return errors.New("asset is required")
	}
	if req.DeadlineSeconds < 0 {
		return errors.New("deadlineSeconds must not be negative")
	}
	return nil
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	var payload releaseRequest
	if err := decodeJSON(w, r, &payload); err != nil || payload.OTCCode == "" {
		s.reject(w, r, http.StatusBadRequest, reasonBadRequest, "otcCode is required", false)
		return
	}

	caller, _ := sigauth.CallerFrom(r.Context())
	if err := s.svc.Release(r.Context(), caller, id, payload.OTCCode); err != nil {
		s.metrics.incOperation("release", "failed")
		s.writeError(w, r, err)
		return
	}
	s.metrics.incOperation("release", "released")
	s.writeStatus(w, r, id)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	caller, _ := sigauth.CallerFrom(r.Context())
	if err := s.svc.Refund(r.Context(), caller, id); err != nil {
		s.metrics.incOperation("refund", "failed")
		s.writeError(w, r, err)
		return
	}
	s.metrics.incOperation("refund", "refunded")
	s.writeStatus(w, r, id)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	s.writeStatus(w, r, id)
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, id uint64) {
	v, err := s.svc.Status(context.WithoutCancel(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e := v.Escrow
	writeJSON(w, http.StatusOK, escrowView{
		ID:                 e.ID,
		Maker:              e.Maker.Hex(),
		Taker:              e.Taker.Hex(),
		Asset:              e.Asset.Hex(),
		AssetSymbol:        v.AssetSymbol,
		Amount:             e.Amount.String(),
		JPYAmount:          e.JPYAmount,
		Deadline:           e.Deadline.UTC(),
		HashOTC:            e.HashOTC.Hex(),
		IsReleased:         e.IsReleased,
		IsRefunded:         e.IsRefunded,
		CreatedAt:          e.CreatedAt.UTC(),
		Status:             string(v.Status),
		RefundAvailable:    v.RefundAvailable,
		SecondsUntilRefund: int64(v.TimeUntilRefund.Round(time.Second) / time.Second),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	entries, err := s.events.List(r.Context(), eventlog.Filter{EscrowID: id})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": entries})
}

func (s *Server) handleMakerEscrows(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("maker")
	if !common.IsHexAddress(raw) {
		s.reject(w, r, http.StatusBadRequest, reasonBadRequest, "maker must be a hex address", false)
		return
	}
	maker := common.HexToAddress(raw)
	ids, err := s.svc.MakerEscrows(r.Context(), maker)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"maker": maker.Hex(), "escrowIds": ids})
}

type quoteResponse struct {
	Assets     map[string]string `json:"assetUsd"`
	USDJPY     string            `json:"usdJpy"`
	FetchedAt  time.Time         `json:"fetchedAt"`
	AgeSeconds float64           `json:"ageSeconds"`
	Stale      bool              `json:"stale"`
	Warning    string            `json:"warning,omitempty"`
}

func (s *Server) writeQuote(w http.ResponseWriter, r *http.Request, force bool) {
	q, err := s.svc.Quote(r.Context(), force)
	if q.IsZero() {
		if err == nil {
			err = errors.New("no quote available")
		}
		s.writeError(w, r, err)
		return
	}
	now := s.now()
	resp := quoteResponse{
		Assets:     make(map[string]string, len(q.AssetUSD)),
		USDJPY:     q.USDJPY.String(),
		FetchedAt:  q.FetchedAt.UTC(),
		AgeSeconds: q.Age(now).Seconds(),
		Stale:      q.Stale(now, s.svc.Converter().StaleAfter()),
	}
	for sym, p := range q.AssetUSD {
		resp.Assets[sym] = p.String()
	}
	if err != nil {
		resp.Warning = string(settlement.ReasonOf(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	s.writeQuote(w, r, false)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.writeQuote(w, r, true)
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	jpy, err := strconv.ParseInt(r.URL.Query().Get("jpy"), 10, 64)
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, reasonBadRequest, "jpy must be an integer", false)
		return
	}
	calc, err := s.svc.Preview(r.Context(), jpy, r.URL.Query().Get("asset"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":         calc.Asset.Symbol,
		"jpyAmount":     calc.JPYAmount,
		"assetAmount":   calc.BaseUnits.String(),
		"usdEquivalent": calc.USDDisplay(),
		"quoteAt":       calc.Quote.FetchedAt.UTC(),
	})
}

func (s *Server) handleConstants(w http.ResponseWriter, r *http.Request) {
	c := s.svc.Constants()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"minJpyAmount":           c.MinJPYAmount,
		"maxUsdCap":              c.MaxUSDCap,
		"defaultDeadlineSeconds": int64(c.DefaultDeadlineDuration / time.Second),
		"maxDeadlineSeconds":     int64(c.MaxDeadlineDuration / time.Second),
		"assets":                 s.svc.Catalog().Symbols(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	quoteAge := s.svc.QuoteAge()

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status          string      `json:"status"`
		RPC             interface{} `json:"rpc"`
		Database        interface{} `json:"database"`
		QuoteAgeSeconds float64     `json:"quote_age_seconds"`
	}{
		Status:          status,
		RPC:             rpcInfo,
		Database:        dbInfo,
		QuoteAgeSeconds: quoteAge,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) escrowID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		s.reject(w, r, http.StatusBadRequest, reasonBadRequest, "escrow id must be a positive integer", false)
		return 0, false
	}
	return id, true
}

// statusFor maps a rejection reason to an HTTP status.
func statusFor(reason settlement.Reason) int {
	switch reason {
	case settlement.ReasonInvalidJPYAmount, settlement.ReasonInvalidDeadline, settlement.ReasonInvalidAsset,
		settlement.ReasonUnsupportedAsset, settlement.ReasonInvalidTaker, settlement.ReasonInsufficientFunds,
		settlement.ReasonCapExceeded:
		return http.StatusBadRequest
	case settlement.ReasonOnlyMaker, settlement.ReasonInvalidOTC:
		return http.StatusForbidden
	case settlement.ReasonEscrowNotFound:
		return http.StatusNotFound
	case settlement.ReasonEscrowSettled, settlement.ReasonOperationInProgress, settlement.ReasonDeadlineNotReached:
		return http.StatusConflict
	case settlement.ReasonRateLimited:
		return http.StatusTooManyRequests
	case settlement.ReasonPriceUnavailable, settlement.ReasonStaleQuote, settlement.ReasonCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	reason := settlement.ReasonOf(err)
	msg := err.Error()
	if reason == settlement.ReasonInternal {
		s.log.WithError(err).WithField("request_id", r.Header.Get("X-Request-Id")).Error("request failed")
		msg = "internal error"
	}
	s.reject(w, r, statusFor(reason), string(reason), msg, reason.Retryable())
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, status int, reason, msg string, retryable bool) {
	s.metrics.incRejection(reason)
	s.log.WithFields(logrus.Fields{
		"request_id": r.Header.Get("X-Request-Id"),
		"path":       r.URL.Path,
		"reason":     reason,
	}).Debug("request rejected")
	writeJSON(w, status, errorResponse{Error: msg, Reason: reason, Retryable: retryable})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
