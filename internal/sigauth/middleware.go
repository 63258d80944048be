package sigauth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"jpyescrow/internal/replay"
)

const (
	HeaderCaller    = "X-Caller-Address"
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"

	// DefaultMaxBodyBytes caps the body read for verification.
	DefaultMaxBodyBytes = 1 << 16
)

var (
	ErrMissingCaller    = errors.New("missing caller address")
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrBodyTooLarge     = errors.New("request body too large")
	// ErrReplayed means an identical signed request was already accepted.
	ErrReplayed = errors.New("signed request already used")
)

type ctxKey struct{}

// CallerFrom returns the authenticated caller stored by the middleware.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(ctxKey{}).(common.Address)
	return addr, ok
}

// WithCaller stores addr as the authenticated caller.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, ctxKey{}, addr)
}

// Verifier authenticates requests signed with an Ethereum personal signature over
// timestamp||body. The recovered signer must equal X-Caller-Address.
type Verifier struct {
	MaxSkew time.Duration
	Now     func() time.Time
	// AllowUnsigned trusts X-Caller-Address without a signature. Local development only.
	AllowUnsigned bool
	// MaxBodyBytes limits the body read before the handler runs. Defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// Seen rejects a second use of the same signed request while its timestamp
	// is still inside MaxSkew. Nil disables the check.
	Seen replay.Store
	// OnReject writes the rejection. Defaults to a plain 401.
	OnReject func(w http.ResponseWriter, r *http.Request, err error)
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.verify(r)
		if err != nil {
			if v.OnReject != nil {
				v.OnReject(w, r, err)
				return
			}
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (v *Verifier) verify(r *http.Request) (common.Address, error) {
	callerHeader := r.Header.Get(HeaderCaller)
	if !common.IsHexAddress(callerHeader) {
		return common.Address{}, ErrMissingCaller
	}
	caller := common.HexToAddress(callerHeader)
	if v.AllowUnsigned {
		return caller, nil
	}

	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return common.Address{}, ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return common.Address{}, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return common.Address{}, ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return common.Address{}, ErrStaleTimestamp
	}

	limit := v.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := readBody(r, limit)
	if err != nil {
		return common.Address{}, err
	}

	signer, err := recoverSigner(tsHeader, body, sig)
	if err != nil || signer != caller {
		return common.Address{}, ErrInvalidSignature
	}

	if v.Seen != nil {
		// Keyed on what was signed, so re-encoding the signature does not help.
		ok, err := v.Seen.Claim(r.Context(), requestKey(caller, tsHeader, body), now, reqTime.Add(v.MaxSkew))
		if err != nil {
			return common.Address{}, fmt.Errorf("replay check: %w", err)
		}
		if !ok {
			return common.Address{}, ErrReplayed
		}
	}
	return caller, nil
}

func requestKey(caller common.Address, timestamp string, body []byte) string {
	return caller.Hex() + ":" + hexutil.Encode(accounts.TextHash(Message(timestamp, body)))
}

// Message is the payload a client signs.
func Message(timestamp string, body []byte) []byte {
	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	return append(msg, body...)
}

func recoverSigner(timestamp string, body []byte, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, err
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	// Wallets produce V in {27, 28}; recovery wants {0, 1}.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(Message(timestamp, body)), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
