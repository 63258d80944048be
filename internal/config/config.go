package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"jpyescrow/internal/convert"
)

// Public testnet token addresses used when no deployments file is present.
const (
	defaultUSDC = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	defaultUSDT = "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb"
)

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64 `json:"chainId"`
	Contracts struct {
		Escrow string `json:"Escrow"`
		USDC   string `json:"USDC"`
		USDT   string `json:"USDT"`
	} `json:"contracts"`
}

// AppConfig ties together environment settings and deployment info.
type AppConfig struct {
	Service    ServiceConfig
	Oracle     OracleConfig
	Chain      ChainConfig
	Deployment DeploymentConfig

	DeploymentsPath string `env:"OTC_DEPLOYMENTS_PATH" envDefault:"deployments.json"`
	DatabaseURL     string `env:"OTC_DATABASE_URL"`
	EventLogPath    string `env:"OTC_EVENT_LOG_PATH"`
	LogLevel        string `env:"OTC_LOG_LEVEL" envDefault:"info"`
}

type ServiceConfig struct {
	HTTPPort       int           `env:"OTC_HTTP_PORT" envDefault:"3000"`
	AuthMaxSkew    time.Duration `env:"OTC_AUTH_MAX_SKEW" envDefault:"60s"`
	AllowUnsigned  bool          `env:"OTC_AUTH_ALLOW_UNSIGNED"`
	CallerRPS      float64       `env:"OTC_CALLER_RPS" envDefault:"2"`
	CallerBurst    int           `env:"OTC_CALLER_BURST" envDefault:"5"`
	MaxUSDCap      string        `env:"OTC_MAX_USD_CAP" envDefault:"5000"`
	Rounding       string        `env:"OTC_ROUNDING" envDefault:"down"`
	StaleThreshold time.Duration `env:"OTC_STALE_QUOTE_THRESHOLD" envDefault:"60s"`
	ShutdownGrace  time.Duration `env:"OTC_SHUTDOWN_GRACE" envDefault:"15s"`
	// DevAccounts are credited with test balances when running the in-process ledger.
	DevAccounts []string `env:"OTC_DEV_ACCOUNTS" envSeparator:","`
}

type OracleConfig struct {
	BaseURL          string        `env:"OTC_PRICE_API_URL" envDefault:"https://pro-api.coinmarketcap.com/v2/cryptocurrency"`
	APIKey           string        `env:"OTC_PRICE_API_KEY"`
	JPYProxy         string        `env:"OTC_JPY_PROXY" envDefault:"USDC"`
	MinFetchInterval time.Duration `env:"OTC_MIN_FETCH_INTERVAL" envDefault:"10s"`
	Cooldown         time.Duration `env:"OTC_RATE_LIMIT_COOLDOWN" envDefault:"5m"`
	MaxCooldown      time.Duration `env:"OTC_RATE_LIMIT_MAX_COOLDOWN" envDefault:"1h"`
	RefreshInterval  time.Duration `env:"OTC_REFRESH_INTERVAL" envDefault:"2m"`
	RequestTimeout   time.Duration `env:"OTC_PRICE_REQUEST_TIMEOUT" envDefault:"10s"`
}

type ChainConfig struct {
	RPCURL     string `env:"OTC_CHAIN_RPC_URL" envDefault:"https://sepolia.base.org"`
	PrivateKey string `env:"OTC_CHAIN_PRIVATE_KEY"`
	// ReceiptTimeout bounds the wait for a broadcast transaction to be mined.
	ReceiptTimeout time.Duration `env:"OTC_CHAIN_RECEIPT_TIMEOUT" envDefault:"5m"`
}

// Load aggregates configuration from the environment and the deployments file.
func Load() (*AppConfig, error) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	deploy, err := loadDeployments(cfg.DeploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}
	cfg.Deployment = *deploy

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDeployments reads path, falling back to the testnet token addresses when it is absent.
func loadDeployments(path string) (*DeploymentConfig, error) {
	var cfg DeploymentConfig
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Contracts.USDC == "" {
		cfg.Contracts.USDC = defaultUSDC
	}
	if cfg.Contracts.USDT == "" {
		cfg.Contracts.USDT = defaultUSDT
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Service.HTTPPort < 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("OTC_HTTP_PORT %d out of range", c.Service.HTTPPort))
	}
	if c.Service.AuthMaxSkew <= 0 {
		errs = append(errs, errors.New("OTC_AUTH_MAX_SKEW must be positive"))
	}
	if cap, err := decimal.NewFromString(c.Service.MaxUSDCap); err != nil || !cap.IsPositive() {
		errs = append(errs, fmt.Errorf("OTC_MAX_USD_CAP %q must be a positive number", c.Service.MaxUSDCap))
	}
	if _, err := convert.ParseRounding(c.Service.Rounding); err != nil {
		errs = append(errs, fmt.Errorf("OTC_ROUNDING: %w", err))
	}
	if c.Chain.ReceiptTimeout <= 0 {
		errs = append(errs, errors.New("OTC_CHAIN_RECEIPT_TIMEOUT must be positive"))
	}
	if c.Service.StaleThreshold <= 0 {
		errs = append(errs, errors.New("OTC_STALE_QUOTE_THRESHOLD must be positive"))
	}
	if c.Oracle.MinFetchInterval <= 0 || c.Oracle.Cooldown <= 0 || c.Oracle.RequestTimeout <= 0 {
		errs = append(errs, errors.New("oracle intervals must be positive"))
	}
	if c.Oracle.RefreshInterval <= c.Oracle.MinFetchInterval {
		errs = append(errs, fmt.Errorf("OTC_REFRESH_INTERVAL %s must exceed OTC_MIN_FETCH_INTERVAL %s",
			c.Oracle.RefreshInterval, c.Oracle.MinFetchInterval))
	}
	for _, a := range []string{c.Deployment.Contracts.USDC, c.Deployment.Contracts.USDT} {
		if !common.IsHexAddress(a) {
			errs = append(errs, fmt.Errorf("token address %q is not a hex address", a))
		}
	}
	if c.Chain.PrivateKey != "" && !common.IsHexAddress(c.Deployment.Contracts.Escrow) {
		errs = append(errs, errors.New("an escrow contract address is required when OTC_CHAIN_PRIVATE_KEY is set"))
	}
	for _, a := range c.Service.DevAccounts {
		if !common.IsHexAddress(strings.TrimSpace(a)) {
			errs = append(errs, fmt.Errorf("OTC_DEV_ACCOUNTS entry %q is not a hex address", a))
		}
	}
	return errors.Join(errs...)
}

// MaxUSD is the parsed cap. Validate guarantees it parses.
func (c *AppConfig) MaxUSD() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Service.MaxUSDCap)
	return d
}

// NewLogger builds the process logger.
func NewLogger(level string) *logrus.Logger {
	lg := logrus.New()
	lg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lg.WithField("level", level).Warn("unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	lg.SetLevel(lvl)
	return lg
}
