package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName           = "PeerPesa"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultFinalityTimeout   = 2 * time.Minute
	defaultFinalityPoll      = 2 * time.Second
	defaultFinalityRechecks  = 1
	defaultSettleAttempts    = 3
	defaultFeeBasisPoints    = 50
	defaultRatesBaseURL      = "https://openexchangerates.org/api"
	defaultRatesCacheTTL     = 5 * time.Minute
	defaultProcessorBaseURL  = "https://api.flutterwave.com/v3"
	defaultDebitCurrency     = "USD"
	defaultKafkaTopic        = "settlement-outcomes"
	defaultReconcileSchedule = "@every 1m"
	defaultTransferRateLimit = 10
	defaultCSRFTTL           = 30 * time.Minute
	idemTTLSecondsEnvVar     = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar         = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar    = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar   = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	SQLitePath     string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	ChainRPCURL           string
	SettlementWallet      string
	CUSDAddress           string
	USDTAddress           string
	FinalityTimeout       time.Duration
	FinalityPollInterval  time.Duration
	FinalityRechecks      int
	MaxSettlementAttempts int
	FeeBasisPoints        int64

	RatesBaseURL  string
	RatesAppID    string
	RatesCacheTTL time.Duration

	ProcessorBaseURL       string
	ProcessorSecretKey     string
	ProcessorCallbackURL   string
	ProcessorDebitCurrency string
	ProcessorWebhookHash   string

	AdminKeyHash      string
	KafkaBrokers      []string
	KafkaTopic        string
	OTLPEndpoint      string
	ReconcileSchedule string
	TransferRateLimit int
	CSRFTTL           time.Duration
}

// Load reads an optional .env file and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		AppName:                getEnv("APP_NAME", defaultAppName),
		AppEnv:                 getEnv("APP_ENV", defaultAppEnv),
		Port:                   getEnv("PORT", defaultPort),
		LogLevel:               strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		SQLitePath:             os.Getenv("SQLITE_PATH"),
		RedisURL:               os.Getenv("REDIS_URL"),
		ChainRPCURL:            os.Getenv("CHAIN_RPC_URL"),
		SettlementWallet:       os.Getenv("SETTLEMENT_WALLET"),
		CUSDAddress:            os.Getenv("CUSD_ADDRESS"),
		USDTAddress:            os.Getenv("USDT_ADDRESS"),
		RatesBaseURL:           getEnv("RATES_BASE_URL", defaultRatesBaseURL),
		RatesAppID:             os.Getenv("RATES_APP_ID"),
		ProcessorBaseURL:       getEnv("PROCESSOR_BASE_URL", defaultProcessorBaseURL),
		ProcessorSecretKey:     os.Getenv("PROCESSOR_SECRET_KEY"),
		ProcessorCallbackURL:   os.Getenv("PROCESSOR_CALLBACK_URL"),
		ProcessorDebitCurrency: strings.ToUpper(getEnv("PROCESSOR_DEBIT_CURRENCY", defaultDebitCurrency)),
		ProcessorWebhookHash:   os.Getenv("PROCESSOR_WEBHOOK_HASH"),
		AdminKeyHash:           os.Getenv("ADMIN_KEY_HASH"),
		KafkaBrokers:           splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:             getEnv("KAFKA_TOPIC", defaultKafkaTopic),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ReconcileSchedule:      getEnv("RECONCILE_SCHEDULE", defaultReconcileSchedule),
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.FinalityTimeout, err = durationEnv("FINALITY_TIMEOUT_SECONDS", "FINALITY_TIMEOUT", defaultFinalityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.FinalityPollInterval, err = durationEnv("FINALITY_POLL_INTERVAL_SECONDS", "FINALITY_POLL_INTERVAL", defaultFinalityPoll); err != nil {
		return Config{}, err
	}
	if cfg.RatesCacheTTL, err = durationEnv("RATES_CACHE_TTL_SECONDS", "RATES_CACHE_TTL", defaultRatesCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.CSRFTTL, err = durationEnv("CSRF_TTL_SECONDS", "CSRF_TTL", defaultCSRFTTL); err != nil {
		return Config{}, err
	}
	if cfg.FinalityRechecks, err = intEnv("FINALITY_RECHECKS", defaultFinalityRechecks); err != nil {
		return Config{}, err
	}
	if cfg.MaxSettlementAttempts, err = intEnv("MAX_SETTLEMENT_ATTEMPTS", defaultSettleAttempts); err != nil {
		return Config{}, err
	}
	if cfg.TransferRateLimit, err = intEnv("TRANSFER_RATE_LIMIT", defaultTransferRateLimit); err != nil {
		return Config{}, err
	}
	fee, err := intEnv("FEE_BASIS_POINTS", defaultFeeBasisPoints)
	if err != nil {
		return Config{}, err
	}
	if fee < 0 || fee > 10000 {
		return Config{}, fmt.Errorf("FEE_BASIS_POINTS must be between 0 and 10000")
	}
	cfg.FeeBasisPoints = int64(fee)

	if cfg.MaxSettlementAttempts < 1 {
		return Config{}, fmt.Errorf("MAX_SETTLEMENT_ATTEMPTS must be at least 1")
	}

	if !cfg.IsDevelopment() {
		if err := cfg.requireProduction(); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func (c Config) requireProduction() error {
	switch {
	case c.DatabaseURL == "" && c.SQLitePath == "":
		return fmt.Errorf("DATABASE_URL or SQLITE_PATH must be set")
	case c.RedisURL == "":
		return fmt.Errorf("REDIS_URL must be set")
	case c.ChainRPCURL == "":
		return fmt.Errorf("CHAIN_RPC_URL must be set")
	case c.SettlementWallet == "":
		return fmt.Errorf("SETTLEMENT_WALLET must be set")
	case c.ProcessorSecretKey == "":
		return fmt.Errorf("PROCESSOR_SECRET_KEY must be set")
	}
	return nil
}

// IsDevelopment reports whether the service runs with local fallbacks.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, "development") || strings.EqualFold(c.AppEnv, "dev")
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// durationEnv prefers a whole-seconds variable over a Go duration string.
func durationEnv(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(durationKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
