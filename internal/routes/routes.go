package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/peerpesa/settlement/internal/chain"
	"github.com/peerpesa/settlement/internal/config"
	"github.com/peerpesa/settlement/internal/corridor"
	"github.com/peerpesa/settlement/internal/csrf"
	"github.com/peerpesa/settlement/internal/infra"
	"github.com/peerpesa/settlement/internal/ledger"
	"github.com/peerpesa/settlement/internal/middleware"
	"github.com/peerpesa/settlement/internal/notification"
	"github.com/peerpesa/settlement/internal/payout"
	"github.com/peerpesa/settlement/internal/rates"
	"github.com/peerpesa/settlement/internal/settlement"
	"github.com/peerpesa/settlement/internal/wizard"
)

const (
	callbackPath = "/api/v1/payouts/callback"
	adminPath    = "/api/v1/admin"
)

// developmentRates is the USD table used when no rate provider is configured.
var developmentRates = map[string]string{
	"KES": "129.5",
	"GHS": "15.2",
	"UGX": "3700",
	"TZS": "2650",
	"RWF": "1350",
	"ZMW": "26.5",
	"XAF": "605",
	"XOF": "605",
	"ETB": "120",
	"MWK": "1735",
}

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Chain  *infra.ChainConn
	Logger *slog.Logger
}

// Services are the long-lived components built by Setup.
type Services struct {
	Orchestrator *settlement.Orchestrator
	Store        ledger.Store
	closers      []func() error
}

// Close releases resources opened by Setup.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (*Services, error) {
	// Enforce backing services outside of dev, even though config also checks.
	if !isDev(d.Cfg.AppEnv) {
		if d.DB == nil && d.Cfg.SQLitePath == "" {
			return nil, fmt.Errorf("a persistent ledger is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Chain == nil {
			return nil, fmt.Errorf("chain rpc is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	svc := &Services{}
	store, err := buildStore(d, svc)
	if err != nil {
		return nil, err
	}
	svc.Store = store

	converter, err := buildRates(d)
	if err != nil {
		return nil, err
	}
	chainClient, tokens, err := buildChain(d)
	if err != nil {
		return nil, err
	}

	var processor payout.Processor
	if d.Cfg.ProcessorSecretKey != "" {
		processor = payout.NewFlutterwave(payout.FlutterwaveConfig{
			BaseURL:       d.Cfg.ProcessorBaseURL,
			SecretKey:     d.Cfg.ProcessorSecretKey,
			CallbackURL:   d.Cfg.ProcessorCallbackURL,
			DebitCurrency: d.Cfg.ProcessorDebitCurrency,
			SenderName:    d.Cfg.AppName,
		}, nil)
	} else {
		if !isDev(d.Cfg.AppEnv) {
			return nil, fmt.Errorf("PROCESSOR_SECRET_KEY is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		d.Logger.Warn("no payout processor configured, using in-process stub")
		processor = &payout.StubProcessor{}
	}

	var guard payout.Guard = payout.NewLocalGuard()
	var csrfStore csrf.Store = csrf.NewMemoryStore()
	if d.Cache != nil {
		lockTTL := d.Cfg.FinalityTimeout*time.Duration((d.Cfg.FinalityRechecks+1)*d.Cfg.MaxSettlementAttempts) + time.Minute
		guard = payout.NewRedisGuard(d.Cache, lockTTL)
		csrfStore = csrf.NewRedisStore(d.Cache)
	}
	issuer := csrf.NewIssuer(csrfStore, d.Cfg.CSRFTTL)

	var notifier notification.Notifier = notification.NewLoggerNotifier(d.Logger)
	if len(d.Cfg.KafkaBrokers) > 0 {
		writer, err := notification.NewKafkaWriter(notification.KafkaConfig{Brokers: d.Cfg.KafkaBrokers, Topic: d.Cfg.KafkaTopic})
		if err != nil {
			return nil, err
		}
		kafkaNotifier := notification.NewKafkaNotifier(writer, d.Cfg.KafkaTopic)
		svc.closers = append(svc.closers, kafkaNotifier.Close)
		notifier = kafkaNotifier
	}

	catalog := corridor.Default()
	dispatcher := payout.NewDispatcher(processor, store, guard, catalog, d.Logger)
	svc.Orchestrator = settlement.NewOrchestrator(settlement.Config{
		MaxSettlementAttempts: d.Cfg.MaxSettlementAttempts,
		FinalityTimeout:       d.Cfg.FinalityTimeout,
		FinalityRechecks:      d.Cfg.FinalityRechecks,
	}, settlement.Dependencies{
		Rates:    converter,
		Chain:    chainClient,
		Payouts:  dispatcher,
		Store:    store,
		Tokens:   issuer,
		Locks:    guard,
		Notifier: notifier,
		Catalog:  catalog,
		Logger:   d.Logger,
	})
	handler := settlement.NewHandler(svc.Orchestrator, wizard.NewReducer(catalog, d.Cfg.FeeBasisPoints, tokens), catalog,
		settlement.HandlerConfig{FeeBasisPoints: d.Cfg.FeeBasisPoints, WebhookHash: d.Cfg.ProcessorWebhookHash}, d.Logger)

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger, "/healthz"))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger, callbackPath, adminPath))
	}

	// Health
	RegisterHealthRoutes(app, d, store)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterCSRFRoutes(api, issuer, d.Logger)
	RegisterTransferRoutes(api, handler,
		middleware.TransferRateLimit(d.Cache, d.Cfg.TransferRateLimit),
		middleware.CSRF(issuer, d.Logger))
	RegisterAdminRoutes(api, handler, middleware.AdminKey(d.Cfg.AdminKeyHash))

	return svc, nil
}

func buildStore(d Deps, svc *Services) (ledger.Store, error) {
	switch {
	case d.DB != nil:
		store := ledger.NewPostgresStore(d.DB)
		if err := store.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
		return store, nil
	case d.Cfg.SQLitePath != "":
		store, err := ledger.NewSQLiteStore(d.Cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		svc.closers = append(svc.closers, store.Close)
		return store, nil
	default:
		d.Logger.Warn("no persistent ledger configured, records are kept in memory")
		return ledger.NewInMemory(), nil
	}
}

func buildRates(d Deps) (*rates.Service, error) {
	var source rates.Source
	switch {
	case d.Cfg.RatesAppID != "":
		source = rates.NewOpenExchangeRates(d.Cfg.RatesBaseURL, d.Cfg.RatesAppID, nil)
		if d.Cache != nil {
			source = rates.NewRedisCache(source, d.Cache, d.Cfg.RatesCacheTTL, d.Logger)
		}
	case isDev(d.Cfg.AppEnv):
		d.Logger.Warn("no rate provider configured, using static development rates")
		source = rates.NewStatic(developmentRates)
	default:
		return nil, fmt.Errorf("RATES_APP_ID is required when APP_ENV=%s", d.Cfg.AppEnv)
	}
	return rates.NewService(source, nil, d.Logger), nil
}

func buildChain(d Deps) (chain.Client, []string, error) {
	if d.Chain == nil {
		d.Logger.Warn("no chain rpc configured, using in-process stub")
		return chain.NewStub(), []string{"cUSD", "USDT"}, nil
	}

	var tokens []chain.Token
	if d.Cfg.CUSDAddress != "" {
		tokens = append(tokens, chain.Token{Symbol: "cUSD", Address: common.HexToAddress(d.Cfg.CUSDAddress), Decimals: 18})
	}
	if d.Cfg.USDTAddress != "" {
		tokens = append(tokens, chain.Token{Symbol: "USDT", Address: common.HexToAddress(d.Cfg.USDTAddress), Decimals: 6})
	}
	if len(tokens) == 0 {
		return nil, nil, fmt.Errorf("at least one of CUSD_ADDRESS or USDT_ADDRESS is required")
	}
	if !common.IsHexAddress(d.Cfg.SettlementWallet) {
		return nil, nil, fmt.Errorf("SETTLEMENT_WALLET must be a hex address")
	}

	client, err := chain.NewEthereumClient(chain.EthereumConfig{
		SettlementWallet: common.HexToAddress(d.Cfg.SettlementWallet),
		Tokens:           tokens,
		PollInterval:     d.Cfg.FinalityPollInterval,
	}, d.Chain.Eth, chain.NewRPCSender(d.Chain.RPC), d.Logger)
	if err != nil {
		return nil, nil, err
	}
	symbols := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		symbols = append(symbols, tok.Symbol)
	}
	return client, symbols, nil
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}
