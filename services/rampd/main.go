package rampd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cryptoramp/observability/logging"
	telemetry "cryptoramp/observability/otel"
	"cryptoramp/services/rampd/assets"
	"cryptoramp/services/rampd/chain"
	"cryptoramp/services/rampd/config"
	"cryptoramp/services/rampd/engine"
	"cryptoramp/services/rampd/notify"
	"cryptoramp/services/rampd/rates"
	"cryptoramp/services/rampd/server"
	"cryptoramp/services/rampd/settlement"
	"cryptoramp/services/rampd/storage"
	"cryptoramp/services/rampd/watch"
)

const serviceName = "rampd"

// Main initialises and runs the conversion daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/rampd/config.yaml", "path to rampd configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(serviceName, cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Enabled,
		Traces:      cfg.Telemetry.Enabled,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(stopCtx, cfg, logger)
	if err != nil {
		return err
	}
	runErr := app.server.Run(stopCtx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration)
	defer cancel()
	return errors.Join(runErr, app.close(shutdownCtx))
}

// app holds every long lived component of a running daemon.
type app struct {
	store      storage.Store
	engine     *engine.Engine
	supervisor *watch.Supervisor
	hub        *notify.Hub
	outbound   *notify.Async
	server     *server.Server
	logger     *slog.Logger
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	table, err := cfg.RateTable()
	if err != nil {
		return nil, err
	}
	if table == nil {
		table = rates.DefaultTable()
	}
	oracle, err := rates.NewOracle(table)
	if err != nil {
		return nil, fmt.Errorf("init rates: %w", err)
	}
	wallets, err := cfg.WalletMap()
	if err != nil {
		return nil, err
	}
	maxAmount, err := cfg.MaxAmount()
	if err != nil {
		return nil, err
	}
	chainGW, err := dialChains(ctx, cfg.Chain)
	if err != nil {
		return nil, err
	}
	if cfg.Settlement.SecretKey == "" {
		logger.Warn("settlement secret key not configured; processor calls will be rejected")
	}
	paystack := settlement.NewPaystackClient(cfg.Settlement.BaseURL, cfg.Settlement.SecretKey,
		settlement.WithRateLimit(cfg.Settlement.RequestsPerSecond, cfg.Settlement.Burst),
		settlement.WithTransferReason(cfg.Settlement.TransferReason))

	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	hub := notify.NewHub(cfg.Notify.HubBuffer)
	notifiers := notify.Multi{notify.LogNotifier{Logger: logger}, hub}
	var outbound *notify.Async
	if cfg.Notify.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret,
			notify.WithWebhookRate(cfg.Notify.RequestsPerSecond, 10),
			notify.WithUserLimiter(notify.NewUserLimiter(cfg.Notify.PerUserLimit)),
			notify.WithWebhookLogger(logger))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init webhook: %w", err)
		}
		outbound = notify.NewAsync(webhook, cfg.Notify.QueueSize)
		notifiers = append(notifiers, outbound)
	}

	eng, err := engine.New(store, oracle, chainGW, paystack,
		engine.WithTTL(cfg.TransactionTTL.Duration),
		engine.WithWallets(wallets),
		engine.WithMaxAmount(maxAmount),
		engine.WithMaxSendAttempts(cfg.Limits.MaxSendAttempts),
		engine.WithCustomerEmail(cfg.Settlement.CustomerEmail),
		engine.WithGatewayTimeout(cfg.Settlement.Timeout.Duration),
		engine.WithNotifier(notifiers),
		engine.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init engine: %w", err)
	}

	supervisor := watch.NewSupervisor(eng, watch.Config{
		CountdownInterval: cfg.Watch.CountdownInterval.Duration,
		PollInterval:      cfg.Watch.PollInterval.Duration,
		BackoffInterval:   cfg.Watch.BackoffInterval.Duration,
		Lifetime:          cfg.Watch.Lifetime.Duration,
		ExpiryCeiling:     cfg.TransactionTTL.Duration,
	}, watch.WithLogger(logger), watch.WithHooks(watch.Hooks{
		Countdown: func(sessionKey string, remaining time.Duration) {
			hub.Countdown(sessionKey, remaining, watch.FormatCountdown(remaining))
		},
	}))
	eng.SetWatcher(supervisor)

	api, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		RateLimit: server.RateLimit{
			RequestsPerMinute: float64(cfg.HTTP.RateLimit.RequestsPerMinute),
			Burst:             cfg.HTTP.RateLimit.Burst,
		},
		ShutdownTimeout:   cfg.HTTP.ShutdownTimeout.Duration,
		TrustProxyHeaders: cfg.HTTP.TrustProxyHeaders,
	}, eng, paystack, oracle, hub, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init server: %w", err)
	}

	// Watchers do not survive a restart; pick up whatever was in flight.
	resumed, err := eng.Resume(ctx)
	if err != nil {
		_ = supervisor.Shutdown(context.Background())
		_ = store.Close()
		return nil, fmt.Errorf("resume transactions: %w", err)
	}

	logger.Info("rampd configured",
		slog.String("storage", cfg.Storage.Driver),
		slog.Int("wallets", len(wallets)),
		slog.Int("chain_networks", len(cfg.Chain.Networks)),
		slog.String("settlement_key", logging.MaskValue(cfg.Settlement.SecretKey)),
		slog.Duration("transaction_ttl", eng.TTL()),
		slog.Int("resumed", resumed))

	return &app{
		store:      store,
		engine:     eng,
		supervisor: supervisor,
		hub:        hub,
		outbound:   outbound,
		server:     api,
		logger:     logger,
	}, nil
}

// close stops the watchers first so no transition races the store shutdown,
// then drains queued webhook deliveries.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.supervisor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop watchers: %w", err))
	}
	if a.outbound != nil {
		if err := a.outbound.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain webhooks: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errs...)
}

// dialChains builds one JSON-RPC backend per configured network.
func dialChains(ctx context.Context, cfg config.ChainConfig) (*chain.Router, error) {
	backends := make(map[assets.Network]chain.Gateway, len(cfg.Networks))
	for name, network := range cfg.Networks {
		id := assets.Network(strings.ToLower(strings.TrimSpace(name)))
		if id != assets.NetworkEthereum && id != assets.NetworkTron {
			return nil, fmt.Errorf("chain network %s: no json-rpc backend for this network", name)
		}
		contracts, err := network.TokenContracts(id)
		if err != nil {
			return nil, fmt.Errorf("chain network %s: %w", name, err)
		}
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := chain.DialEVM(dialCtx, network.RPCURL, chain.EVMConfig{
			Network:       id,
			ChainID:       network.ChainID,
			PrivateKeyHex: network.PrivateKey,
			Contracts:     contracts,
		})
		cancel()
		if err != nil {
			return nil, err
		}
		backends[id] = client
	}
	return chain.NewRouter(backends), nil
}
