package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wata/internal/api"
	"wata/internal/broker"
	"wata/internal/config"
	"wata/internal/engine"
	"wata/internal/handler"
	"wata/internal/instrument"
	"wata/internal/metrics"
	"wata/internal/notify"
	"wata/internal/order"
	"wata/internal/position"
	"wata/internal/rules"
	"wata/internal/store"
	"wata/internal/util"
)

// app holds the wired services of one process.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	ledger  *store.SQLiteLedger
	metrics *metrics.Metrics
	health  *api.Health
	handler *handler.Handler
	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger, err := util.NewRotatingLogger(util.LogOptions{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	util.SetDefault(logger)

	loc, err := cfg.Trade.Location()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New(), health: api.NewHealth()}

	a.ledger, err = store.OpenSQLiteLedger(cfg.Storage.SQLitePath, loc)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.ledger.Close)

	notifier := a.notifier()

	client := broker.NewClient(
		broker.FileTokenProvider{Path: cfg.Broker.TokenFile},
		broker.NewHTTPTransportFactory(cfg.Broker.BaseURL, time.Duration(cfg.Broker.TimeoutSeconds)*time.Second),
		broker.WithRateLimiter(util.NewRateLimiter(cfg.Broker.RateLimitPerMin, 5)),
		broker.WithLogger(logger),
		broker.WithErrorHook(a.metrics.BrokerError),
	)
	acct, err := broker.FetchSession(ctx, client, broker.Account{
		ClientKey:  cfg.Broker.ClientKey,
		AccountKey: cfg.Broker.AccountKey,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("fetch broker session: %w", err)
	}
	logger.Info("broker session ready", "client_key", acct.ClientKey, "account_key", acct.AccountKey)

	orders := order.NewService(client, acct, logger)
	positions := position.NewService(client, orders, acct, cfg.Trade, logger)
	instruments := instrument.NewService(client, acct, cfg.Trade, logger)

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithNotifier(notifier),
		engine.WithMetrics(a.metrics),
		engine.WithSampleStore(store.NewParquetStore(cfg.Storage.DataDir, loc)),
	}
	a.handler = handler.New(handler.Deps{
		Rules:      rules.NewEngine(cfg.Rules, loc),
		Trader:     engine.NewOrchestrator(instruments, orders, positions, a.ledger, cfg.Trade, opts...),
		Monitor:    engine.NewMonitor(positions, orders, a.ledger, cfg.Trade, opts...),
		Ledger:     a.ledger,
		ExchangeID: cfg.Trade.ExchangeID,
		Notifier:   notifier,
		Metrics:    a.metrics,
		Health:     a.health,
		Logger:     logger,
	})
	return a, nil
}

// notifier sends to the log and, when a topic is configured, to Kafka.
func (a *app) notifier() notify.Notifier {
	n := notify.Multi{notify.LogNotifier{Logger: a.logger}}
	k := a.cfg.Kafka
	if len(k.Brokers) == 0 || k.NotificationTopic == "" {
		return n
	}
	kn := notify.NewKafkaNotifier(notify.NewKafkaWriter(k.Brokers, k.NotificationTopic), "wata-trader", a.logger)
	a.closers = append(a.closers, kn.Close)
	return append(n, kn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
