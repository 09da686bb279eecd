package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"CustodyLedger/internal/asset"
	"CustodyLedger/internal/chain"
	"CustodyLedger/internal/config"
	"CustodyLedger/internal/hold"
	"CustodyLedger/internal/ingestion"
	"CustodyLedger/internal/joblock"
	"CustodyLedger/internal/ledger"
	"CustodyLedger/internal/notify"
	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/outbox"
	"CustodyLedger/internal/persistence"
	"CustodyLedger/internal/sweep"
	"CustodyLedger/internal/transfer"
	"CustodyLedger/internal/wallet"
	"CustodyLedger/internal/withdrawal"
)

func main() {
	cfg, err := config.Load(os.Getenv("CUSTODY_CONFIG"))
	if err != nil {
		bootLog := observability.NewLogger("custodyd", "info")
		bootLog.Fatal().Err(err).Msg("load config")
	}

	log := observability.NewLogger("custodyd", cfg.LogLevel)
	log.Info().Msg("CustodyLedger starting...")

	// One identity per process: job lock holder and outbox claim owner.
	hostname, _ := os.Hostname()
	holderID := hostname + "-" + uuid.New().String()[:8]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := persistence.Open(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir)
	ran, err := migrator.Up(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	log.Info().Int("applied", len(ran)).Msg("migrations up to date")

	// --- Metrics and health ---
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	// --- NATS JetStream ---
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Drain()

	js, err := jetstream.New(nc)
	if err != nil {
		log.Fatal().Err(err).Msg("jetstream")
	}
	for name, ensure := range map[string]func(context.Context, jetstream.JetStream) error{
		"commands": ingestion.EnsureStream,
		"events":   outbox.EnsureStream,
		"notify":   notify.EnsureStream,
	} {
		if err := ensure(ctx, js); err != nil {
			log.Fatal().Err(err).Str("stream", name).Msg("ensure stream")
		}
	}
	log.Info().Str("url", cfg.NATS.URL).Msg("nats connected")

	// --- Wallets ---
	deriver, err := wallet.NewDeriver(cfg.Wallet.MasterSeedHex, cfg.Wallet.PathPrefix)
	if err != nil {
		log.Fatal().Err(err).Msg("deposit key deriver")
	}
	hotDeriver, err := wallet.NewDeriver(cfg.Wallet.MasterSeedHex, cfg.Wallet.HotPathPrefix)
	if err != nil {
		log.Fatal().Err(err).Msg("hot key deriver")
	}
	hot, err := hotDeriver.Derive(0)
	if err != nil {
		log.Fatal().Err(err).Msg("derive hot wallet")
	}
	log.Info().Str("hot_address", hot.Address).Msg("hot wallet ready")

	// --- Chain clients ---
	clients := make(map[string]chain.Client, len(cfg.Chains))
	heights := make(map[string]wallet.HeightSource, len(cfg.Chains))
	for name, cc := range cfg.Chains {
		pool := chain.NewPool(metrics)
		for _, url := range cc.Endpoints {
			pool.Add(url, chain.NewRPCClient(url, cc.ID, cfg.Sweep.GasPerTransfer))
		}
		clients[name] = pool
		heights[name] = pool
		log.Info().Str("chain", name).Int("endpoints", len(cc.Endpoints)).Msg("chain client ready")
	}

	// --- Core services ---
	locks := joblock.NewService(db, metrics)
	ledgers := ledger.NewRepository(metrics)
	holds := hold.NewManager(metrics)
	registry := asset.NewRegistry(db)
	events := outbox.NewRepository(metrics)
	notifier := notify.NewNATSNotifier(js)

	book := wallet.NewAddressBook(db, deriver, locks, heights, cfg.Locks.TTL, holderID,
		metrics, observability.NewLogger("wallet", cfg.LogLevel))

	engine := withdrawal.NewEngine(db, ledgers, holds, registry, clients, hot, events, notifier,
		metrics, observability.NewLogger("withdrawal", cfg.LogLevel))

	fees, err := transfer.NewFeeSchedule(cfg.Fees)
	if err != nil {
		log.Fatal().Err(err).Msg("fee schedule")
	}
	transfers := transfer.NewService(db, ledgers, registry, events, fees,
		observability.NewLogger("transfer", cfg.LogLevel))

	// --- Command ingestion ---
	consumer := ingestion.NewCommandConsumer(js, transfers, engine, book,
		observability.NewLogger("ingestion", cfg.LogLevel))
	if err := consumer.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("subscribe commands")
	}
	defer consumer.Stop()

	// --- Background workers ---
	g, gctx := errgroup.WithContext(ctx)

	dispatcher := outbox.NewDispatcher(db, events, js, locks, cfg.Outbox, holderID,
		metrics, observability.NewLogger("outbox", cfg.LogLevel))
	g.Go(func() error { return dispatcher.Run(gctx) })

	for name, client := range clients {
		sweeper := sweep.NewSweeper(name, client, book, deriver, registry, hot, db,
			ledgers, events, locks, cfg.Sweep, holderID,
			metrics, observability.NewLogger("sweep", cfg.LogLevel))
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	// --- Metrics / health HTTP ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)
	srv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server")
		}
	}()

	health.SetReady(true)
	log.Info().Str("holder_id", holderID).Msg("custodyd ready")

	<-ctx.Done()
	log.Info().Msg("shutting down...")
	health.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("worker exit")
	}
	log.Info().Msg("custodyd stopped")
}
