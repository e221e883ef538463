// rtgsd is the settlement core daemon: it drains pacs.008 credit transfers
// from the inbound queue, screens and posts them, and answers with pacs.002
// status reports. Subcommands expose the manual audit-verification trigger
// and the ledger integrity sweep.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/settleline/rtgs/pkg/audit"
	"github.com/settleline/rtgs/pkg/config"
	"github.com/settleline/rtgs/pkg/events"
	"github.com/settleline/rtgs/pkg/ledger"
	"github.com/settleline/rtgs/pkg/observability"
	"github.com/settleline/rtgs/pkg/pipeline"
	"github.com/settleline/rtgs/pkg/rules"
	"github.com/settleline/rtgs/pkg/sanctions"
	"github.com/settleline/rtgs/pkg/screening"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	setupLogging(cfg.LogLevel)

	cmd := "serve"
	if len(args) > 1 {
		cmd = args[1]
	}
	switch cmd {
	case "serve":
		return serve(cfg, stderr)
	case "verify":
		full := len(args) > 2 && args[2] == "--full"
		return verifyChains(cfg, full, stdout, stderr)
	case "sweep":
		return sweepOrphans(cfg, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "usage: rtgsd [serve|verify [--full]|sweep]\n")
		return 2
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func serve(cfg *config.Config, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		obsCfg.OTLPEndpoint = ep
		obsCfg.Insecure = true
	} else {
		obsCfg.Enabled = false
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		fmt.Fprintln(stderr, "observability:", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(stderr, "database:", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	auditLog, closeAudit, err := openAuditLog(ctx, cfg, db)
	if err != nil {
		fmt.Fprintln(stderr, "audit store:", err)
		return 1
	}
	defer closeAudit()
	auditLog.AddHandler(func(*audit.Record) {
		obs.RecordAuditAppend(context.Background())
	})

	sanctionsStore := sanctions.NewPostgresStore(db)
	if err := sanctionsStore.Init(ctx); err != nil {
		fmt.Fprintln(stderr, "sanctions store:", err)
		return 1
	}
	matcher := sanctions.NewMatcher(sanctionsStore, sanctions.MatcherConfig{
		BKTreeEnabled: cfg.Fuzzy.BKTreeEnabled,
		BatchSize:     cfg.Fuzzy.BatchSize,
	})
	if err := matcher.Refresh(ctx); err != nil {
		// The trigram path still serves until the next refresh succeeds.
		slog.Warn("bk-tree refresh failed at startup", "error", err)
	}

	amountThreshold, err := decimal.NewFromString(cfg.Rules.AmountThreshold)
	if err != nil {
		fmt.Fprintln(stderr, "rules.amount_threshold:", err)
		return 1
	}
	ruleEngine, err := rules.NewEngine(rules.Config{
		HighRiskThreshold:   cfg.Rules.HighRiskThreshold,
		MediumRiskThreshold: cfg.Rules.MediumRiskThreshold,
		AmountThreshold:     amountThreshold,
		EscalationExpr:      cfg.Rules.EscalationExpr,
	})
	if err != nil {
		fmt.Fprintln(stderr, "rules:", err)
		return 1
	}

	bus := events.NewBus(64)
	bus.OnDrop(func(topic string, _ events.TransferEvent) {
		obs.RecordEventDrop(context.Background(), topic)
	})

	engine := ledger.NewEngine(db, auditLog, bus, obs, ledger.EngineConfig{
		TransactionTimeout:  cfg.Payment.TransactionTimeout,
		RetryAttempts:       cfg.Payment.RetryAttempts,
		RetryInitialBackoff: cfg.Payment.RetryInitialBackoff,
		RetryMultiplier:     cfg.Payment.RetryMultiplier,
	})

	var rdb redis.UniversalClient
	if opt, err := redis.ParseURL(cfg.RedisURL); err == nil {
		rdb = redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()
	} else {
		slog.Warn("redis disabled, idempotency gate falls back to database", "error", err)
	}
	gate := ledger.NewGate(rdb, db, 24*time.Hour)

	screener := screening.NewScreener(db, matcher, ruleEngine, auditLog, bus, obs, screening.Config{
		MatchThreshold: cfg.Fuzzy.LevenshteinThreshold,
	})

	queueCfg := pipeline.DefaultQueueConfig()
	queueCfg.URL = cfg.BrokerURL
	queueCfg.InboundQueue = cfg.Queue.InboundQueue
	queueCfg.OutboundExchange = cfg.Queue.OutboundExchange
	queueCfg.StatusRoutingKey = cfg.Queue.StatusRoutingKey
	queueCfg.Workers = cfg.Queue.Workers
	queueCfg.Prefetch = cfg.Queue.Prefetch
	queueCfg.RatePerSecond = cfg.Queue.RatePerSecond

	pubConn, err := pipeline.Connection(cfg.BrokerURL)
	if err != nil {
		fmt.Fprintln(stderr, "broker:", err)
		return 1
	}
	defer func() { _ = pubConn.Close() }()
	publisher, err := pipeline.NewAMQPStatusPublisher(pubConn, queueCfg)
	if err != nil {
		fmt.Fprintln(stderr, "outbound publisher:", err)
		return 1
	}

	processor := pipeline.NewProcessor(gate, engine, screener, publisher, auditLog, obs)
	consumer, err := pipeline.NewConsumer(processor, queueCfg)
	if err != nil {
		fmt.Fprintln(stderr, "consumer:", err)
		return 1
	}
	defer func() { _ = consumer.Close() }()

	verifier := audit.NewVerifier(auditLog, cfg.Audit.HourlyVerifyEnabled, cfg.Audit.DailyVerifyAt,
		func(b audit.Breach) {
			slog.Error("audit chain breach detected",
				"entity_type", b.EntityType, "entity_id", b.EntityID)
			obs.RecordChainBreach(context.Background(), b.EntityType, b.EntityID)
		})
	verifier.Start(ctx)

	if err := consumer.Start(ctx); err != nil {
		fmt.Fprintln(stderr, "consume:", err)
		return 1
	}
	slog.Info("rtgsd started",
		"inbound_queue", queueCfg.InboundQueue,
		"outbound_exchange", queueCfg.OutboundExchange,
		"workers", queueCfg.Workers)

	<-ctx.Done()
	slog.Info("shutting down")
	return 0
}

func verifyChains(cfg *config.Config, full bool, stdout, stderr io.Writer) int {
	ctx := context.Background()
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(stderr, "database:", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	auditLog, closeAudit, err := openAuditLog(ctx, cfg, db)
	if err != nil {
		fmt.Fprintln(stderr, "audit store:", err)
		return 1
	}
	defer closeAudit()

	verifier := audit.NewVerifier(auditLog, false, "", nil)
	result, err := verifier.RunOnce(ctx, full)
	if err != nil {
		fmt.Fprintln(stderr, "verify:", err)
		return 1
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Fprintln(stdout, string(out))
	if len(result.Breaches) > 0 {
		return 3
	}
	return 0
}

func sweepOrphans(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx := context.Background()
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(stderr, "database:", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	orphans, err := ledger.FindOrphanCleared(ctx, db)
	if err != nil {
		fmt.Fprintln(stderr, "sweep:", err)
		return 1
	}
	if len(orphans) == 0 {
		fmt.Fprintln(stdout, "no orphan cleared transfers")
		return 0
	}
	for _, o := range orphans {
		fmt.Fprintf(stdout, "ORPHAN transfer=%d msg_id=%s amount=%s\n",
			o.TransferID, o.MsgID, o.Amount.StringFixed(6))
	}
	return 3
}

func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ledger.InitSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return db, nil
}

// openAuditLog returns the audit log on either the shared database or the
// embedded lite store, plus a close func for the latter.
func openAuditLog(ctx context.Context, cfg *config.Config, db *sql.DB) (*audit.Log, func(), error) {
	if cfg.LiteMode {
		store, err := audit.NewSQLiteStore("rtgs_audit.db")
		if err != nil {
			return nil, nil, err
		}
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return audit.NewLog(store), func() { _ = store.Close() }, nil
	}

	store := audit.NewPostgresStore(db)
	if err := store.Init(ctx); err != nil {
		return nil, nil, err
	}
	return audit.NewLog(store), func() {}, nil
}
