// The worker runs the whole send engine in one process: warmup
// advancement, campaign scheduling, dispatch, inbox polling, reply
// analysis, and the ops API. Multiple instances coordinate through
// distributed locks and row-level claims, so running more than one is
// safe.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/reachforge/outreach/internal/analysis"
	"github.com/reachforge/outreach/internal/api"
	"github.com/reachforge/outreach/internal/config"
	"github.com/reachforge/outreach/internal/dispatch"
	"github.com/reachforge/outreach/internal/events"
	"github.com/reachforge/outreach/internal/pkg/distlock"
	"github.com/reachforge/outreach/internal/pkg/logger"
	"github.com/reachforge/outreach/internal/poller"
	"github.com/reachforge/outreach/internal/scheduler"
	"github.com/reachforge/outreach/internal/store"
	"github.com/reachforge/outreach/internal/transport"
	"github.com/reachforge/outreach/internal/warmup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fatal("load config", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.RedactPII())
	logger.Info("starting outreach worker", "config", *configPath)

	db, err := openDatabase(cfg)
	if err != nil {
		fatal("database", err)
	}
	defer db.Close()

	redisClient := openRedis(cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}

	st := store.New(db)
	bus := events.NewBus()
	events.AttachAudit(bus, st)

	locks := func(key string, ttl time.Duration) distlock.Lock {
		return distlock.New(redisClient, db, key, ttl)
	}

	ramp := warmup.LinearRamp(cfg.Warmup.StartVolume, cfg.Warmup.DailyStep)

	advancer := warmup.NewAdvancer(st, bus, ramp, warmup.LockFactory(locks),
		time.Duration(cfg.Warmup.CheckMinutes)*time.Minute)

	window := scheduler.Window{
		StartHour: cfg.Scheduler.WindowStartHour,
		EndHour:   cfg.Scheduler.WindowEndHour,
		Location:  cfg.WindowLocation(),
	}
	sched := scheduler.New(st, bus, ramp, window)
	backpressure := scheduler.NewBackpressureMonitor(st, cfg.Scheduler.MaxQueueDepth)
	schedRunner := scheduler.NewRunner(sched, backpressure, scheduler.LockFactory(locks),
		time.Duration(cfg.Scheduler.IntervalSeconds)*time.Second)

	transports, err := buildTransports(cfg)
	if err != nil {
		fatal("transports", err)
	}

	limiter := dispatch.NewRateLimiter(redisClient, dispatch.Pace{
		PerSecond: cfg.Sending.PacePerSecond,
		PerMinute: cfg.Sending.PacePerMinute,
		PerDay:    cfg.Sending.PacePerDay,
	}, dispatch.Pace{
		PerSecond: cfg.Sending.ChannelPerSecond,
		PerMinute: cfg.Sending.ChannelPerMinute,
		PerDay:    cfg.Sending.ChannelPerDay,
	})
	pool := dispatch.NewPool(st, limiter, transports, bus, ramp, dispatch.Config{
		Workers:     cfg.Sending.Workers,
		ClaimBatch:  cfg.Sending.ClaimBatch,
		PollEvery:   time.Duration(cfg.Sending.PollSeconds) * time.Second,
		SendTimeout: time.Duration(cfg.Sending.SendTimeoutSeconds) * time.Second,
		MorningHour: cfg.Scheduler.WindowStartHour,
	})
	recovery := dispatch.NewRecoveryWorker(st,
		time.Duration(cfg.Sending.StaleAfterMinutes)*time.Minute, time.Minute)

	detector := &poller.AutoReplyDetector{ExtraPhrases: cfg.Poller.AutoReplyPhrases}
	imapTimeout := time.Duration(cfg.Poller.TimeoutSeconds) * time.Second
	inboxPoller := poller.New(st, bus,
		func(m *store.Mailbox) poller.InboundClient {
			return poller.NewIMAPClient(m, imapTimeout)
		},
		poller.LockFactory(locks), detector,
		time.Duration(cfg.Poller.IntervalSeconds)*time.Second)

	classifier := analysis.NewHTTPClassifier(cfg.Classifier.Endpoint, cfg.Classifier.APIKey,
		time.Duration(cfg.Classifier.TimeoutSeconds)*time.Second)
	gate := analysis.NewGate(st, classifier, bus, cfg.Classifier.BatchSize,
		time.Duration(cfg.Classifier.IntervalSeconds)*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	run := func(name string, f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("component started", "component", name)
			f(ctx)
		}()
	}

	run("warmup", advancer.Run)
	run("backpressure", backpressure.Run)
	run("scheduler", schedRunner.Run)
	run("dispatch", pool.Run)
	run("recovery", recovery.Run)
	run("poller", inboxPoller.Run)
	if cfg.Classifier.Endpoint != "" {
		run("analysis", gate.Run)
	} else {
		logger.Warn("classifier endpoint not set, reply analysis disabled")
	}

	opsServer := api.New(st, db, redisClient, bus, ramp)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		logger.Info("ops API listening", "addr", addr)
		if err := opsServer.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("ops API failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops API shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("worker stopped")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out with components still running")
	}
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	logger.Info("connected to database")
	return db, nil
}

// openRedis connects to Redis when configured. Without Redis the worker
// still runs: pacing is disabled and locks fall back to PG advisory
// locks.
func openRedis(cfg *config.Config) *redis.Client {
	if cfg.Redis.URL == "" {
		logger.Warn("redis not configured, mailbox pacing disabled")
		return nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Warn("invalid redis url, continuing without redis", "error", err)
		return nil
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, continuing without redis", "error", err)
		client.Close()
		return nil
	}

	logger.Info("connected to redis")
	return client
}

func buildTransports(cfg *config.Config) (*transport.Factory, error) {
	sendTimeout := time.Duration(cfg.Sending.SendTimeoutSeconds) * time.Second

	var ses *transport.SESTransport
	if cfg.SES.AccessKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var err error
		ses, err = transport.NewSESTransport(ctx, cfg.SES)
		if err != nil {
			return nil, fmt.Errorf("ses: %w", err)
		}
		logger.Info("ses transport configured", "region", cfg.SES.Region)
	}

	return transport.NewFactory(ses, sendTimeout), nil
}

func fatal(what string, err error) {
	logger.Error(what+" failed", "error", err)
	os.Exit(1)
}
