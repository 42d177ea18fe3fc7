package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/relay/internal/api"
	"github.com/ignite/relay/internal/config"
	"github.com/ignite/relay/internal/credential"
	"github.com/ignite/relay/internal/dispatch"
	"github.com/ignite/relay/internal/mailing"
	"github.com/ignite/relay/internal/metrics"
	"github.com/ignite/relay/internal/pkg/distlock"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/stats"
	"github.com/ignite/relay/internal/storage"
	"github.com/ignite/relay/internal/worker"
)

func configPath() string {
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func fatal(msg string, fields ...interface{}) {
	logger.Error(msg, fields...)
	os.Exit(1)
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(3)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(30 * time.Second)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func main() {
	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		fatal("failed to load config", "path", configPath(), "error", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.Redact())
	if err := cfg.Validate(); err != nil {
		fatal("invalid config", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = openDatabase(ctx, cfg.Database.URL)
		if err != nil {
			// sql sources cannot work without it
			fatal("database connection failed", "host", extractHost(cfg.Database.URL), "error", err)
		}
		defer db.Close()
		logger.Info("database connected", "host", extractHost(cfg.Database.URL))
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = openRedis(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Warn("redis connection failed, job slot falls back", "error", err)
		} else {
			defer redisClient.Close()
			logger.Info("redis connected (cross-process job slot enabled)")
		}
	}

	reg := stats.NewRegistry()

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		sink = metrics.NewPrometheusSink(promReg)
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}

	sources, err := credential.BuildSources(cfg.Credentials.Sources, db)
	if err != nil {
		fatal("failed to build credential sources", "error", err)
	}
	rotator, err := credential.NewRotator(sources, reg, sink)
	if err != nil {
		fatal("failed to create credential rotator", "error", err)
	}
	logger.Info("credential rotation configured", "sources", strings.Join(rotator.Sources(), ","))

	transport, err := worker.NewTransport(cfg.Transport)
	if err != nil {
		fatal("failed to create transport", "error", err)
	}
	templates := mailing.NewTemplateService()
	sender := worker.NewBatchSender(transport, templates, reg,
		worker.WithConcurrency(cfg.Dispatch.Concurrency),
		worker.WithRate(cfg.Dispatch.RatePerSecond),
		worker.WithSender(cfg.Transport.FromName, cfg.Transport.FromAddress),
		worker.WithMetrics(sink),
	)

	store, err := storage.New(cfg.Report)
	if err != nil {
		fatal("failed to initialize report storage", "error", err)
	}
	if cfg.Report.UsesAWS() {
		aws, err := storage.NewAWSStorage(ctx, cfg.Report)
		if err != nil {
			logger.Warn("report archive to AWS disabled", "error", err)
		} else {
			store.AttachAWS(aws)
			logger.Info("report archive to AWS enabled", "bucket", cfg.Report.S3Bucket, "table", cfg.Report.DynamoDBTable)
		}
	}

	opts := []dispatch.Option{
		dispatch.WithMetrics(sink),
		dispatch.WithTemplates(templates),
		dispatch.WithInterBatchDelay(cfg.Dispatch.InterBatchDelay()),
		dispatch.WithAssumedThroughput(cfg.Dispatch.AssumedThroughput),
		dispatch.WithEventBuffer(cfg.Dispatch.EventBuffer),
		dispatch.WithFinishHook(func(s stats.Summary) {
			saveCtx, saveCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer saveCancel()
			if err := store.SaveSummary(saveCtx, s); err != nil {
				logger.Warn("failed to archive job summary", "job_id", s.JobID, "error", err)
			}
		}),
	}
	if lock := distlock.NewLock(redisClient, db, cfg.Redis.LockKey, cfg.Redis.LockTTL()); lock != nil {
		opts = append(opts, dispatch.WithSlot(dispatch.NewSharedSlot(lock, cfg.Redis.LockTTL())))
	}
	pipeline := dispatch.NewPipeline(rotator, sender, reg, opts...)

	handlers := api.NewHandlers(pipeline, reg, store, cfg.Auth.Key, cfg.Dispatch.BatchSize, cfg.Dispatch.StreamWriteTimeout())
	health := api.NewHealthChecker(db, redisClient, pipeline)
	server := api.NewServer(cfg.Server, handlers, health, metricsHandler)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := cfg.Server.Addr()
		logger.Info("starting server", "addr", addr, "transport", transport.Name())
		if err := server.ListenAndServe(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server error", "error", err)
		}
	}()

	<-done
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	// cancel() ended the stream request contexts, so a running job stops at
	// its next batch boundary.
	pipeline.Wait()
	logger.Info("server stopped")
}
