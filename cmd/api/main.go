package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campaign-platform/internal/analytics"
	"campaign-platform/internal/audit"
	"campaign-platform/internal/auth"
	"campaign-platform/internal/callbacks"
	"campaign-platform/internal/campaigns"
	"campaign-platform/internal/config"
	"campaign-platform/internal/dispatch"
	"campaign-platform/internal/httpapi"
	"campaign-platform/internal/metrics"
	"campaign-platform/internal/notify"
	"campaign-platform/internal/queue"
	"campaign-platform/pkg/logger"
	"campaign-platform/pkg/secure"
	"campaign-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"
)

const admissionQueue = "campaign-admission"

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, logger.Options{File: cfg.Log.File})
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	cipher, err := secure.NewCipher(cfg.Crypto.EncryptionKey)
	if err != nil {
		log.Error("cipher init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Domain wiring
	store := campaigns.NewPostgresStore(db)
	bus := notify.NewRedisBus(rdb)
	jobs := queue.NewRedisBackend(rdb, admissionQueue)

	campaignSvc := campaigns.NewService(campaigns.Deps{
		Store:      store,
		Cipher:     cipher,
		Dispatcher: dispatch.NewSender(cfg.Worker.WebhookURL, dispatch.WithTimeout(cfg.Worker.DispatchTimeout)),
		Queue:      jobs,
		Events:     bus,
		Audit:      audit.NewService(audit.NewPostgresRepo(db)),
	})
	callbackHandler := callbacks.NewHandler(store, callbacks.NewRedisCache(rdb), campaignSvc, bus, cfg.Worker.CallbackDedupTTL)

	worker := queue.NewWorker(jobs, campaigns.AdmitPolicy(), cfg.Queue.PollInterval)
	worker.Handle(campaigns.AdmitJobKind, campaignSvc.HandleAdmitJob)
	worker.Handle(campaigns.PromoteJobKind, campaignSvc.HandlePromoteJob)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(metrics.Middleware())

	registerRoutes(r, routeDeps{
		AuthMW:    auth.RequireAccessToken(authManager),
		Handlers:  httpapi.NewHandlers(campaignSvc, analytics.NewService(store, cipher)),
		Callbacks: callbacks.NewWebhookHandler(callbackHandler, cfg.Worker.WebhookSecret),
		Events:    bus,
		Ready: func(ctx context.Context) error {
			if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// SSE streams are long lived; per-write deadlines are not used.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("admission worker started", "queue", admissionQueue, "poll", cfg.Queue.PollInterval)
		return worker.Run(logger.With(gctx, log.With("component", "admission-worker")))
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("process exited with error", "err", err)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = logger.ShutdownFlush(flushCtx, 2*time.Second)
}
