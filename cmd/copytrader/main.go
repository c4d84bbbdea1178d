package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"polycopy/internal/audit"
	"polycopy/internal/client/polymarket/clob"
	"polycopy/internal/client/polymarket/gamma"
	"polycopy/internal/config"
	cronrunner "polycopy/internal/cron"
	"polycopy/internal/engine"
	"polycopy/internal/filter"
	"polycopy/internal/handler"
	"polycopy/internal/ledger"
	"polycopy/internal/logger"
	"polycopy/internal/retry"
	"polycopy/internal/settings"
	"polycopy/internal/venue"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("COPY_CONFIG")
	envOnly := cfgPath == ""
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	auditLog := audit.New(cfg.Paths.LogDir, log)
	auditLog.Log(audit.CategoryBoot, "starting profile=%s poll_ms=%d", cfg.Engine.ProfileAddress, cfg.Engine.PollIntervalMs)
	defer auditLog.Close()

	retryCfg := retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}

	metaHTTP := &http.Client{Timeout: cfg.Venue.MetaTimeout}
	bookHTTP := &http.Client{Timeout: cfg.Venue.BookTimeout}
	gammaClient := gamma.NewClient(metaHTTP, cfg.Venue.GammaBaseURL, cfg.Venue.DataBaseURL)
	clobClient := clob.NewClient(bookHTTP, cfg.Venue.ClobBaseURL)
	venueClient := venue.New(gammaClient, clobClient, retryCfg, cfg.Venue.RateLimitRPS, log)

	store, err := ledger.Open(
		filepath.Join(cfg.Paths.DataDir, "ledger.json"),
		decimal.NewFromFloat(cfg.Engine.StartingBalance),
		log,
	)
	if err != nil {
		log.Fatal("ledger open failed", zap.Error(err))
	}
	blacklist := filter.Load(filepath.Join(cfg.Paths.DataDir, "positions_log.json"), log)
	settingsDefaults := settings.Defaults()
	if cfg.Engine.FixedCopyPct > 0 {
		settingsDefaults.Percentage = cfg.Engine.FixedCopyPct
	}
	tradeSettings := settings.Load(cfg.Paths.SettingsFile, settingsDefaults, log)

	eng := &engine.Engine{
		Venue:     venueClient,
		Ledger:    store,
		Filter:    blacklist,
		Settings:  tradeSettings,
		Audit:     auditLog,
		Logger:    log,
		Config:    cfg.Engine,
		Retry:     retryCfg,
		StreamURL: cfg.Venue.StreamURL,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile := handler.Profile{Address: cfg.Engine.ProfileAddress}
	if p := venueClient.UserProfile(ctx, cfg.Engine.ProfileAddress); p != nil {
		profile.Name = p.DisplayName()
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "bot": eng.Status()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	statsHandler := &handler.StatsHandler{Engine: eng, Ledger: store, Profile: profile}
	statsHandler.Register(router)
	controlHandler := &handler.ControlHandler{Engine: eng, BaseCtx: ctx}
	controlHandler.Register(router)

	cron := cronrunner.New(log, ctx)
	if _, err := cron.Add("@every 60s", func(context.Context) {
		if eng.IsRunning() {
			eng.RefreshSubscriptions()
		}
	}); err != nil {
		log.Warn("cron register subscription refresh failed", zap.Error(err))
	}
	if _, err := cron.Add("@every 1h", func(ctx context.Context) {
		if eng.IsRunning() && cfg.Engine.SkipActivePositions {
			eng.RefreshBlacklist(ctx)
		}
	}); err != nil {
		log.Warn("cron register blacklist rescan failed", zap.Error(err))
	}
	if _, err := cron.Add("@every 24h", func(context.Context) {
		auditLog.Log(audit.CategoryEngine, "daily snapshot balance=%s open=%d closed=%d",
			store.Balance().StringFixed(2), len(store.Positions()), len(store.ClosedPositions()))
	}); err != nil {
		log.Warn("cron register daily snapshot failed", zap.Error(err))
	}
	cron.Start()
	defer cron.Stop()

	if cfg.Engine.AutoStart {
		if err := eng.Start(ctx); err != nil {
			log.Fatal("engine start failed", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	eng.Stop()
	eng.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := store.Save(); err != nil {
		log.Warn("final ledger save failed", zap.Error(err))
	}
	auditLog.Log(audit.CategoryShutdown, "engine stopped, ledger persisted")
}
