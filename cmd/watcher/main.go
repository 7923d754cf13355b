package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mike2153/NestWatcher-sub000/internal/config"
	"github.com/mike2153/NestWatcher-sub000/internal/store"
	"github.com/mike2153/NestWatcher-sub000/internal/telemetry"
	"github.com/mike2153/NestWatcher-sub000/internal/watcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	log := newLogger(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	var seen watcher.SeenCache
	if cfg.RedisAddr != "" {
		rs := watcher.NewRedisSeen(cfg)
		defer rs.Close()
		seen = rs
	} else {
		log.Warn("no redis configured, status-file dedupe will not survive restarts")
		seen = watcher.NewMemorySeen()
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	mgr := watcher.NewManager(cfg, st, seen, log)
	log.WithFields(logrus.Fields{
		"autopac_dir": cfg.AutoPacCSVDir,
		"jobs_root":   cfg.ProcessedJobsRoot,
	}).Info("watcher started")
	if err := mgr.Run(ctx); err != nil && err != context.Canceled {
		log.WithError(err).Error("watcher stopped")
	}
}

func newLogger(env string) *logrus.Logger {
	log := logrus.New()
	if env == "prod" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
