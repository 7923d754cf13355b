package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mike2153/NestWatcher-sub000/internal/api"
	"github.com/mike2153/NestWatcher-sub000/internal/config"
	"github.com/mike2153/NestWatcher-sub000/internal/feed"
	"github.com/mike2153/NestWatcher-sub000/internal/grundner"
	"github.com/mike2153/NestWatcher-sub000/internal/ratelimit"
	"github.com/mike2153/NestWatcher-sub000/internal/reservation"
	"github.com/mike2153/NestWatcher-sub000/internal/store"
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

	hub := feed.NewHub(log)
	go hub.Run(ctx)
	st.OnEvent(hub.Publish)

	orders := grundner.New(exchangeOptions(cfg, grundner.OrderNames), log)
	deletes := grundner.New(exchangeOptions(cfg, grundner.DeleteNames), log)
	engine := reservation.NewEngine(st, orders, deletes, cfg.GrundnerIDMode, cfg.ReservedAdjustMode, log)

	var limiter *ratelimit.TokenBucket
	if cfg.LockRateCapacity > 0 && cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewTokenBucket(client, cfg.LockRateCapacity, cfg.LockRateRefill, time.Hour)
	}

	server := api.New(cfg, st, engine, limiter, hub.ServeWS)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func exchangeOptions(cfg config.Config, names func() (string, string)) grundner.Options {
	request, reply := names()
	return grundner.Options{
		Dir:            cfg.GrundnerFolder,
		RequestName:    request,
		ReplyName:      reply,
		ReplyTimeout:   cfg.HandshakeReplyTimeout,
		PollInterval:   cfg.HandshakePollInterval,
		StableChecks:   cfg.HandshakeStableChecks,
		StableInterval: cfg.HandshakeStableInterval,
		BusyGrace:      cfg.HandshakeBusyGrace,
		ArchiveMatched: cfg.ArchiveMatchedReplies,
	}
}

func newLogger(env string) *logrus.Logger {
	log := logrus.New()
	if env == "prod" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
