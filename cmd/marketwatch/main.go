package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"marketwatch/internal/archive"
	"marketwatch/internal/config"
	"marketwatch/internal/imagefilter"
	"marketwatch/internal/ingest"
	"marketwatch/internal/marketplace"
	"marketwatch/internal/notifier"
	"marketwatch/internal/scheduler"
	"marketwatch/internal/server"
	"marketwatch/internal/store"
)

func main() {
	var configPath string
	var once bool
	flag.StringVar(&configPath, "config", "config.json", "path to config file")
	flag.BoolVar(&once, "once", false, "run one monitoring cycle and exit")
	flag.Parse()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.Kitchen}))

	// Secrets (Telegram credentials) live in the environment, not config.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("could not load .env", "err", err)
	}

	cfg, created, err := config.LoadOrInit(configPath)
	if err != nil {
		logger.Error("config", "err", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Created default config at %s. Add search_queries, then rerun.\n", configPath)
		os.Exit(0)
	}

	st := store.Open(cfg.SnapshotPath, logger)

	arc, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		logger.Error("open archive", "err", err)
		os.Exit(1)
	}
	defer arc.Close()

	adapter, err := marketplace.NewFromConfig(cfg)
	if err != nil {
		logger.Error("init marketplace adapter", "err", err)
		os.Exit(1)
	}

	var sink ingest.Notifier
	if cfg.NotificationsEnabled {
		tg, err := notifier.NewTelegram(cfg, os.Getenv("TELEGRAM_BOT_TOKEN"), os.Getenv("TELEGRAM_CHAT_ID"), logger)
		if err != nil {
			logger.Error("init telegram notifier", "err", err)
			os.Exit(1)
		}
		sink = tg
	} else {
		logger.Info("notifications disabled; new products will be logged only")
		sink = &notifier.Log{Logger: logger}
	}

	filter := imagefilter.New(cfg, logger)
	svc := ingest.New(cfg, st, filter, adapter, sink, arc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		err := svc.Run(ctx)
		if err != nil {
			logger.Error("cycle failed", "err", err)
			os.Exit(1)
		}
		return
	}

	sched := scheduler.New(time.Duration(cfg.IntervalMinutes)*time.Minute, svc, logger)
	sched.Start(ctx)

	var httpServer *http.Server
	if cfg.ListenAddress != "" {
		api := server.New(st, arc, sched, svc)
		httpServer = &http.Server{
			Addr:         cfg.ListenAddress,
			Handler:      api.Routes(),
			ReadTimeout:  time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
			WriteTimeout: time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
			IdleTimeout:  time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
		}
		go func() {
			logger.Info("status server listening", "addr", cfg.ListenAddress)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server", "err", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if httpServer != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = httpServer.Shutdown(shCtx)
		cancel()
	}
	// Persist whatever the interrupted cycle registered in memory.
	if err := st.Save(); err != nil {
		logger.Error("final snapshot save failed", "err", err)
		os.Exit(1)
	}
}
