package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"

	"subsidyflow/internal/app"
	"subsidyflow/internal/config"
	"subsidyflow/internal/logger"
)

func main() {
	// Initialize structured logger
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("service exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer deps.DB.Close()
	defer deps.NSQProducer.Stop()

	a, err := app.New(ctx, cfg, deps.DB, deps.NSQProducer)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	defer a.Close()

	if cfg.EnableCron {
		a.Cron.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			a.Cron.Stop(stopCtx)
		}()
	}

	if cfg.EnableRunConsumer {
		consumer, err := nsq.NewConsumer(config.TopicExtractionRun, config.ChannelScheduler, nsq.NewConfig())
		if err != nil {
			return fmt.Errorf("nsq consumer: %w", err)
		}
		consumer.AddHandler(a.RunConsumer)
		if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
			slog.Error("failed to connect to NSQLookupd", "error", err)
		} else {
			log.Info("run consumer connected", "topic", config.TopicExtractionRun)
		}
		defer consumer.Stop()
	}

	if !cfg.EnableAPI {
		<-ctx.Done()
		return nil
	}
	return a.Run(ctx)
}
