package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/convogate/convogate/internal/authflow"
	"github.com/convogate/convogate/internal/authority"
	"github.com/convogate/convogate/internal/bot"
	"github.com/convogate/convogate/internal/chat"
	"github.com/convogate/convogate/internal/config"
	"github.com/convogate/convogate/internal/relay"
	"github.com/convogate/convogate/internal/server"
	"github.com/convogate/convogate/internal/session"
	"github.com/convogate/convogate/internal/telemetry"
)

const serviceName = "telegram-bot"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(serviceName, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(os.Getenv("CONVOGATE_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	authorityClient := authority.NewClient(cfg.Authority.BaseURL,
		authority.WithServiceKey(cfg.Authority.ServiceKey),
		authority.WithTimeout(cfg.Authority.Timeout),
	)

	sessions := session.NewManager(authorityClient.Sessions(), authorityClient,
		session.WithLogger(logger),
		session.WithTimeout(cfg.Session.Timeout),
		session.WithRevalidationInterval(cfg.Session.RevalidationInterval),
		session.WithLogoutNotifier(authorityClient),
	)

	events := relay.NewPublisher(cfg.Broker.BaseURL, serviceName,
		relay.WithLogger(logger),
		relay.WithMaxAttempts(cfg.Broker.MaxAttempts),
		relay.WithBaseDelay(cfg.Broker.BaseDelay),
	)

	chatOpts := []chat.Option{}
	if cfg.Telegram.BaseURL != "" {
		chatOpts = append(chatOpts, chat.WithBaseURL(cfg.Telegram.BaseURL))
	}
	messenger := chat.NewClient(cfg.Telegram.Token, chatOpts...)

	flow := authflow.New(sessions, authorityClient, messenger, events,
		authflow.WithLogger(logger),
	)

	webhook := bot.NewHandler(flow, messenger, bot.WithLogger(logger))

	srv := server.New(cfg.Server.Port, serviceName, logger)
	srv.Router.Post("/webhook", webhook.ServeHTTP)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
