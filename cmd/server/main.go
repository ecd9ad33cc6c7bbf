package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/teamchat/internal/auth"
	"github.com/Tyrowin/teamchat/internal/bus"
	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/config"
	"github.com/Tyrowin/teamchat/internal/logging"
	"github.com/Tyrowin/teamchat/internal/pipeline"
	"github.com/Tyrowin/teamchat/internal/presence"
	"github.com/Tyrowin/teamchat/internal/server"
	"github.com/Tyrowin/teamchat/internal/store"
	"github.com/Tyrowin/teamchat/internal/store/sqlite"
)

func main() {
	seedPath := flag.String("seed", "", "YAML file of channels and members to provision at startup")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, *seedPath); err != nil {
		slog.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, seedPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	slog.Info("starting teamchat", "instance", cfg.InstanceID, "port", cfg.Port, "bus", cfg.Bus.Driver)

	st, err := sqlite.Open(ctx, cfg.StorePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("store close failed", "error", err)
		}
	}()

	fanout, err := bus.Open(ctx, cfg.Bus)
	if err != nil {
		return err
	}
	defer func() {
		if err := fanout.Close(); err != nil {
			slog.Warn("bus close failed", "error", err)
		}
	}()

	verifier, err := auth.New(ctx, cfg.Auth)
	if err != nil {
		return err
	}
	defer verifier.Close()

	members := store.NewMembershipCache(st)
	topics := bus.Topics{Prefix: cfg.Bus.TopicPrefix}
	pipe := pipeline.New(pipeline.Options{
		Store:      st,
		Members:    members,
		Bus:        fanout,
		Topics:     topics,
		InstanceID: cfg.InstanceID,
		TypingTTL:  cfg.TypingTTL,
		Limits: chat.Limits{
			MaxTextLength:  cfg.Limits.MaxTextLength,
			MaxAttachments: cfg.Limits.MaxAttachments,
			MaxEmojiBytes:  chat.DefaultLimits().MaxEmojiBytes,
		},
	})
	pipelineCtx, stopPipeline := context.WithCancel(context.Background())
	defer stopPipeline()
	pipe.Start(pipelineCtx)

	if seedPath != "" {
		if err := seed(ctx, seedPath, st, pipe); err != nil {
			return err
		}
	}

	hub := server.NewHub(server.HubOptions{
		Pipeline: pipe,
		Members:  members,
		Presence: presence.New(cfg.InstanceID),
		Bus:      fanout,
		Topics:   topics,
	})
	go hub.Run()

	handlers := server.NewHandlers(hub, verifier, st, cfg)
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(handlers))

	serverErr := make(chan error, 1)
	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			_ = hub.Shutdown(cfg.ShutdownTimeout)
			return err
		}
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout); err != nil {
		slog.Warn("HTTP server did not shut down cleanly", "error", err)
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		slog.Warn("hub did not shut down cleanly", "error", err)
	}
	slog.Info("teamchat stopped")
	return nil
}
