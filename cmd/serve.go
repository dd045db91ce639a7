package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/emberchat/ember/api"
	"github.com/emberchat/ember/db"
	"github.com/emberchat/ember/internal/chat"
	"github.com/emberchat/ember/internal/config"
	"github.com/emberchat/ember/internal/gemini"
	"github.com/emberchat/ember/internal/log"
	"github.com/emberchat/ember/internal/observability"
	"github.com/emberchat/ember/internal/search"
	"github.com/emberchat/ember/internal/store"
	"github.com/emberchat/ember/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat backend server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level, JSON: flagJSONLog})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Datadog.Enabled {
		shutdown, err := observability.Setup(ctx, observability.Config{
			AgentHost:   cfg.Datadog.AgentHost,
			Environment: cfg.Datadog.Environment,
			ServiceName: cfg.Datadog.ServiceName,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("trace flush failed", "error", err)
			}
		}()
	}

	if err := db.Migrate(cfg.ConnURL()); err != nil {
		return err
	}
	st, err := store.New(ctx, cfg.ConnURL(), logger.With("component", "store"))
	if err != nil {
		return err
	}
	defer st.Close()

	generator, err := gemini.New(gemini.Config{
		Keys:              cfg.GeminiAPIKeys,
		ChatModel:         cfg.ChatModel,
		VisionModel:       cfg.VisionModel,
		Chat:              generationParams(cfg.Chat),
		Vision:            generationParams(cfg.Vision),
		CacheCapacity:     cfg.CacheCapacity,
		CacheTTL:          cfg.CacheTTL,
		RetryBackoff:      cfg.RetryBackoff,
		ReplayChunkSize:   cfg.ReplayChunkSize,
		ReplayChunkDelay:  cfg.ReplayChunkDelay,
		FingerprintWindow: cfg.FingerprintWindow,
		RateLimiter:       rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		Logger:            logger.With("component", "gemini"),
	})
	if err != nil {
		return err
	}

	searcher, err := search.New(search.Config{
		APIKey:     cfg.Search.APIKey,
		EngineID:   cfg.Search.EngineID,
		MaxResults: cfg.Search.MaxResults,
		Logger:     logger.With("component", "search"),
	})
	if err != nil {
		return err
	}
	if !searcher.Enabled() {
		logger.Warn("search credentials not configured, search commands will degrade")
	}

	pipeline, err := chat.New(chat.Config{
		Generator:     generator,
		Searcher:      searcher,
		Store:         st,
		HistoryWindow: cfg.HistoryWindow,
		Logger:        logger.With("component", "chat"),
	})
	if err != nil {
		return err
	}

	hub := ws.NewHub(cfg.HeartbeatInterval, logger.With("component", "hub"))
	go hub.Run(ctx)
	go generator.Cache().Sweep(ctx, cfg.CacheSweepInterval)

	wsHandler := ws.NewHandler(st, pipeline, hub, logger.With("component", "ws"))
	server, err := api.New(api.Config{
		Addr:          cfg.Addr,
		WSHandler:     wsHandler,
		Auth:          st,
		Conversations: st,
		DB:            st,
		Cache:         generator.Cache(),
		Hub:           hub,
		Logger:        logger.With("component", "api"),
	})
	if err != nil {
		return err
	}

	logger.Info("starting ember", "addr", cfg.Addr, "config", cfg)
	return server.Run(ctx)
}

func generationParams(p config.GenerationParams) gemini.Params {
	return gemini.Params{
		Temperature:     p.Temperature,
		TopK:            p.TopK,
		TopP:            p.TopP,
		MaxOutputTokens: p.MaxOutputTokens,
	}
}
