// Package main is the entry point for the Kiro gateway server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiro-gateway/kiro-claude-gateway/internal/config"
	"github.com/kiro-gateway/kiro-claude-gateway/internal/handler"
	"github.com/kiro-gateway/kiro-claude-gateway/internal/kiro"
	"github.com/kiro-gateway/kiro-claude-gateway/internal/pool"
	"github.com/kiro-gateway/kiro-claude-gateway/pkg/middleware"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg)
	logger.Info("starting kiro gateway", "port", cfg.Port, "pool_file", cfg.ProviderPoolsFilePath)

	poolManager, err := pool.NewManager(pool.Options{
		FilePath:            cfg.ProviderPoolsFilePath,
		MaxErrorCount:       cfg.MaxErrorCount,
		SaveDebounce:        cfg.SaveDebounce,
		HealthCheckInterval: cfg.HealthCheckInterval,
		Logger:              logger,
	})
	if err != nil {
		logger.Error("failed to load provider pool", "error", err)
		os.Exit(1)
	}

	kiroClient := kiro.NewClient(kiro.ClientOptions{
		MaxConns:            cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		Timeout:             cfg.KiroAPITimeout,
		Logger:              logger,
	})
	authManager := kiro.NewAuthManager(logger)

	if cfg.CronRefreshToken {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		poolManager.StartHeartbeat(ctx, cfg.CronNearMinutes, probeFunc(kiroClient, authManager, poolManager, logger))
	}

	messagesHandler := handler.NewMessagesHandler(handler.MessagesHandlerOptions{
		Pool:                 poolManager,
		KiroClient:           kiroClient,
		AuthManager:          authManager,
		Logger:               logger,
		MaxRetries:           cfg.MaxRetries,
		RequestBaseDelay:     cfg.RequestBaseDelay,
		MaxKiroBodySize:      cfg.MaxKiroRequestBody,
		SystemPromptFilePath: cfg.SystemPromptFilePath,
		SystemPromptMode:     cfg.SystemPromptMode,
		PromptLogMode:        cfg.PromptLogMode,
		PromptLogBaseName:    cfg.PromptLogBaseName,
	})

	countTokensHandler := handler.NewCountTokensHandler(handler.CountTokensHandlerOptions{Logger: logger})
	healthHandler := handler.NewHealthHandler(poolManager)
	providerHealthHandler := handler.NewProviderHealthHandler(poolManager)

	apiKey := cfg.APIKey
	validateAPIKey := func(key string) bool {
		if apiKey == "" {
			return true
		}
		return key == apiKey
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", healthHandler)
	mux.Handle("GET /provider_health", providerHealthHandler)
	mux.HandleFunc("POST /api/event_logging/batch", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("POST /v1/messages", messagesHandler)
	mux.Handle("POST /v1/messages/count_tokens", countTokensHandler)
	mux.Handle("POST /count_tokens", countTokensHandler)

	var httpHandler http.Handler = mux
	httpHandler = middleware.Auth(validateAPIKey, logger)(httpHandler)
	httpHandler = middleware.Logging(logger)(httpHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no timeout for streaming responses
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	if err := poolManager.Flush(); err != nil {
		logger.Error("failed to flush pool state", "error", err)
	}
	kiroClient.Close()

	logger.Info("server stopped")
}

// probeFunc builds a pool.ProbeFunc backed by a minimal one-message generate
// call against the account's own model, refreshing the token first if it is
// near expiry.
func probeFunc(kiroClient *kiro.Client, authManager *kiro.AuthManager, poolManager *pool.Manager, logger *slog.Logger) pool.ProbeFunc {
	return func(ctx context.Context, acc *pool.Account) pool.ProbeResult {
		token := acc.AccessToken
		if kiro.IsExpiryNear(acc.ExpiresAt, 2*time.Minute) {
			resp, err := authManager.Refresh(ctx, acc.UUID, acc.Region, acc.RefreshToken, acc.AuthMethod, acc.ClientID, acc.ClientSecret)
			if err != nil {
				return pool.ProbeResult{Success: false, ErrorMessage: err.Error()}
			}
			token = resp.AccessToken
			poolManager.UpdateTokens(acc.UUID, resp.AccessToken, resp.RefreshToken, kiro.ExpiresAtFromNow(resp.ExpiresIn), resp.ProfileARN)
		}

		model := acc.CheckModelName
		if model == "" {
			model = pool.DefaultCheckModel
		}

		body, err := kiro.BuildRequestBody(kiro.BuildInput{
			Model:      model,
			Messages:   []kiro.InputMessage{{Role: "user", Content: []kiro.InputContentBlock{{Type: "text", Text: "ping"}}}},
			AuthMethod: acc.AuthMethod,
			ProfileARN: acc.ProfileARN,
		})
		if err != nil {
			return pool.ProbeResult{Success: false, ErrorMessage: err.Error()}
		}

		probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		respBody, err := kiroClient.SendGenerate(probeCtx, &kiro.GenerateRequest{
			Region:     acc.Region,
			ProfileARN: acc.ProfileARN,
			Token:      token,
			Body:       body,
		})
		if err != nil {
			logger.Debug("probe failed", "uuid", acc.UUID, "error", err)
			return pool.ProbeResult{Success: false, ModelName: model, ErrorMessage: err.Error()}
		}
		defer func() { _ = respBody.Close() }()
		_, _ = io.CopyN(io.Discard, respBody, 1)

		return pool.ProbeResult{Success: true, ModelName: model}
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogJSON {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}
