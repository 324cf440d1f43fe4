package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gwi.com/chat-history/internal/api"
	"gwi.com/chat-history/internal/auth"
	"gwi.com/chat-history/internal/config"
	"gwi.com/chat-history/internal/core"
	"gwi.com/chat-history/internal/observability"
	"gwi.com/chat-history/internal/provider"
	"gwi.com/chat-history/internal/store"
)

const tokenTTL = 24 * time.Hour

// app holds the wired dependencies shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	history  *core.HistoryService
	closers  []func()
}

func loadConfig() (*config.Config, error) {
	if envFile != "" {
		return config.Load(envFile)
	}
	return config.Load()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	a := &app{cfg: cfg, logger: logger, registry: registry, metrics: metrics}

	var historyStore store.HistoryStore
	if cfg.ChatHistory != nil {
		historyStore, err = store.Open(ctx, cfg.ChatHistory)
		if err != nil {
			// Keep serving; the ensure endpoint reports why history is down.
			logger.Error("failed to open chat history store", "backend", cfg.ChatHistory.Backend, "error", err)
			historyStore = store.NewUnavailableStore(err)
		}
		a.closers = append(a.closers, func() {
			if err := historyStore.Close(); err != nil {
				logger.Warn("closing chat history store", "error", err)
			}
		})
	}

	chat, titleModel := a.newChatProvider(ctx)

	var pipeline core.Pipeline
	if cfg.Promptflow != nil {
		pipeline = provider.NewPromptflow(*cfg.Promptflow, nil, logger)
	}

	builder := core.NewRequestBuilder(cfg, logger)
	orchestrator := core.NewOrchestrator(cfg, builder, chat, pipeline, metrics, logger)
	titles := core.NewTitleGenerator(chat, titleModel, metrics, logger)
	a.history = core.NewHistoryService(historyStore, orchestrator, titles, core.NewMonotonicClock(nil), metrics, logger)
	return a, nil
}

// newChatProvider returns nil when the configured provider cannot be built,
// so history endpoints still work without a model.
func (a *app) newChatProvider(ctx context.Context) (provider.ChatProvider, string) {
	cfg := a.cfg
	switch cfg.Provider {
	case config.ProviderGemini:
		g, err := provider.NewGemini(ctx, cfg.Gemini, cfg.AzureOpenAI.ResponseTimeout, a.logger)
		if err != nil {
			a.logger.Error("gemini provider unavailable", "error", err)
			return nil, ""
		}
		a.closers = append(a.closers, g.Close)
		return g, cfg.Gemini.Model
	default:
		p, err := provider.NewAzureOpenAI(cfg.AzureOpenAI, nil, a.logger)
		if err != nil {
			a.logger.Error("azure openai provider unavailable", "error", err)
			return nil, ""
		}
		return p, cfg.AzureOpenAI.Model
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	var jwt *auth.JWTManager
	if a.cfg.JWTSecret != "" {
		jwt = auth.NewJWTManager(a.cfg.JWTSecret, tokenTTL)
	} else if a.cfg.AuthEnabled {
		a.logger.Info("JWT_SECRET not set, only platform identity headers will be accepted")
	}
	handler := api.NewAPIHandler(a.history, auth.NewResolver(a.cfg.AuthEnabled, jwt), api.FrontendSettings{
		AuthEnabled:     a.cfg.AuthEnabled,
		FeedbackEnabled: a.cfg.FeedbackEnabled(),
		UI:              api.UISettings{Title: a.cfg.UITitle},
		SanitizeAnswer:  a.cfg.SanitizeAnswer,
	}, a.logger)

	serverAddr := fmt.Sprintf(":%s", a.cfg.HTTPPort)
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           api.NewRouter(handler, a.registry, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      a.cfg.AzureOpenAI.ResponseTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("starting server", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
	case <-quit:
	}
	a.logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server exited gracefully")
	return nil
}

func runEnsure(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	health, err := a.history.EnsureStoreHealthy(ctx)
	switch health {
	case core.StoreHealthy:
		fmt.Fprintln(cmd.OutOrStdout(), "chat history store is configured and working")
		return nil
	case core.StoreMisconfigured:
		return fmt.Errorf("chat history store is misconfigured: %w", err)
	default:
		return fmt.Errorf("chat history store is unreachable: %w", err)
	}
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must be set to issue tokens")
	}
	token, err := auth.NewJWTManager(cfg.JWTSecret, tokenTTL).Generate(tokenUser, tokenName)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
