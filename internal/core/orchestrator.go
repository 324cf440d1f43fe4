package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"gwi.com/chat-history/internal/apperrors"
	"gwi.com/chat-history/internal/auth"
	"gwi.com/chat-history/internal/config"
	"gwi.com/chat-history/internal/observability"
	"gwi.com/chat-history/internal/provider"
)

// Pipeline is the alternate, non-streaming backend.
type Pipeline interface {
	Call(ctx context.Context, req *provider.Request) (provider.PromptflowResponse, error)
}

// Result holds exactly one of a single envelope or a line stream.
type Result struct {
	Single *Envelope
	Stream *LineStream
}

// Orchestrator runs one chat turn against the configured backend.
type Orchestrator struct {
	builder  *RequestBuilder
	chat     provider.ChatProvider
	backend  string
	pipeline Pipeline
	pf       *config.Promptflow
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewOrchestrator wires the backends. chat may be nil when no model is
// configured; pipeline is nil unless the alternate backend is enabled.
func NewOrchestrator(cfg *config.Config, builder *RequestBuilder, chat provider.ChatProvider, pipeline Pipeline, metrics *observability.Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		builder:  builder,
		chat:     chat,
		backend:  cfg.Provider,
		pipeline: pipeline,
		pf:       cfg.Promptflow,
		metrics:  metrics,
		logger:   logger,
	}
}

// Converse routes the turn: the alternate pipeline when configured (never
// streamed), otherwise the chat provider, streamed when the request asks.
func (o *Orchestrator) Converse(ctx context.Context, payload ChatPayload, id auth.Identity, headers http.Header) (*Result, error) {
	logger := observability.LoggerFromContext(ctx, o.logger)
	req := o.builder.Build(ctx, payload, id, headers)

	if o.pipeline != nil && o.pf != nil {
		started := time.Now()
		resp, err := o.pipeline.Call(ctx, req)
		o.metrics.ObserveProvider("promptflow", "single", started, err)
		if err != nil {
			return nil, o.fail(logger, err)
		}
		env := FormatPromptflow(resp, payload.HistoryMetadata, o.pf.ResponseFieldName, o.pf.CitationsFieldName)
		return &Result{Single: &env}, nil
	}

	if o.chat == nil {
		return nil, apperrors.New(apperrors.KindUnknown, "converse", "no chat provider is configured")
	}

	if req.Stream {
		return o.startStream(ctx, logger, req, payload.HistoryMetadata)
	}

	started := time.Now()
	c, err := o.chat.Complete(ctx, req)
	o.metrics.ObserveProvider(o.backend, "single", started, err)
	if err != nil {
		return nil, o.fail(logger, err)
	}
	env := FormatCompletion(c, payload.HistoryMetadata)
	return &Result{Single: &env}, nil
}

func (o *Orchestrator) startStream(ctx context.Context, logger *slog.Logger, req *provider.Request, historyMetadata map[string]any) (*Result, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	started := time.Now()
	chunks, err := o.chat.Stream(streamCtx, req)
	o.metrics.ObserveProvider(o.backend, "stream", started, err)
	if err != nil {
		cancel()
		return nil, o.fail(logger, err)
	}

	s := newLineStream(cancel, chunks.RequestID(), o.metrics, logger)
	go s.run(streamCtx, chunks, historyMetadata)
	return &Result{Stream: s}, nil
}

// fail logs a provider failure and keeps its upstream status, if any.
func (o *Orchestrator) fail(logger *slog.Logger, err error) error {
	logger.Error("chat request failed", "backend", o.backend, "error", err)
	var perr *provider.Error
	if errors.As(err, &perr) {
		return apperrors.Provider(perr.StatusCode, err)
	}
	return apperrors.Provider(0, err)
}
