package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"gwi.com/chat-history/internal/observability"
	"gwi.com/chat-history/internal/provider"
)

// LineStream is a single-use sequence of newline-delimited JSON lines, one
// per provider chunk. A producer goroutine pulls chunks until the provider
// ends the stream, the consumer calls Close, or the context is cancelled.
type LineStream struct {
	lines     chan []byte
	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
	requestID string
	err       error

	metrics *observability.Metrics
	logger  *slog.Logger
}

func newLineStream(cancel context.CancelFunc, requestID string, metrics *observability.Metrics, logger *slog.Logger) *LineStream {
	return &LineStream{
		lines:     make(chan []byte),
		done:      make(chan struct{}),
		cancel:    cancel,
		requestID: requestID,
		metrics:   metrics,
		logger:    logger,
	}
}

// Lines is closed when the stream ends for any reason.
func (s *LineStream) Lines() <-chan []byte { return s.lines }

// RequestID is the correlation id shared by every line of the stream.
func (s *LineStream) RequestID() string { return s.requestID }

// Err reports why the stream ended early. It is only meaningful after
// Lines has been closed and is nil when the provider finished normally.
func (s *LineStream) Err() error { return s.err }

// Close stops the producer, closes the provider stream and waits for both.
func (s *LineStream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		for range s.lines {
		}
		<-s.done
	})
}

func (s *LineStream) run(ctx context.Context, chunks provider.ChunkStream, historyMetadata map[string]any) {
	s.metrics.StreamStarted()
	defer close(s.done)
	defer close(s.lines)
	defer func() {
		if err := chunks.Close(); err != nil {
			s.logger.Debug("closing provider stream", "error", err)
		}
		cancelled := errors.Is(s.err, context.Canceled)
		s.metrics.StreamFinished(cancelled)
		s.cancel()
	}()

	for {
		chunk, err := chunks.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				s.err = ctx.Err()
				return
			}
			s.err = err
			s.logger.Error("provider stream failed", "error", err)
			if line, encErr := EncodeLine(map[string]string{"error": err.Error()}); encErr == nil {
				s.send(ctx, line)
			}
			return
		}

		line, err := EncodeLine(FormatChunk(chunk, historyMetadata, s.requestID))
		if err != nil {
			s.err = err
			return
		}
		if !s.send(ctx, line) {
			s.err = ctx.Err()
			return
		}
		s.metrics.StreamChunk()
	}
}

func (s *LineStream) send(ctx context.Context, line []byte) bool {
	select {
	case s.lines <- line:
		return true
	case <-ctx.Done():
		return false
	}
}
