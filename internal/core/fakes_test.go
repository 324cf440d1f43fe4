package core

import (
	"context"
	"io"
	"sync"

	"gwi.com/chat-history/internal/config"
	"gwi.com/chat-history/internal/observability"
	"gwi.com/chat-history/internal/provider"
)

type fakeProvider struct {
	mu       sync.Mutex
	complete func(req *provider.Request) (*provider.Completion, error)
	chunks   []*provider.Chunk
	tailErr  error
	stream   *fakeStream
	requests []*provider.Request
}

func (f *fakeProvider) Complete(_ context.Context, req *provider.Request) (*provider.Completion, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.complete(req)
}

func (f *fakeProvider) Stream(ctx context.Context, req *provider.Request) (provider.ChunkStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.stream = &fakeStream{ctx: ctx, chunks: f.chunks, tailErr: f.tailErr}
	return f.stream, nil
}

type fakeStream struct {
	ctx     context.Context
	chunks  []*provider.Chunk
	tailErr error
	next    int
	closed  bool
}

func (s *fakeStream) Recv() (*provider.Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if s.next < len(s.chunks) {
		c := s.chunks[s.next]
		s.next++
		return c, nil
	}
	if s.tailErr != nil {
		return nil, s.tailErr
	}
	return nil, io.EOF
}

func (s *fakeStream) RequestID() string { return "apim-123" }

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func replyWith(text string) func(*provider.Request) (*provider.Completion, error) {
	return func(*provider.Request) (*provider.Completion, error) {
		return completion(text), nil
	}
}

func completion(text string) *provider.Completion {
	return &provider.Completion{
		ID:      "cmpl-1",
		Model:   "gpt-4o",
		Created: 1700000000,
		Object:  "chat.completion",
		Choices: []provider.Choice{{Message: provider.ResponseMessage{Role: "assistant", Content: text}}},
	}
}

func deltaChunk(content string, citations string) *provider.Chunk {
	msg := provider.ResponseMessage{Role: "assistant", Content: content}
	if citations != "" {
		msg.Context = []byte(citations)
	}
	return &provider.Chunk{ID: "chunk", Model: "gpt-4o", Created: 1700000000, Object: "chat.completion.chunk",
		Choices: []provider.Choice{{Message: msg}}}
}

func testConfig() *config.Config {
	return &config.Config{
		Provider: config.ProviderOpenAI,
		UITitle:  "Contoso",
		AzureOpenAI: config.AzureOpenAI{
			Model:         "gpt-4o",
			Temperature:   0.7,
			MaxTokens:     1000,
			SystemMessage: "You are helpful.",
		},
	}
}

func newTestOrchestrator(cfg *config.Config, chat provider.ChatProvider, pipeline Pipeline) *Orchestrator {
	logger := observability.Discard()
	return NewOrchestrator(cfg, NewRequestBuilder(cfg, logger), chat, pipeline, nil, logger)
}
