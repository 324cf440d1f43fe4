package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"gwi.com/chat-history/internal/config"
	"gwi.com/chat-history/internal/observability"
)

const backendGemini = "gemini"

// Gemini serves the same Request shape from a Google Gemini model.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

func NewGemini(ctx context.Context, cfg config.Gemini, timeout time.Duration, logger *slog.Logger, opts ...option.ClientOption) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("GEMINI_API_KEY is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	logger.Info("Initializing Gemini client", "model", cfg.Model)
	return &Gemini{client: client, model: cfg.Model, timeout: timeout, logger: logger}, nil
}

func (g *Gemini) Close() {
	if g.client != nil {
		if err := g.client.Close(); err != nil {
			g.logger.Error("Error closing GenAI client", "error", err)
		}
	}
}

func (g *Gemini) Complete(ctx context.Context, req *Request) (*Completion, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	session, last, err := g.startChat(req)
	if err != nil {
		return nil, err
	}
	resp, err := session.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, geminiError(err)
	}
	return &Completion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Model:   g.modelName(req),
		Created: time.Now().Unix(),
		Object:  "chat.completion",
		Choices: []Choice{{Message: ResponseMessage{Role: "assistant", Content: responseText(resp, observability.LoggerFromContext(ctx, g.logger))}}},
	}, nil
}

func (g *Gemini) Stream(ctx context.Context, req *Request) (ChunkStream, error) {
	session, last, err := g.startChat(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	return &geminiStream{
		iter:    session.SendMessageStream(ctx, last.Parts...),
		cancel:  cancel,
		id:      "chatcmpl-" + uuid.NewString(),
		model:   g.modelName(req),
		created: time.Now().Unix(),
		logger:  observability.LoggerFromContext(ctx, g.logger),
	}, nil
}

func (g *Gemini) modelName(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return g.model
}

// startChat splits the request into system instruction, history and the
// final user turn that is sent.
func (g *Gemini) startChat(req *Request) (*genai.ChatSession, *genai.Content, error) {
	system, history := toGeminiHistory(req.Messages)
	if len(history) == 0 {
		return nil, nil, &Error{Backend: backendGemini, Message: "prompt history is empty for chat completion"}
	}
	last := history[len(history)-1]
	if last.Role != "user" {
		return nil, nil, &Error{Backend: backendGemini, Message: "last message in history is not from 'user', cannot proceed with chat completion"}
	}

	model := g.client.GenerativeModel(g.modelName(req))
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	temp := req.Temperature
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:   &temp,
		StopSequences: req.Stop,
	}
	if req.MaxTokens > 0 {
		maxTokens := int32(req.MaxTokens)
		model.GenerationConfig.MaxOutputTokens = &maxTokens
	}
	if req.TopP > 0 {
		topP := req.TopP
		model.GenerationConfig.TopP = &topP
	}

	session := model.StartChat()
	session.History = history[:len(history)-1]
	return session, last, nil
}

// toGeminiHistory maps chat roles onto Gemini's user/model turns. System
// messages are folded into the system instruction.
func toGeminiHistory(msgs []Message) (string, []*genai.Content) {
	var system []string
	var history []*genai.Content
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		case "user":
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	return strings.Join(system, "\n\n"), history
}

func responseText(resp *genai.GenerateContentResponse, logger *slog.Logger) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		} else {
			logger.Debug("Gemini response part was not text", "type", fmt.Sprintf("%T", part))
		}
	}
	return text.String()
}

type geminiStream struct {
	iter    *genai.GenerateContentResponseIterator
	cancel  context.CancelFunc
	id      string
	model   string
	created int64
	started bool
	logger  *slog.Logger
}

func (s *geminiStream) Recv() (*Chunk, error) {
	resp, err := s.iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, geminiError(err)
	}
	delta := ResponseMessage{Content: responseText(resp, s.logger)}
	if !s.started {
		delta.Role = "assistant"
		s.started = true
	}
	return &Chunk{
		ID:      s.id,
		Model:   s.model,
		Created: s.created,
		Object:  "chat.completion.chunk",
		Choices: []Choice{{Message: delta}},
	}, nil
}

// RequestID is the stream id; Gemini does not return a correlation header.
func (s *geminiStream) RequestID() string { return s.id }

func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}

func geminiError(err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return &Error{Backend: backendGemini, StatusCode: gErr.Code, Message: gErr.Message, Err: err}
	}
	return &Error{Backend: backendGemini, Message: fmt.Sprintf("gemini request failed: %v", err), Err: err}
}
