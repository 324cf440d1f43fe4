package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"gwi.com/chat-history/internal/config"
)

const backendOpenAI = "openai"

// AzureOpenAI is the native completion backend, an Azure OpenAI deployment.
type AzureOpenAI struct {
	client  *openai.Client
	timeout time.Duration
}

// NewAzureOpenAI builds the client. base is the transport used for the
// underlying HTTP calls; nil means http.DefaultTransport.
func NewAzureOpenAI(cfg config.AzureOpenAI, base http.RoundTripper, logger *slog.Logger) (*AzureOpenAI, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("AZURE_OPENAI_ENDPOINT or AZURE_OPENAI_RESOURCE is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("AZURE_OPENAI_MODEL is required")
	}
	if cfg.Key == "" {
		return nil, errors.New("AZURE_OPENAI_KEY is required")
	}
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}

	oc := openai.DefaultAzureConfig(cfg.Key, cfg.Endpoint)
	oc.APIVersion = cfg.PreviewAPIVersion
	// The model name is the deployment name; keep it verbatim.
	oc.AzureModelMapperFunc = func(model string) string { return model }
	oc.HTTPClient = &http.Client{Transport: &azureTransport{base: base}}

	logger.Info("Initializing Azure OpenAI client", "deployment", cfg.Model, "api_version", cfg.PreviewAPIVersion)
	return &AzureOpenAI{
		client:  openai.NewClientWithConfig(oc),
		timeout: cfg.ResponseTimeout,
	}, nil
}

func (a *AzureOpenAI) Complete(ctx context.Context, req *Request) (*Completion, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	x := newExchange(req)
	resp, err := a.client.CreateChatCompletion(withExchange(ctx, x), toOpenAIRequest(req))
	if err != nil {
		return nil, openAIError(err)
	}

	c := &Completion{
		ID:        resp.ID,
		Model:     resp.Model,
		Created:   resp.Created,
		Object:    resp.Object,
		RequestID: resp.Header().Get("apim-request-id"),
	}
	citations := x.pop()
	for i, choice := range resp.Choices {
		msg := ResponseMessage{Role: choice.Message.Role, Content: choice.Message.Content}
		if i == 0 {
			msg.Context = citations
		}
		c.Choices = append(c.Choices, Choice{Index: choice.Index, Message: msg, FinishReason: string(choice.FinishReason)})
	}
	return c, nil
}

// Stream is not bounded by the response timeout; generations may run long.
func (a *AzureOpenAI) Stream(ctx context.Context, req *Request) (ChunkStream, error) {
	x := newExchange(req)
	stream, err := a.client.CreateChatCompletionStream(withExchange(ctx, x), toOpenAIRequest(req))
	if err != nil {
		return nil, openAIError(err)
	}
	return &openAIStream{
		stream:    stream,
		exchange:  x,
		requestID: stream.Header().Get("apim-request-id"),
	}, nil
}

type openAIStream struct {
	stream    *openai.ChatCompletionStream
	exchange  *exchange
	requestID string
}

func (s *openAIStream) Recv() (*Chunk, error) {
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, openAIError(err)
	}

	chunk := &Chunk{ID: resp.ID, Model: resp.Model, Created: resp.Created, Object: resp.Object}
	citations := s.exchange.pop()
	for i, choice := range resp.Choices {
		delta := ResponseMessage{Role: choice.Delta.Role, Content: choice.Delta.Content}
		if i == 0 {
			delta.Context = citations
		}
		chunk.Choices = append(chunk.Choices, Choice{Index: choice.Index, Message: delta, FinishReason: string(choice.FinishReason)})
	}
	return chunk, nil
}

func (s *openAIStream) RequestID() string { return s.requestID }

func (s *openAIStream) Close() error { return s.stream.Close() }

func toOpenAIRequest(req *Request) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
		User:        req.User,
	}
}

func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Backend: backendOpenAI, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Backend: backendOpenAI, StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return &Error{Backend: backendOpenAI, Message: fmt.Sprintf("request failed: %v", err), Err: err}
}
