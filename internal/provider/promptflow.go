package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"gwi.com/chat-history/internal/config"
	"gwi.com/chat-history/internal/observability"
)

const backendPromptflow = "promptflow"

// PromptflowResponse is the raw JSON object returned by the flow endpoint,
// with "id" set to the id of the last inbound message.
type PromptflowResponse map[string]any

// Promptflow calls a deployed chat flow. It only supports the question
// plus chat_history input shape and never streams.
type Promptflow struct {
	cfg    config.Promptflow
	client *http.Client
	logger *slog.Logger
}

func NewPromptflow(cfg config.Promptflow, base http.RoundTripper, logger *slog.Logger) *Promptflow {
	return &Promptflow{
		cfg:    cfg,
		client: &http.Client{Transport: base, Timeout: cfg.ResponseTimeout},
		logger: logger,
	}
}

// Turn is one question/answer pair in the flow's chat_history format.
type Turn struct {
	Inputs  map[string]string `json:"inputs"`
	Outputs map[string]string `json:"outputs"`
}

// ToTurns pairs each user message with the assistant reply that follows it.
// Other roles are dropped.
func ToTurns(msgs []Message, requestField, responseField string) []Turn {
	var turns []Turn
	for _, m := range msgs {
		switch {
		case m.Role == "user":
			turns = append(turns, Turn{
				Inputs:  map[string]string{requestField: m.Content},
				Outputs: map[string]string{responseField: ""},
			})
		case m.Role == "assistant" && len(turns) > 0:
			turns[len(turns)-1].Outputs[responseField] = m.Content
		}
	}
	return turns
}

func (p *Promptflow) Call(ctx context.Context, req *Request) (PromptflowResponse, error) {
	turns := ToTurns(req.Messages, p.cfg.RequestFieldName, p.cfg.ResponseFieldName)
	if len(turns) == 0 {
		return nil, &Error{Backend: backendPromptflow, StatusCode: http.StatusBadRequest, Message: "no user message to send"}
	}
	body, err := json.Marshal(map[string]any{
		p.cfg.RequestFieldName: turns[len(turns)-1].Inputs[p.cfg.RequestFieldName],
		"chat_history":         turns[:len(turns)-1],
	})
	if err != nil {
		return nil, &Error{Backend: backendPromptflow, Err: err}
	}

	observability.LoggerFromContext(ctx, p.logger).Debug("Calling promptflow", "endpoint", p.cfg.Endpoint, "timeout", p.cfg.ResponseTimeout, "history_turns", len(turns)-1)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Backend: backendPromptflow, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Backend: backendPromptflow, Message: fmt.Sprintf("request failed: %v", err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Backend: backendPromptflow, Err: err}
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &Error{Backend: backendPromptflow, StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(raw))}
	}

	var out PromptflowResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &Error{Backend: backendPromptflow, Message: "response is not a JSON object", Err: err}
	}
	if len(req.Messages) > 0 {
		out["id"] = req.Messages[len(req.Messages)-1].ID
	}
	return out, nil
}
