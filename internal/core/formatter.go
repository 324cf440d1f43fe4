package core

import (
	"encoding/json"
	"fmt"

	"gwi.com/chat-history/internal/provider"
)

// WireMessage is one message inside an envelope choice.
type WireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type EnvelopeChoice struct {
	Messages []WireMessage `json:"messages"`
}

// Envelope is the response object sent to the chat frontend, whole for
// single responses and once per chunk when streaming.
type Envelope struct {
	ID              string           `json:"id"`
	Model           string           `json:"model"`
	Created         int64            `json:"created"`
	Object          string           `json:"object"`
	Choices         []EnvelopeChoice `json:"choices"`
	HistoryMetadata map[string]any   `json:"history_metadata"`
	RequestID       string           `json:"apim-request-id,omitempty"`
}

func newEnvelope(id, model string, created int64, object string, historyMetadata map[string]any, requestID string) Envelope {
	if historyMetadata == nil {
		historyMetadata = map[string]any{}
	}
	return Envelope{
		ID:              id,
		Model:           model,
		Created:         created,
		Object:          object,
		Choices:         []EnvelopeChoice{{Messages: []WireMessage{}}},
		HistoryMetadata: historyMetadata,
		RequestID:       requestID,
	}
}

// FormatCompletion shapes a single completion. Provider citations become a
// tool message ahead of the assistant message.
func FormatCompletion(c *provider.Completion, historyMetadata map[string]any) Envelope {
	env := newEnvelope(c.ID, c.Model, c.Created, c.Object, historyMetadata, c.RequestID)
	if len(c.Choices) == 0 {
		return env
	}
	msg := c.Choices[0].Message
	if len(msg.Context) > 0 {
		env.Choices[0].Messages = append(env.Choices[0].Messages, WireMessage{Role: "tool", Content: string(msg.Context)})
	}
	env.Choices[0].Messages = append(env.Choices[0].Messages, WireMessage{Role: "assistant", Content: msg.Content})
	return env
}

// FormatChunk shapes one streamed chunk. A chunk carrying citations yields
// only the tool message; one with nothing to say yields no messages.
func FormatChunk(chunk *provider.Chunk, historyMetadata map[string]any, requestID string) Envelope {
	env := newEnvelope(chunk.ID, chunk.Model, chunk.Created, chunk.Object, historyMetadata, requestID)
	if len(chunk.Choices) == 0 {
		return env
	}
	delta := chunk.Choices[0].Message
	switch {
	case len(delta.Context) > 0:
		env.Choices[0].Messages = append(env.Choices[0].Messages, WireMessage{Role: "tool", Content: string(delta.Context)})
	case delta.Content != "":
		env.Choices[0].Messages = append(env.Choices[0].Messages, WireMessage{Role: "assistant", Content: delta.Content})
	}
	return env
}

// FormatPromptflow reshapes a flow response using the configured response
// and citations field names.
func FormatPromptflow(resp provider.PromptflowResponse, historyMetadata map[string]any, responseField, citationsField string) Envelope {
	id, _ := resp["id"].(string)
	env := newEnvelope(id, "", 0, "", historyMetadata, "")
	if answer, ok := resp[responseField]; ok {
		env.Choices[0].Messages = append(env.Choices[0].Messages, WireMessage{Role: "assistant", Content: stringify(answer)})
	}
	if citations, ok := resp[citationsField]; ok {
		b, _ := json.Marshal(map[string]any{"citations": citations})
		env.Choices[0].Messages = append(env.Choices[0].Messages, WireMessage{Role: "tool", Content: string(b)})
	}
	return env
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// EncodeLine serializes v as one newline-terminated JSON document.
func EncodeLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
