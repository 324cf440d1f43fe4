// Package provider talks to the hosted LLM backends. Every backend accepts
// the same normalized Request and reports failures as *Error.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

type Message struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a backend-agnostic chat completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int
	TopP        float32
	Stop        []string
	Stream      bool
	// User is an opaque tag forwarded for abuse monitoring.
	User string
	// DataSources are provider-side retrieval descriptors. They may carry
	// credentials and must never be logged unredacted.
	DataSources []map[string]any
}

// ResponseMessage is an assistant message or a streamed delta. Context holds
// provider citations when the backend returned any.
type ResponseMessage struct {
	Role    string
	Content string
	Context json.RawMessage
}

type Choice struct {
	Index        int
	Message      ResponseMessage
	FinishReason string
}

type Completion struct {
	ID      string
	Model   string
	Created int64
	Object  string
	Choices []Choice
	// RequestID is the upstream correlation id, when the backend sends one.
	RequestID string
}

type Chunk struct {
	ID      string
	Model   string
	Created int64
	Object  string
	Choices []Choice // Message carries the delta
}

// ChunkStream yields the chunks of one streamed completion. Recv returns
// io.EOF after the last chunk. A stream is consumed once and must be closed.
type ChunkStream interface {
	Recv() (*Chunk, error)
	RequestID() string
	Close() error
}

type ChatProvider interface {
	Complete(ctx context.Context, req *Request) (*Completion, error)
	Stream(ctx context.Context, req *Request) (ChunkStream, error)
}

// Error is an upstream failure. StatusCode is zero when the backend did not
// report an HTTP status.
type Error struct {
	Backend    string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Backend, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Backend, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// FirstText returns the content of the first choice, or "".
func (c *Completion) FirstText() string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Message.Content
}
