package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gwi.com/chat-history/internal/apperrors"
	"gwi.com/chat-history/internal/auth"
	"gwi.com/chat-history/internal/config"
	"gwi.com/chat-history/internal/provider"
)

func userPayload(content string) ChatPayload {
	return ChatPayload{Messages: []ChatMessage{{ID: "u1", Role: "user", Content: content}}}
}

func collect(t *testing.T, s *LineStream) []Envelope {
	t.Helper()
	var out []Envelope
	for line := range s.Lines() {
		require.Equal(t, byte('\n'), line[len(line)-1])
		var env Envelope
		require.NoError(t, json.Unmarshal(line, &env))
		out = append(out, env)
	}
	return out
}

func TestConverse_Single(t *testing.T) {
	chat := &fakeProvider{complete: func(*provider.Request) (*provider.Completion, error) {
		c := completion("Hello there")
		c.RequestID = "apim-1"
		c.Choices[0].Message.Context = []byte(`{"citations":[{"title":"doc"}]}`)
		return c, nil
	}}
	o := newTestOrchestrator(testConfig(), chat, nil)

	payload := userPayload("Hi")
	payload.HistoryMetadata = map[string]any{"conversation_id": "c1"}
	res, err := o.Converse(context.Background(), payload, auth.SampleUser, http.Header{})
	require.NoError(t, err)
	require.NotNil(t, res.Single)
	assert.Nil(t, res.Stream)

	env := res.Single
	assert.Equal(t, "cmpl-1", env.ID)
	assert.Equal(t, "apim-1", env.RequestID)
	assert.Equal(t, "c1", env.HistoryMetadata["conversation_id"])
	require.Len(t, env.Choices[0].Messages, 2)
	assert.Equal(t, "tool", env.Choices[0].Messages[0].Role)
	assert.Equal(t, WireMessage{Role: "assistant", Content: "Hello there"}, env.Choices[0].Messages[1])
}

func TestConverse_StreamOneLinePerChunk(t *testing.T) {
	cfg := testConfig()
	cfg.AzureOpenAI.Stream = true
	chat := &fakeProvider{chunks: []*provider.Chunk{
		deltaChunk("", `{"citations":[]}`),
		deltaChunk("Hel", ""),
		deltaChunk("lo", ""),
		deltaChunk("", ""),
	}}
	o := newTestOrchestrator(cfg, chat, nil)

	payload := userPayload("Hi")
	payload.HistoryMetadata = map[string]any{"conversation_id": "c1"}
	res, err := o.Converse(context.Background(), payload, auth.SampleUser, http.Header{})
	require.NoError(t, err)
	require.NotNil(t, res.Stream)
	defer res.Stream.Close()

	envs := collect(t, res.Stream)
	require.Len(t, envs, 4)
	for _, env := range envs {
		assert.Equal(t, "apim-123", env.RequestID)
		assert.Equal(t, "c1", env.HistoryMetadata["conversation_id"])
	}
	assert.Equal(t, "tool", envs[0].Choices[0].Messages[0].Role)
	assert.Equal(t, "Hel", envs[1].Choices[0].Messages[0].Content)
	assert.Equal(t, "lo", envs[2].Choices[0].Messages[0].Content)
	assert.Empty(t, envs[3].Choices[0].Messages)
	assert.NoError(t, res.Stream.Err())
	assert.True(t, chat.stream.closed)
}

func TestConverse_StreamErrorBecomesFinalLine(t *testing.T) {
	cfg := testConfig()
	cfg.AzureOpenAI.Stream = true
	chat := &fakeProvider{
		chunks:  []*provider.Chunk{deltaChunk("partial", "")},
		tailErr: errors.New("upstream reset"),
	}
	o := newTestOrchestrator(cfg, chat, nil)

	res, err := o.Converse(context.Background(), userPayload("Hi"), auth.SampleUser, http.Header{})
	require.NoError(t, err)
	defer res.Stream.Close()

	var lines []map[string]any
	for line := range res.Stream.Lines() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "upstream reset", lines[1]["error"])
	assert.EqualError(t, res.Stream.Err(), "upstream reset")
}

func TestConverse_CloseStopsProducer(t *testing.T) {
	cfg := testConfig()
	cfg.AzureOpenAI.Stream = true
	chunks := make([]*provider.Chunk, 50)
	for i := range chunks {
		chunks[i] = deltaChunk("x", "")
	}
	chat := &fakeProvider{chunks: chunks}
	o := newTestOrchestrator(cfg, chat, nil)

	res, err := o.Converse(context.Background(), userPayload("Hi"), auth.SampleUser, http.Header{})
	require.NoError(t, err)
	<-res.Stream.Lines()
	res.Stream.Close()

	assert.True(t, chat.stream.closed)
	assert.ErrorIs(t, res.Stream.Err(), context.Canceled)
}

func TestConverse_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"upstream status kept", &provider.Error{Backend: "openai", StatusCode: http.StatusTooManyRequests, Message: "slow down"}, http.StatusTooManyRequests},
		{"no status", errors.New("dial tcp: refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &fakeProvider{complete: func(*provider.Request) (*provider.Completion, error) { return nil, tt.err }}
			o := newTestOrchestrator(testConfig(), chat, nil)

			_, err := o.Converse(context.Background(), userPayload("Hi"), auth.SampleUser, http.Header{})
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrProvider)
			assert.Equal(t, tt.status, apperrors.HTTPStatus(err))
		})
	}
}

func TestConverse_NoProvider(t *testing.T) {
	o := newTestOrchestrator(testConfig(), nil, nil)
	_, err := o.Converse(context.Background(), userPayload("Hi"), auth.SampleUser, http.Header{})
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, apperrors.HTTPStatus(err))
}

type fakePipeline struct {
	resp provider.PromptflowResponse
	err  error
	req  *provider.Request
}

func (p *fakePipeline) Call(_ context.Context, req *provider.Request) (provider.PromptflowResponse, error) {
	p.req = req
	return p.resp, p.err
}

func TestConverse_RoutesToPipeline(t *testing.T) {
	cfg := testConfig()
	cfg.AzureOpenAI.Stream = true
	cfg.Promptflow = &config.Promptflow{Endpoint: "http://flow", ResponseFieldName: "reply", CitationsFieldName: "documents"}
	pipe := &fakePipeline{resp: provider.PromptflowResponse{
		"id":        "u1",
		"reply":     "From the flow",
		"documents": []any{map[string]any{"title": "doc"}},
	}}
	chat := &fakeProvider{}
	o := newTestOrchestrator(cfg, chat, pipe)

	res, err := o.Converse(context.Background(), userPayload("Hi"), auth.SampleUser, http.Header{})
	require.NoError(t, err)
	require.NotNil(t, res.Single)
	assert.Empty(t, chat.requests)
	require.NotNil(t, pipe.req)

	msgs := res.Single.Choices[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, WireMessage{Role: "assistant", Content: "From the flow"}, msgs[0])
	assert.JSONEq(t, `{"citations":[{"title":"doc"}]}`, msgs[1].Content)
	assert.Equal(t, "u1", res.Single.ID)
}

func TestConverse_PipelineErrorStatus(t *testing.T) {
	cfg := testConfig()
	cfg.Promptflow = &config.Promptflow{Endpoint: "http://flow", ResponseFieldName: "reply", CitationsFieldName: "documents"}
	pipe := &fakePipeline{err: &provider.Error{Backend: "promptflow", StatusCode: http.StatusBadGateway}}
	o := newTestOrchestrator(cfg, nil, pipe)

	_, err := o.Converse(context.Background(), userPayload("Hi"), auth.SampleUser, http.Header{})
	assert.Equal(t, http.StatusBadGateway, apperrors.HTTPStatus(err))
}

func TestFormatChunk_EmptyChoices(t *testing.T) {
	env := FormatChunk(&provider.Chunk{ID: "x"}, nil, "req")
	b, err := EncodeLine(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"x","model":"","created":0,"object":"","apim-request-id":"req",
		"choices":[{"messages":[]}],"history_metadata":{}}`, string(b))
}
