package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"gwi.com/chat-history/internal/auth"
	"gwi.com/chat-history/internal/config"
	"gwi.com/chat-history/internal/provider"
)

const redactedValue = "*****"

var secretParams = []string{"key", "connection_string", "embedding_key", "encoded_api_key", "api_key"}

// RequestBuilder turns an inbound chat payload into a provider request.
type RequestBuilder struct {
	cfg    *config.Config
	logger *slog.Logger
}

func NewRequestBuilder(cfg *config.Config, logger *slog.Logger) *RequestBuilder {
	return &RequestBuilder{cfg: cfg, logger: logger}
}

// Build never replays tool messages to the model. The configured system
// message is prepended unless a datasource supplies the system context.
func (b *RequestBuilder) Build(ctx context.Context, payload ChatPayload, id auth.Identity, headers http.Header) *provider.Request {
	aoai := b.cfg.AzureOpenAI

	var msgs []provider.Message
	if b.cfg.Datasource == nil {
		msgs = append(msgs, provider.Message{Role: "system", Content: aoai.SystemMessage})
	}
	for _, m := range payload.Messages {
		if m.Role == "" || m.Role == "tool" {
			continue
		}
		msgs = append(msgs, provider.Message{ID: m.ID, Role: m.Role, Content: m.Content})
	}

	req := &provider.Request{
		Model:       aoai.Model,
		Messages:    msgs,
		Temperature: aoai.Temperature,
		MaxTokens:   aoai.MaxTokens,
		TopP:        aoai.TopP,
		Stop:        aoai.StopSequence,
		Stream:      aoai.Stream,
	}
	if b.cfg.Provider == config.ProviderGemini {
		req.Model = b.cfg.Gemini.Model
	}
	if b.cfg.MSDefenderEnabled {
		req.User = auth.DefenderUserJSON(id, headers, payload.ConversationID, b.cfg.UITitle)
	}
	if b.cfg.Datasource != nil {
		req.DataSources = []map[string]any{b.cfg.Datasource.Payload()}
	}

	if b.logger.Enabled(ctx, slog.LevelDebug) {
		if body, err := json.Marshal(Redact(req)); err == nil {
			b.logger.DebugContext(ctx, "prepared model request", "request_body", string(body))
		}
	}
	return req
}

// Redact returns the request in its wire shape with datasource credentials
// masked. req itself is left untouched.
func Redact(req *provider.Request) map[string]any {
	out := map[string]any{
		"messages":    req.Messages,
		"model":       req.Model,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
		"top_p":       req.TopP,
		"stop":        req.Stop,
		"stream":      req.Stream,
		"user":        req.User,
	}
	if len(req.DataSources) == 0 {
		return out
	}

	sources := make([]map[string]any, 0, len(req.DataSources))
	for _, ds := range req.DataSources {
		cp := copyMap(ds)
		if params, ok := cp["parameters"].(map[string]any); ok {
			maskSecrets(params)
			if a, ok := params["authentication"].(map[string]any); ok {
				maskSecrets(a)
			}
			if dep, ok := params["embedding_dependency"].(map[string]any); ok {
				if a, ok := dep["authentication"].(map[string]any); ok {
					maskSecrets(a)
				}
			}
		}
		sources = append(sources, cp)
	}
	out["data_sources"] = sources
	return out
}

func maskSecrets(m map[string]any) {
	for _, k := range secretParams {
		if v, ok := m[k]; ok && v != nil && v != "" {
			m[k] = redactedValue
		}
	}
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = copyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
