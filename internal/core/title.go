package core

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"gwi.com/chat-history/internal/observability"
	"gwi.com/chat-history/internal/provider"
)

const (
	titlePrompt = "Summarize the conversation so far into a 4-word or less title. " +
		"Do not use any quotation marks or punctuation. Do not include any other commentary or description."
	titleMaxTokens = 64
	titleMaxWords  = 4
)

// TitleGenerator names new conversations with a short model call.
type TitleGenerator struct {
	chat    provider.ChatProvider
	model   string
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewTitleGenerator(chat provider.ChatProvider, model string, metrics *observability.Metrics, logger *slog.Logger) *TitleGenerator {
	return &TitleGenerator{chat: chat, model: model, metrics: metrics, logger: logger}
}

// Generate never fails: when the model cannot produce a title the content
// of the last conversation message is used instead.
func (g *TitleGenerator) Generate(ctx context.Context, conversation []ChatMessage) string {
	var msgs []provider.Message
	for _, m := range conversation {
		if m.Role == "tool" {
			continue
		}
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: titlePrompt})
	fallback := msgs[len(msgs)-1].Content
	if len(msgs) >= 2 {
		fallback = msgs[len(msgs)-2].Content
	}

	if g.chat == nil {
		g.metrics.TitleFallback()
		return fallback
	}
	c, err := g.chat.Complete(ctx, &provider.Request{
		Model:       g.model,
		Messages:    msgs,
		Temperature: 0,
		MaxTokens:   titleMaxTokens,
	})
	if err != nil {
		observability.LoggerFromContext(ctx, g.logger).Warn("title generation failed, using message content", "error", err)
		g.metrics.TitleFallback()
		return fallback
	}
	title := cleanTitle(c.FirstText())
	if title == "" {
		g.metrics.TitleFallback()
		return fallback
	}
	return title
}

// cleanTitle drops punctuation and keeps at most four words.
func cleanTitle(s string) string {
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return -1
		}
		return r
	}, s)
	words := strings.Fields(stripped)
	if len(words) > titleMaxWords {
		words = words[:titleMaxWords]
	}
	return strings.Join(words, " ")
}
