package store

import (
	"context"
	"fmt"

	"gwi.com/chat-history/internal/config"
)

// HistoryStore persists conversations and messages in a container
// partitioned by user id. Every read is scoped to one partition.
//
// Lookups of absent documents return an apperrors NotFound error.
// Deleting something that is already gone is not an error.
type HistoryStore interface {
	UpsertConversation(ctx context.Context, conv *Conversation) (*Conversation, error)
	GetConversation(ctx context.Context, userID, conversationID string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string, opts ListOptions) ([]*Conversation, error)
	DeleteConversation(ctx context.Context, userID, conversationID string) error

	UpsertMessage(ctx context.Context, msg *Message) (*Message, error)
	// GetMessages returns the conversation's messages by CreatedAt ascending.
	GetMessages(ctx context.Context, userID, conversationID string) ([]*Message, error)
	DeleteMessages(ctx context.Context, conversationID, userID string) (int, error)
	UpdateMessageFeedback(ctx context.Context, userID, messageID, feedback string) (*Message, error)

	// Ensure probes connectivity and that the configured database and
	// container exist. Misconfiguration is reported as a Configuration
	// error naming the offending database or container.
	Ensure(ctx context.Context) error
	Close() error
}

// Open builds the backend named by cfg.Backend.
func Open(ctx context.Context, cfg *config.ChatHistory) (HistoryStore, error) {
	var (
		s   HistoryStore
		err error
	)
	switch cfg.Backend {
	case config.HistorySQLite:
		s, err = asHistoryStore(NewSQLiteStore(ctx, cfg.DSN, cfg.Container, cfg.EnableFeedback))
	case config.HistoryPostgres:
		s, err = asHistoryStore(NewPostgresStore(ctx, cfg.DSN, cfg.Database, cfg.Container, cfg.EnableFeedback))
	case config.HistoryBolt:
		s, err = asHistoryStore(NewBoltStore(cfg.DSN, cfg.Container, cfg.EnableFeedback))
	case config.HistoryMemory:
		s = NewMemoryStore(cfg.EnableFeedback)
	default:
		err = fmt.Errorf("unsupported chat history backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// asHistoryStore keeps a typed nil pointer from escaping as a non-nil interface.
func asHistoryStore[T HistoryStore](s T, err error) (HistoryStore, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// prepareMessage fills server-side defaults before a message is written.
func prepareMessage(msg *Message, enableFeedback bool) *Message {
	cp := *msg
	cp.Type = KindMessage
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	if enableFeedback && cp.Feedback == nil {
		empty := ""
		cp.Feedback = &empty
	}
	if !enableFeedback {
		cp.Feedback = nil
	}
	return &cp
}

// keepFeedback carries stored feedback over a rewrite of the same message.
// Feedback only changes through UpdateMessageFeedback.
func keepFeedback(m, existing *Message) {
	if existing == nil || existing.Type != KindMessage || existing.Feedback == nil || m.Feedback == nil {
		return
	}
	fb := *existing.Feedback
	m.Feedback = &fb
}

func prepareConversation(conv *Conversation) *Conversation {
	cp := *conv
	cp.Type = KindConversation
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	return &cp
}

var (
	_ HistoryStore = (*SQLiteStore)(nil)
	_ HistoryStore = (*PostgresStore)(nil)
	_ HistoryStore = (*BoltStore)(nil)
	_ HistoryStore = (*MemoryStore)(nil)
	_ HistoryStore = (*UnavailableStore)(nil)
)
