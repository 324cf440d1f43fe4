package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gwi.com/chat-history/internal/apperrors"
	"gwi.com/chat-history/internal/auth"
	"gwi.com/chat-history/internal/observability"
	"gwi.com/chat-history/internal/store"
)

const (
	DefaultListLimit = 25
	deleteAllLimit   = 4
)

// ErrHistoryNotConfigured is returned by every operation when the
// deployment runs without a chat history store.
var ErrHistoryNotConfigured = &apperrors.Error{Kind: apperrors.KindNotFound, Msg: "chat history is not configured"}

// StoreHealth is the outcome of a store health probe.
type StoreHealth int

const (
	StoreHealthy StoreHealth = iota
	StoreMisconfigured
	StoreUnreachable
)

// HistoryService owns the conversation lifecycle. It keeps no state between
// calls; every operation reads or writes through the store.
type HistoryService struct {
	store        store.HistoryStore
	orchestrator *Orchestrator
	titles       *TitleGenerator
	clock        Clock
	newID        func() string
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// NewHistoryService builds the service. st may be nil, in which case only
// Converse works and every history operation returns ErrHistoryNotConfigured.
func NewHistoryService(st store.HistoryStore, orchestrator *Orchestrator, titles *TitleGenerator, clock Clock, metrics *observability.Metrics, logger *slog.Logger) *HistoryService {
	if clock == nil {
		clock = NewMonotonicClock(nil)
	}
	return &HistoryService{
		store:        st,
		orchestrator: orchestrator,
		titles:       titles,
		clock:        clock,
		newID:        uuid.NewString,
		metrics:      metrics,
		logger:       logger,
	}
}

// Converse runs a turn without recording it.
func (s *HistoryService) Converse(ctx context.Context, payload ChatPayload, id auth.Identity, headers http.Header) (*Result, error) {
	return s.orchestrator.Converse(ctx, payload, id, headers)
}

// StartOrContinue records the inbound user message, creating and titling
// the conversation first when the payload has no conversation id, and then
// runs the turn with history_metadata attached.
func (s *HistoryService) StartOrContinue(ctx context.Context, payload ChatPayload, id auth.Identity, headers http.Header) (res *Result, err error) {
	defer func() { s.observe("generate", err) }()
	if s.store == nil {
		return nil, ErrHistoryNotConfigured
	}
	last := payload.last()
	if last == nil || last.Role != string(store.RoleUser) {
		return nil, apperrors.Validation("No user message found")
	}

	meta := make(map[string]any, len(payload.HistoryMetadata)+3)
	for k, v := range payload.HistoryMetadata {
		meta[k] = v
	}

	if payload.ConversationID == "" {
		title := s.titles.Generate(ctx, payload.Messages)
		now := s.clock.Now()
		conv, err := s.store.UpsertConversation(ctx, &store.Conversation{
			ID:        s.newID(),
			UserID:    id.UserID,
			Title:     title,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return nil, err
		}
		payload.ConversationID = conv.ID
		meta["title"] = conv.Title
		meta["date"] = conv.CreatedAt.Format(time.RFC3339Nano)
	}
	meta["conversation_id"] = payload.ConversationID

	if _, err := s.appendMessage(ctx, &store.Message{
		ID:             s.newID(),
		UserID:         id.UserID,
		ConversationID: payload.ConversationID,
		Role:           store.RoleUser,
		Content:        last.Content,
	}); err != nil {
		return nil, err
	}

	payload.HistoryMetadata = meta
	return s.orchestrator.Converse(ctx, payload, id, headers)
}

// AppendTurn records the end of a completed turn: the assistant message
// under its own id, preceded by the tool message when one comes right
// before it.
func (s *HistoryService) AppendTurn(ctx context.Context, userID, conversationID string, messages []ChatMessage) (err error) {
	defer func() { s.observe("update", err) }()
	if s.store == nil {
		return ErrHistoryNotConfigured
	}
	if conversationID == "" {
		return apperrors.Validation("No conversation_id found")
	}
	n := len(messages)
	if n == 0 || messages[n-1].Role != string(store.RoleAssistant) {
		return apperrors.Validation("No bot messages found")
	}

	if n > 1 && messages[n-2].Role == string(store.RoleTool) {
		if _, err := s.appendMessage(ctx, &store.Message{
			ID:             s.newID(),
			UserID:         userID,
			ConversationID: conversationID,
			Role:           store.RoleTool,
			Content:        messages[n-2].Content,
		}); err != nil {
			return err
		}
	}

	assistantID := messages[n-1].ID
	if assistantID == "" {
		assistantID = s.newID()
	}
	_, err = s.appendMessage(ctx, &store.Message{
		ID:             assistantID,
		UserID:         userID,
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Content:        messages[n-1].Content,
	})
	return err
}

// appendMessage writes msg and then moves the parent's UpdatedAt to the
// message's CreatedAt. The two writes are not atomic: if the second fails
// the message is durable and the conversation merely sorts as older.
func (s *HistoryService) appendMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	if _, err := s.store.GetConversation(ctx, msg.UserID, msg.ConversationID); err != nil {
		return nil, conversationNotFound(err, msg.ConversationID)
	}

	now := s.clock.Now()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	written, err := s.store.UpsertMessage(ctx, msg)
	if err != nil {
		return nil, err
	}

	conv, err := s.store.GetConversation(ctx, msg.UserID, msg.ConversationID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// The parent went away between the two reads; drop what is now orphaned.
			logger := observability.LoggerFromContext(ctx, s.logger)
			logger.Warn("conversation deleted while appending message",
				"conversation_id", msg.ConversationID, "message_id", msg.ID)
			if _, derr := s.store.DeleteMessages(ctx, msg.ConversationID, msg.UserID); derr != nil {
				logger.Error("removing orphaned messages", "conversation_id", msg.ConversationID, "error", derr)
			}
		}
		return nil, conversationNotFound(err, msg.ConversationID)
	}
	// Only move the touch forward; a concurrent later append may have won.
	if written.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = written.CreatedAt
		if _, err := s.store.UpsertConversation(ctx, conv); err != nil {
			return nil, err
		}
	}
	return written, nil
}

func conversationNotFound(err error, conversationID string) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return &apperrors.Error{
			Kind: apperrors.KindNotFound,
			Msg:  "Conversation not found for the given conversation ID: " + conversationID + ".",
			Err:  err,
		}
	}
	return err
}

func (s *HistoryService) UpdateFeedback(ctx context.Context, userID, messageID, feedback string) (msg *store.Message, err error) {
	defer func() { s.observe("message_feedback", err) }()
	if s.store == nil {
		return nil, ErrHistoryNotConfigured
	}
	if messageID == "" {
		return nil, apperrors.Validation("message_id is required")
	}
	if feedback == "" {
		return nil, apperrors.Validation("message_feedback is required")
	}
	msg, err = s.store.UpdateMessageFeedback(ctx, userID, messageID, feedback)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.NotFound("Unable to update message %s. It either does not exist or the user does not have access to it.", messageID)
	}
	return msg, err
}

func (s *HistoryService) Rename(ctx context.Context, userID, conversationID, title string) (conv *store.Conversation, err error) {
	defer func() { s.observe("rename", err) }()
	if s.store == nil {
		return nil, ErrHistoryNotConfigured
	}
	if conversationID == "" {
		return nil, apperrors.Validation("conversation_id is required")
	}
	if title == "" {
		return nil, apperrors.Validation("title is required")
	}
	conv, err = s.getConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	conv.Title = title
	return s.store.UpsertConversation(ctx, conv)
}

// Read returns the conversation and its messages in creation order.
func (s *HistoryService) Read(ctx context.Context, userID, conversationID string) (conv *store.Conversation, msgs []*store.Message, err error) {
	defer func() { s.observe("read", err) }()
	if s.store == nil {
		return nil, nil, ErrHistoryNotConfigured
	}
	if conversationID == "" {
		return nil, nil, apperrors.Validation("conversation_id is required")
	}
	conv, err = s.getConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err = s.store.GetMessages(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

func (s *HistoryService) getConversation(ctx context.Context, userID, conversationID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, userID, conversationID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.NotFound("Conversation %s was not found. It either does not exist or the logged in user does not have access to it.", conversationID)
	}
	return conv, err
}

// List pages the user's conversations, most recently updated first. An
// empty page is reported as NotFound.
func (s *HistoryService) List(ctx context.Context, userID string, offset, limit int) (convs []*store.Conversation, err error) {
	defer func() { s.observe("list", err) }()
	if s.store == nil {
		return nil, ErrHistoryNotConfigured
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	convs, err = s.store.ListConversations(ctx, userID, store.ListOptions{Offset: offset, Limit: limit, Sort: store.SortDesc})
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, apperrors.NotFound("No conversations for %s were found", userID)
	}
	return convs, nil
}

// DeleteConversation removes the messages first, then the conversation.
// Deleting something already gone succeeds.
func (s *HistoryService) DeleteConversation(ctx context.Context, userID, conversationID string) (err error) {
	defer func() { s.observe("delete", err) }()
	if s.store == nil {
		return ErrHistoryNotConfigured
	}
	if conversationID == "" {
		return apperrors.Validation("conversation_id is required")
	}
	return s.deleteCascade(ctx, userID, conversationID)
}

func (s *HistoryService) deleteCascade(ctx context.Context, userID, conversationID string) error {
	if _, err := s.store.DeleteMessages(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.store.DeleteConversation(ctx, userID, conversationID)
}

// DeleteAll removes every conversation of the user and returns how many
// were deleted. Conversations are deleted concurrently, each messages first.
func (s *HistoryService) DeleteAll(ctx context.Context, userID string) (n int, err error) {
	defer func() { s.observe("delete_all", err) }()
	if s.store == nil {
		return 0, ErrHistoryNotConfigured
	}
	convs, err := s.store.ListConversations(ctx, userID, store.ListOptions{})
	if err != nil {
		return 0, err
	}
	if len(convs) == 0 {
		return 0, apperrors.NotFound("No conversations for %s were found", userID)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteAllLimit)
	for _, conv := range convs {
		g.Go(func() error {
			return s.deleteCascade(gctx, userID, conv.ID)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(convs), nil
}

// ClearMessages deletes the conversation's messages and keeps the
// conversation itself.
func (s *HistoryService) ClearMessages(ctx context.Context, userID, conversationID string) (n int, err error) {
	defer func() { s.observe("clear", err) }()
	if s.store == nil {
		return 0, ErrHistoryNotConfigured
	}
	if conversationID == "" {
		return 0, apperrors.Validation("conversation_id is required")
	}
	return s.store.DeleteMessages(ctx, conversationID, userID)
}

// EnsureStoreHealthy probes the store. Configuration and credential
// problems are reported as misconfigured, anything else as unreachable.
func (s *HistoryService) EnsureStoreHealthy(ctx context.Context) (StoreHealth, error) {
	if s.store == nil {
		return StoreMisconfigured, ErrHistoryNotConfigured
	}
	err := s.store.Ensure(ctx)
	s.observe("ensure", err)
	switch {
	case err == nil:
		return StoreHealthy, nil
	case errors.Is(err, apperrors.ErrConfiguration), errors.Is(err, apperrors.ErrAuth):
		return StoreMisconfigured, err
	default:
		return StoreUnreachable, err
	}
}

func (s *HistoryService) observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = apperrors.KindOf(err).String()
	}
	s.metrics.HistoryOperation(op, outcome)
}
