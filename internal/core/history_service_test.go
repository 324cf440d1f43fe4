package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gwi.com/chat-history/internal/apperrors"
	"gwi.com/chat-history/internal/auth"
	"gwi.com/chat-history/internal/observability"
	"gwi.com/chat-history/internal/provider"
	"gwi.com/chat-history/internal/store"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return epoch }

type historyFixture struct {
	svc   *HistoryService
	store store.HistoryStore
	chat  *fakeProvider
}

func newHistoryFixture(t *testing.T, st store.HistoryStore) *historyFixture {
	t.Helper()
	chat := &fakeProvider{complete: func(req *provider.Request) (*provider.Completion, error) {
		if req.MaxTokens == titleMaxTokens {
			return completion(`"Go: the programming language, explained!"`), nil
		}
		return completion("Go is a programming language."), nil
	}}
	logger := observability.Discard()
	svc := NewHistoryService(st,
		newTestOrchestrator(testConfig(), chat, nil),
		NewTitleGenerator(chat, "gpt-4o", nil, logger),
		NewMonotonicClock(fixedNow),
		nil, logger)
	return &historyFixture{svc: svc, store: st, chat: chat}
}

func (f *historyFixture) start(t *testing.T, userID string) string {
	t.Helper()
	id := auth.Identity{UserID: userID}
	res, err := f.svc.StartOrContinue(context.Background(), userPayload("What is Go?"), id, http.Header{})
	require.NoError(t, err)
	convID, _ := res.Single.HistoryMetadata["conversation_id"].(string)
	require.NotEmpty(t, convID)
	return convID
}

func TestStartOrContinue_NewConversation(t *testing.T) {
	f := newHistoryFixture(t, store.NewMemoryStore(false))
	ctx := context.Background()

	res, err := f.svc.StartOrContinue(ctx, userPayload("What is Go?"), auth.Identity{UserID: "alice"}, http.Header{})
	require.NoError(t, err)

	meta := res.Single.HistoryMetadata
	convID := meta["conversation_id"].(string)
	assert.Equal(t, "Go the programming language", meta["title"])
	assert.NotEmpty(t, meta["date"])
	assert.Equal(t, "Go is a programming language.", res.Single.Choices[0].Messages[0].Content)

	conv, err := f.store.GetConversation(ctx, "alice", convID)
	require.NoError(t, err)
	assert.Equal(t, "Go the programming language", conv.Title)
	assert.LessOrEqual(t, len(strings.Fields(conv.Title)), titleMaxWords)

	msgs, err := f.store.GetMessages(ctx, "alice", convID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "What is Go?", msgs[0].Content)
	assert.True(t, conv.UpdatedAt.Equal(msgs[0].CreatedAt))
	assert.True(t, conv.CreatedAt.Before(conv.UpdatedAt))

	titleReq := f.chat.requests[0]
	assert.Equal(t, float32(0), titleReq.Temperature)
	assert.Equal(t, titlePrompt, titleReq.Messages[len(titleReq.Messages)-1].Content)
}

func TestStartOrContinue_ExistingConversation(t *testing.T) {
	f := newHistoryFixture(t, store.NewMemoryStore(false))
	ctx := context.Background()
	convID := f.start(t, "alice")

	payload := userPayload("And goroutines?")
	payload.ConversationID = convID
	res, err := f.svc.StartOrContinue(ctx, payload, auth.Identity{UserID: "alice"}, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, convID, res.Single.HistoryMetadata["conversation_id"])
	assert.NotContains(t, res.Single.HistoryMetadata, "title")

	msgs, err := f.store.GetMessages(ctx, "alice", convID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestStartOrContinue_Rejects(t *testing.T) {
	f := newHistoryFixture(t, store.NewMemoryStore(false))
	ctx := context.Background()
	alice := auth.Identity{UserID: "alice"}

	_, err := f.svc.StartOrContinue(ctx, ChatPayload{Messages: []ChatMessage{{Role: "assistant", Content: "hi"}}}, alice, http.Header{})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.ErrorContains(t, err, "No user message found")

	payload := userPayload("Hi")
	payload.ConversationID = "missing"
	_, err = f.svc.StartOrContinue(ctx, payload, alice, http.Header{})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorContains(t, err, "Conversation not found for the given conversation ID: missing.")

	convID := f.start(t, "alice")
	payload.ConversationID = convID
	_, err = f.svc.StartOrContinue(ctx, payload, auth.Identity{UserID: "mallory"}, http.Header{})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStartOrContinue_TitleFallback(t *testing.T) {
	chat := &fakeProvider{complete: func(req *provider.Request) (*provider.Completion, error) {
		if req.MaxTokens == titleMaxTokens {
			return nil, &provider.Error{Backend: "openai", StatusCode: http.StatusServiceUnavailable}
		}
		return completion("ok"), nil
	}}
	logger := observability.Discard()
	svc := NewHistoryService(store.NewMemoryStore(false),
		newTestOrchestrator(testConfig(), chat, nil),
		NewTitleGenerator(chat, "gpt-4o", nil, logger),
		NewMonotonicClock(fixedNow), nil, logger)

	res, err := svc.StartOrContinue(context.Background(), userPayload("Tell me about channels please"), auth.Identity{UserID: "alice"}, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, "Tell me about channels please", res.Single.HistoryMetadata["title"])
}

func TestAppendTurn(t *testing.T) {
	f := newHistoryFixture(t, store.NewMemoryStore(false))
	ctx := context.Background()
	convID := f.start(t, "alice")

	err := f.svc.AppendTurn(ctx, "alice", convID, []ChatMessage{
		{Role: "user", Content: "What is Go?"},
		{Role: "tool", Content: `{"citations":[]}`},
		{ID: "a1", Role: "assistant", Content: "Go is a programming language."},
	})
	require.NoError(t, err)

	msgs, err := f.store.GetMessages(ctx, "alice", convID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, store.RoleTool, msgs[1].Role)
	assert.NotEmpty(t, msgs[1].ID)
	assert.Equal(t, store.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "a1", msgs[2].ID)

	conv, err := f.store.GetConversation(ctx, "alice", convID)
	require.NoError(t, err)
	assert.True(t, conv.UpdatedAt.Equal(msgs[2].CreatedAt))
}

func TestAppendTurn_Rejects(t *testing.T) {
	f := newHistoryFixture(t, store.NewMemoryStore(false))
	ctx := context.Background()

	err := f.svc.AppendTurn(ctx, "alice", "", []ChatMessage{{Role: "assistant", Content: "x"}})
	assert.ErrorContains(t, err, "No conversation_id found")
	assert.Equal(t, http.StatusBadRequest, apperrors.HTTPStatus(err))

	err = f.svc.AppendTurn(ctx, "alice", "c1", []ChatMessage{{Role: "user", Content: "x"}})
	assert.ErrorContains(t, err, "No bot messages found")

	err = f.svc.AppendTurn(ctx, "alice", "missing", []ChatMessage{{Role: "assistant", Content: "x"}})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// flakyStore fails the conversation bump that follows a message write.
type flakyStore struct {
	store.HistoryStore
	failConversationUpserts bool
}

func (s *flakyStore) UpsertConversation(ctx context.Context, conv *store.Conversation) (*store.Conversation, error) {
	if s.failConversationUpserts {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "upsert conversation", errors.New("connection reset"))
	}
	return s.HistoryStore.UpsertConversation(ctx, conv)
}

func TestAppendTurn_PartialWriteKeepsMessage(t *testing.T) {
	st := &flakyStore{HistoryStore: store.NewMemoryStore(false)}
	f := newHistoryFixture(t, st)
	ctx := context.Background()
	convID := f.start(t, "alice")
	before, err := st.GetConversation(ctx, "alice", convID)
	require.NoError(t, err)

	st.failConversationUpserts = true
	err = f.svc.AppendTurn(ctx, "alice", convID, []ChatMessage{{ID: "a1", Role: "assistant", Content: "answer"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, apperrors.HTTPStatus(err))

	msgs, err := st.GetMessages(ctx, "alice", convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a1", msgs[1].ID)

	after, err := st.GetConversation(ctx, "alice", convID)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.Equal(before.UpdatedAt))
}

// racingStore stands in for a concurrent append that touches the
// conversation with a later timestamp right after our message write.
type racingStore struct {
	store.HistoryStore
	later           time.Time
	armed           bool
	conversationSet int
}

func (s *racingStore) UpsertMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	written, err := s.HistoryStore.UpsertMessage(ctx, msg)
	if err == nil && s.armed {
		conv, gerr := s.HistoryStore.GetConversation(ctx, msg.UserID, msg.ConversationID)
		if gerr != nil {
			return nil, gerr
		}
		conv.UpdatedAt = s.later
		_, err = s.HistoryStore.UpsertConversation(ctx, conv)
	}
	return written, err
}

func (s *racingStore) UpsertConversation(ctx context.Context, conv *store.Conversation) (*store.Conversation, error) {
	s.conversationSet++
	return s.HistoryStore.UpsertConversation(ctx, conv)
}

func TestAppendTurn_NeverMovesUpdatedAtBackward(t *testing.T) {
	st := &racingStore{HistoryStore: store.NewMemoryStore(false), later: epoch.Add(time.Hour)}
	f := newHistoryFixture(t, st)
	ctx := context.Background()
	convID := f.start(t, "alice")

	st.armed = true
	st.conversationSet = 0
	err := f.svc.AppendTurn(ctx, "alice", convID, []ChatMessage{{ID: "a1", Role: "assistant", Content: "answer"}})
	require.NoError(t, err)
	assert.Equal(t, 0, st.conversationSet)

	conv, err := st.GetConversation(ctx, "alice", convID)
	require.NoError(t, err)
	assert.True(t, conv.UpdatedAt.Equal(st.later), "updatedAt went back to %s", conv.UpdatedAt)

	msgs, err := st.GetMessages(ctx, "alice", convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].CreatedAt.Before(st.later))
}

func TestUpdateFeedback(t *testing.T) {
	f := newHistoryFixture(t, store.NewMemoryStore(true))
	ctx := context.Background()
	convID := f.start(t, "alice")
	require.NoError(t, f.svc.AppendTurn(ctx, "alice", convID, []ChatMessage{{ID: "a1", Role: "assistant", Content: "x"}}))

	msg, err := f.svc.UpdateFeedback(ctx, "alice", "a1", "positive")
	require.NoError(t, err)
	require.NotNil(t, msg.Feedback)
	assert.Equal(t, "positive", *msg.Feedback)

	again, err := f.svc.UpdateFeedback(ctx, "alice", "a1", "positive")
	require.NoError(t, err)
	assert.Equal(t, *msg.Feedback, *again.Feedback)

	_, err = f.svc.UpdateFeedback(ctx, "bob", "a1", "negative")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorContains(t, err, "Unable to update message a1")

	_, err = f.svc.UpdateFeedback(ctx, "alice", "", "positive")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = f.svc.UpdateFeedback(ctx, "alice", "a1", "")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRename(t *testing.T) {
	f := newHistoryFixture(t, store.NewMemoryStore(false))
	ctx := context.Background()
	convID := f.start(t, "alice")

	conv, err := f.svc.Rename(ctx, "alice", convID, "Renamed")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", conv.Title)

	_, err = f.svc.Rename(ctx, "alice", "missing", "")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = f.svc.Rename(ctx, "alice", "", "x")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = f.svc.Rename(ctx, "alice", "missing", "x")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = f.svc.Rename(ctx, "bob", convID, "x")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestReadAndList(t *testing.T) {
	f := newHistoryFixture(t, store.NewMemoryStore(false))
	ctx := context.Background()

	_, err := f.svc.List(ctx, "alice", 0, 0)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	first := f.start(t, "alice")
	second := f.start(t, "alice")

	convs, err := f.svc.List(ctx, "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, second, convs[0].ID)
	assert.Equal(t, first, convs[1].ID)

	convs, err = f.svc.List(ctx, "alice", 1, 1)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, first, convs[0].ID)

	conv, msgs, err := f.svc.Read(ctx, "alice", first)
	require.NoError(t, err)
	assert.Equal(t, first, conv.ID)
	assert.Len(t, msgs, 1)

	_, _, err = f.svc.Read(ctx, "bob", first)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDeleteConversation(t *testing.T) {
	f := newHistoryFixture(t, store.NewMemoryStore(false))
	ctx := context.Background()
	convID := f.start(t, "alice")

	require.NoError(t, f.svc.DeleteConversation(ctx, "alice", convID))
	_, err := f.store.GetConversation(ctx, "alice", convID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	msgs, err := f.store.GetMessages(ctx, "alice", convID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.NoError(t, f.svc.DeleteConversation(ctx, "alice", convID))
	assert.ErrorIs(t, f.svc.DeleteConversation(ctx, "alice", ""), apperrors.ErrValidation)
}

func TestDeleteAll(t *testing.T) {
	f := newHistoryFixture(t, store.NewMemoryStore(false))
	ctx := context.Background()
	for range 6 {
		f.start(t, "alice")
	}
	kept := f.start(t, "bob")

	n, err := f.svc.DeleteAll(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	_, err = f.svc.List(ctx, "alice", 0, 0)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = f.svc.DeleteAll(ctx, "alice")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.store.GetConversation(ctx, "bob", kept)
	assert.NoError(t, err)
}

func TestClearMessages(t *testing.T) {
	f := newHistoryFixture(t, store.NewMemoryStore(false))
	ctx := context.Background()
	convID := f.start(t, "alice")
	require.NoError(t, f.svc.AppendTurn(ctx, "alice", convID, []ChatMessage{{ID: "a1", Role: "assistant", Content: "x"}}))

	n, err := f.svc.ClearMessages(ctx, "alice", convID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	conv, msgs, err := f.svc.Read(ctx, "alice", convID)
	require.NoError(t, err)
	assert.Equal(t, convID, conv.ID)
	assert.Empty(t, msgs)
}

func TestHistoryNotConfigured(t *testing.T) {
	f := newHistoryFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.StartOrContinue(ctx, userPayload("Hi"), auth.SampleUser, http.Header{})
	assert.ErrorIs(t, err, ErrHistoryNotConfigured)
	_, err = f.svc.List(ctx, "alice", 0, 0)
	assert.ErrorIs(t, err, ErrHistoryNotConfigured)

	res, err := f.svc.Converse(ctx, userPayload("Hi"), auth.SampleUser, http.Header{})
	require.NoError(t, err)
	assert.NotNil(t, res.Single)
}

func TestEnsureStoreHealthy(t *testing.T) {
	tests := []struct {
		name   string
		store  store.HistoryStore
		health StoreHealth
	}{
		{"healthy", store.NewMemoryStore(false), StoreHealthy},
		{"not configured", nil, StoreMisconfigured},
		{"bad container", store.NewUnavailableStore(apperrors.Configuration("Invalid container name %q", "nope")), StoreMisconfigured},
		{"bad credentials", store.NewUnavailableStore(apperrors.New(apperrors.KindAuth, "open", "Invalid credentials")), StoreMisconfigured},
		{"unreachable", store.NewUnavailableStore(apperrors.Wrap(apperrors.KindUnavailable, "open", fmt.Errorf("dial tcp: timeout"))), StoreUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHistoryFixture(t, tt.store)
			health, err := f.svc.EnsureStoreHealthy(context.Background())
			assert.Equal(t, tt.health, health)
			if tt.health == StoreHealthy {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestMonotonicClock(t *testing.T) {
	c := NewMonotonicClock(fixedNow)
	prev := c.Now()
	for range 100 {
		next := c.Now()
		assert.True(t, next.After(prev))
		assert.Equal(t, next, next.Truncate(time.Microsecond))
		prev = next
	}
	assert.Equal(t, time.UTC, prev.Location())
}

func TestCleanTitle(t *testing.T) {
	tests := map[string]string{
		`"Go: the programming language, explained!"`: "Go the programming language",
		"Short title":           "Short title",
		"  spaced   out\ttitle ": "spaced out title",
		"!!!":                   "",
	}
	for in, want := range tests {
		assert.Equal(t, want, cleanTitle(in), in)
	}
}

func TestTitleGenerator_NoProvider(t *testing.T) {
	g := NewTitleGenerator(nil, "", nil, observability.Discard())
	title := g.Generate(context.Background(), []ChatMessage{
		{Role: "user", Content: "first"},
		{Role: "tool", Content: "citations"},
	})
	assert.Equal(t, "first", title)
}

// vanishingStore deletes the conversation right after the next message write.
type vanishingStore struct {
	store.HistoryStore
	armed bool
}

func (s *vanishingStore) UpsertMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	written, err := s.HistoryStore.UpsertMessage(ctx, msg)
	if err == nil && s.armed {
		err = s.HistoryStore.DeleteConversation(ctx, msg.UserID, msg.ConversationID)
	}
	return written, err
}

func TestAppendTurn_ConversationDeletedMidAppend(t *testing.T) {
	st := &vanishingStore{HistoryStore: store.NewMemoryStore(false)}
	f := newHistoryFixture(t, st)
	ctx := context.Background()
	convID := f.start(t, "alice")

	st.armed = true
	err := f.svc.AppendTurn(ctx, "alice", convID, []ChatMessage{{ID: "a1", Role: "assistant", Content: "late"}})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorContains(t, err, "Conversation not found for the given conversation ID: "+convID+".")

	msgs, err := st.GetMessages(ctx, "alice", convID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
