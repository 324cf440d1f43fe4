package store

import (
	"context"
	"sync"

	"gwi.com/chat-history/internal/apperrors"
)

type partition struct {
	conversations map[string]*Conversation
	messages      map[string]*Message
}

// MemoryStore is a process-local HistoryStore. Documents are copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu             sync.RWMutex
	partitions     map[string]*partition
	enableFeedback bool
}

func NewMemoryStore(enableFeedback bool) *MemoryStore {
	return &MemoryStore{
		partitions:     make(map[string]*partition),
		enableFeedback: enableFeedback,
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Ensure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "ensure", err)
	}
	return nil
}

// partitionFor must be called with the write lock held.
func (s *MemoryStore) partitionFor(userID string) *partition {
	p, ok := s.partitions[userID]
	if !ok {
		p = &partition{
			conversations: make(map[string]*Conversation),
			messages:      make(map[string]*Message),
		}
		s.partitions[userID] = p
	}
	return p
}

func (s *MemoryStore) UpsertConversation(_ context.Context, conv *Conversation) (*Conversation, error) {
	c := prepareConversation(conv)
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *c
	s.partitionFor(c.UserID).conversations[c.ID] = &stored
	return c, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, userID, conversationID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.partitions[userID]; ok {
		if c, ok := p.conversations[conversationID]; ok {
			cp := *c
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("conversation %s not found", conversationID)
}

func (s *MemoryStore) ListConversations(_ context.Context, userID string, opts ListOptions) ([]*Conversation, error) {
	s.mu.RLock()
	p, ok := s.partitions[userID]
	var convs []*Conversation
	if ok {
		for _, c := range p.conversations {
			cp := *c
			convs = append(convs, &cp)
		}
	}
	s.mu.RUnlock()

	return pageConversations(convs, opts), nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.partitions[userID]; ok {
		delete(p.conversations, conversationID)
	}
	return nil
}

func (s *MemoryStore) UpsertMessage(_ context.Context, msg *Message) (*Message, error) {
	m := prepareMessage(msg, s.enableFeedback)
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.partitionFor(m.UserID)
	keepFeedback(m, p.messages[m.ID])
	p.messages[m.ID] = copyMessage(m)
	return m, nil
}

func (s *MemoryStore) GetMessages(_ context.Context, userID, conversationID string) ([]*Message, error) {
	s.mu.RLock()
	var msgs []*Message
	if p, ok := s.partitions[userID]; ok {
		for _, m := range p.messages {
			if m.ConversationID == conversationID {
				msgs = append(msgs, copyMessage(m))
			}
		}
	}
	s.mu.RUnlock()

	sortMessages(msgs)
	return msgs, nil
}

func (s *MemoryStore) DeleteMessages(_ context.Context, conversationID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[userID]
	if !ok {
		return 0, nil
	}
	deleted := 0
	for id, m := range p.messages {
		if m.ConversationID == conversationID {
			delete(p.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) UpdateMessageFeedback(_ context.Context, userID, messageID, feedback string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.partitions[userID]; ok {
		if m, ok := p.messages[messageID]; ok {
			fb := feedback
			m.Feedback = &fb
			return copyMessage(m), nil
		}
	}
	return nil, apperrors.NotFound("message %s not found", messageID)
}

func copyMessage(m *Message) *Message {
	cp := *m
	if m.Feedback != nil {
		fb := *m.Feedback
		cp.Feedback = &fb
	}
	return &cp
}
