package store

import (
	"context"
)

// UnavailableStore stands in for a backend that failed to open. Every
// operation returns the classified open error, so health probes and
// history endpoints report why the store is not working.
type UnavailableStore struct {
	err error
}

func NewUnavailableStore(err error) *UnavailableStore {
	return &UnavailableStore{err: err}
}

func (s *UnavailableStore) UpsertConversation(context.Context, *Conversation) (*Conversation, error) {
	return nil, s.err
}

func (s *UnavailableStore) GetConversation(context.Context, string, string) (*Conversation, error) {
	return nil, s.err
}

func (s *UnavailableStore) ListConversations(context.Context, string, ListOptions) ([]*Conversation, error) {
	return nil, s.err
}

func (s *UnavailableStore) DeleteConversation(context.Context, string, string) error { return s.err }

func (s *UnavailableStore) UpsertMessage(context.Context, *Message) (*Message, error) {
	return nil, s.err
}

func (s *UnavailableStore) GetMessages(context.Context, string, string) ([]*Message, error) {
	return nil, s.err
}

func (s *UnavailableStore) DeleteMessages(context.Context, string, string) (int, error) {
	return 0, s.err
}

func (s *UnavailableStore) UpdateMessageFeedback(context.Context, string, string, string) (*Message, error) {
	return nil, s.err
}

func (s *UnavailableStore) Ensure(context.Context) error { return s.err }

func (s *UnavailableStore) Close() error { return nil }
