package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
	"gwi.com/chat-history/internal/apperrors"
)

// BoltStore keeps the container as a top-level bucket with one nested
// bucket per user id. Documents are JSON keyed by their id.
type BoltStore struct {
	db             *bolt.DB
	path           string
	container      []byte
	enableFeedback bool
}

func NewBoltStore(path, container string, enableFeedback bool) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &apperrors.Error{Kind: apperrors.KindConfiguration, Op: "open",
			Msg: fmt.Sprintf("Invalid database name %q", path), Err: err}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		s := &BoltStore{path: path}
		return nil, s.classify("open", err)
	}
	s := &BoltStore{db: db, path: path, container: []byte(container), enableFeedback: enableFeedback}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(s.container)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, s.classify("init bucket", err)
	}
	return s, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

var errMissingContainer = errors.New("container bucket missing")

func (s *BoltStore) classify(op string, err error) error {
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, errMissingContainer):
		return &apperrors.Error{Kind: apperrors.KindConfiguration, Op: op,
			Msg: fmt.Sprintf("Invalid container name %q", string(s.container)), Err: err}
	case errors.Is(err, bolt.ErrTimeout), errors.Is(err, bolt.ErrDatabaseNotOpen),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperrors.Wrap(apperrors.KindUnavailable, op, err)
	case errors.Is(err, os.ErrPermission):
		return &apperrors.Error{Kind: apperrors.KindAuth, Op: op, Msg: "Invalid credentials", Err: err}
	case errors.Is(err, bolt.ErrInvalid), errors.Is(err, bolt.ErrVersionMismatch), errors.Is(err, os.ErrNotExist):
		return &apperrors.Error{Kind: apperrors.KindConfiguration, Op: op,
			Msg: fmt.Sprintf("Invalid database name %q", s.path), Err: err}
	}
	return apperrors.Wrap(apperrors.KindUnknown, op, err)
}

func (s *BoltStore) Ensure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return s.classify("ensure", err)
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(s.container) == nil {
			return errMissingContainer
		}
		return nil
	})
	if err != nil {
		return s.classify("ensure", err)
	}
	return nil
}

// view runs fn against the user's partition; a user without a bucket
// yields a nil bucket.
func (s *BoltStore) view(ctx context.Context, op, userID string, fn func(b *bolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return s.classify(op, err)
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(s.container)
		if root == nil {
			return errMissingContainer
		}
		return fn(root.Bucket([]byte(userID)))
	})
	if err != nil {
		return s.classify(op, err)
	}
	return nil
}

func (s *BoltStore) update(ctx context.Context, op, userID string, fn func(b *bolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return s.classify(op, err)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(s.container)
		if root == nil {
			return errMissingContainer
		}
		b, err := root.CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return err
		}
		return fn(b)
	})
	if err != nil {
		return s.classify(op, err)
	}
	return nil
}

type docHeader struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

func put(b *bolt.Bucket, id string, doc any) error {
	enc, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), enc)
}

func (s *BoltStore) UpsertConversation(ctx context.Context, conv *Conversation) (*Conversation, error) {
	c := prepareConversation(conv)
	err := s.update(ctx, "upsert conversation", c.UserID, func(b *bolt.Bucket) error {
		return put(b, c.ID, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *BoltStore) GetConversation(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	var conv *Conversation
	err := s.view(ctx, "get conversation", userID, func(b *bolt.Bucket) error {
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(conversationID))
		if raw == nil {
			return nil
		}
		var c Conversation
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		if c.Type == KindConversation {
			conv = &c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperrors.NotFound("conversation %s not found", conversationID)
	}
	return conv, nil
}

func (s *BoltStore) ListConversations(ctx context.Context, userID string, opts ListOptions) ([]*Conversation, error) {
	var convs []*Conversation
	err := s.view(ctx, "list conversations", userID, func(b *bolt.Bucket) error {
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var h docHeader
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			if h.Type != KindConversation {
				return nil
			}
			var c Conversation
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			convs = append(convs, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return pageConversations(convs, opts), nil
}

func (s *BoltStore) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	return s.update(ctx, "delete conversation", userID, func(b *bolt.Bucket) error {
		raw := b.Get([]byte(conversationID))
		if raw == nil {
			return nil
		}
		var h docHeader
		if err := json.Unmarshal(raw, &h); err != nil {
			return err
		}
		if h.Type != KindConversation {
			return nil
		}
		return b.Delete([]byte(conversationID))
	})
}

func (s *BoltStore) UpsertMessage(ctx context.Context, msg *Message) (*Message, error) {
	m := prepareMessage(msg, s.enableFeedback)
	err := s.update(ctx, "upsert message", m.UserID, func(b *bolt.Bucket) error {
		if raw := b.Get([]byte(m.ID)); raw != nil {
			var existing Message
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			keepFeedback(m, &existing)
		}
		return put(b, m.ID, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *BoltStore) GetMessages(ctx context.Context, userID, conversationID string) ([]*Message, error) {
	var msgs []*Message
	err := s.view(ctx, "get messages", userID, func(b *bolt.Bucket) error {
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var h docHeader
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			if h.Type != KindMessage || h.ConversationID != conversationID {
				return nil
			}
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			msgs = append(msgs, &m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortMessages(msgs)
	return msgs, nil
}

func (s *BoltStore) DeleteMessages(ctx context.Context, conversationID, userID string) (int, error) {
	var deleted int
	err := s.update(ctx, "delete messages", userID, func(b *bolt.Bucket) error {
		// Keys are collected first; the cursor is invalidated by Delete.
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var h docHeader
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			if h.Type == KindMessage && h.ConversationID == conversationID {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *BoltStore) UpdateMessageFeedback(ctx context.Context, userID, messageID, feedback string) (*Message, error) {
	var msg *Message
	err := s.update(ctx, "update feedback", userID, func(b *bolt.Bucket) error {
		raw := b.Get([]byte(messageID))
		if raw == nil {
			return nil
		}
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		if m.Type != KindMessage {
			return nil
		}
		m.Feedback = &feedback
		msg = &m
		return put(b, m.ID, &m)
	})
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, apperrors.NotFound("message %s not found", messageID)
	}
	return msg, nil
}

// pageConversations sorts by UpdatedAt and applies offset and limit.
func pageConversations(convs []*Conversation, opts ListOptions) []*Conversation {
	opts = opts.normalized()
	sort.SliceStable(convs, func(i, j int) bool {
		if opts.Sort == SortAsc {
			return convs[i].UpdatedAt.Before(convs[j].UpdatedAt)
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	if opts.Offset >= len(convs) {
		return nil
	}
	convs = convs[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(convs) {
		convs = convs[:opts.Limit]
	}
	return convs
}

func sortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
