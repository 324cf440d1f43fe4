package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gwi.com/chat-history/internal/apperrors"
)

// dialect isolates the few places where SQLite and Postgres differ.
type dialect interface {
	// rebind rewrites '?' placeholders into the driver's native form.
	rebind(query string) string
	tableExists(ctx context.Context, db *sql.DB, table string) (bool, error)
	// classify maps a driver error onto the apperrors taxonomy.
	classify(op string, err error) error
}

// sqlStore keeps both document kinds in one table per container,
// keyed by (user_id, id). Conversations leave the message columns empty.
type sqlStore struct {
	db             *sql.DB
	dialect        dialect
	container      string
	enableFeedback bool
}

func (s *sqlStore) table() string {
	return `"` + s.container + `"`
}

func (s *sqlStore) q(query string) string {
	return s.dialect.rebind(strings.ReplaceAll(query, "{table}", s.table()))
}

func (s *sqlStore) initSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS {table} (
        user_id TEXT NOT NULL,
        id TEXT NOT NULL,
        type TEXT NOT NULL,
        conversation_id TEXT NOT NULL DEFAULT '',
        title TEXT NOT NULL DEFAULT '',
        role TEXT NOT NULL DEFAULT '',
        content TEXT NOT NULL DEFAULT '',
        feedback TEXT,
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL,
        PRIMARY KEY (user_id, id)
    );
    CREATE INDEX IF NOT EXISTS "` + s.container + `_by_updated" ON {table} (user_id, type, updated_at);
    CREATE INDEX IF NOT EXISTS "` + s.container + `_by_conversation" ON {table} (user_id, conversation_id, created_at);
    `
	if _, err := s.db.ExecContext(ctx, strings.ReplaceAll(schema, "{table}", s.table())); err != nil {
		return s.dialect.classify("init schema", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) Ensure(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.dialect.classify("ensure", err)
	}
	ok, err := s.dialect.tableExists(ctx, s.db, s.container)
	if err != nil {
		return s.dialect.classify("ensure", err)
	}
	if !ok {
		return apperrors.Configuration("Invalid container name %q", s.container)
	}
	return nil
}

func (s *sqlStore) UpsertConversation(ctx context.Context, conv *Conversation) (*Conversation, error) {
	c := prepareConversation(conv)
	_, err := s.db.ExecContext(ctx, s.q(`
        INSERT INTO {table} (user_id, id, type, title, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (user_id, id) DO UPDATE SET
            title = excluded.title,
            created_at = excluded.created_at,
            updated_at = excluded.updated_at`),
		c.UserID, c.ID, c.Type, c.Title, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return nil, s.dialect.classify("upsert conversation", err)
	}
	return c, nil
}

func (s *sqlStore) GetConversation(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
        SELECT id, user_id, title, created_at, updated_at
        FROM {table}
        WHERE user_id = ? AND id = ? AND type = ?`),
		userID, conversationID, KindConversation)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("conversation %s not found", conversationID)
		}
		return nil, s.dialect.classify("get conversation", err)
	}
	return conv, nil
}

func (s *sqlStore) ListConversations(ctx context.Context, userID string, opts ListOptions) ([]*Conversation, error) {
	opts = opts.normalized()
	limit := opts.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}
	// Sort is one of two constants after normalization.
	rows, err := s.db.QueryContext(ctx, s.q(`
        SELECT id, user_id, title, created_at, updated_at
        FROM {table}
        WHERE user_id = ? AND type = ?
        ORDER BY updated_at `+string(opts.Sort)+`
        LIMIT ? OFFSET ?`),
		userID, KindConversation, limit, opts.Offset)
	if err != nil {
		return nil, s.dialect.classify("list conversations", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, s.dialect.classify("list conversations", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dialect.classify("list conversations", err)
	}
	return convs, nil
}

func (s *sqlStore) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM {table} WHERE user_id = ? AND id = ? AND type = ?`),
		userID, conversationID, KindConversation)
	if err != nil {
		return s.dialect.classify("delete conversation", err)
	}
	return nil
}

func (s *sqlStore) UpsertMessage(ctx context.Context, msg *Message) (*Message, error) {
	m := prepareMessage(msg, s.enableFeedback)
	var feedback sql.NullString
	if m.Feedback != nil {
		feedback = sql.NullString{String: *m.Feedback, Valid: true}
	}
	// feedback is left out of the conflict update; UpdateMessageFeedback owns it.
	var stored sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`
        INSERT INTO {table} (user_id, id, type, conversation_id, role, content, feedback, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (user_id, id) DO UPDATE SET
            conversation_id = excluded.conversation_id,
            role = excluded.role,
            content = excluded.content,
            created_at = excluded.created_at,
            updated_at = excluded.updated_at
        RETURNING feedback`),
		m.UserID, m.ID, m.Type, m.ConversationID, string(m.Role), m.Content, feedback,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt)).Scan(&stored)
	if err != nil {
		return nil, s.dialect.classify("upsert message", err)
	}
	if stored.Valid && m.Feedback != nil {
		m.Feedback = &stored.String
	}
	return m, nil
}

func (s *sqlStore) GetMessages(ctx context.Context, userID, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
        SELECT id, user_id, conversation_id, role, content, feedback, created_at, updated_at
        FROM {table}
        WHERE user_id = ? AND conversation_id = ? AND type = ?
        ORDER BY created_at ASC`),
		userID, conversationID, KindMessage)
	if err != nil {
		return nil, s.dialect.classify("get messages", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, s.dialect.classify("get messages", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dialect.classify("get messages", err)
	}
	return msgs, nil
}

func (s *sqlStore) DeleteMessages(ctx context.Context, conversationID, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM {table} WHERE user_id = ? AND conversation_id = ? AND type = ?`),
		userID, conversationID, KindMessage)
	if err != nil {
		return 0, s.dialect.classify("delete messages", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, s.dialect.classify("delete messages", err)
	}
	return int(affected), nil
}

func (s *sqlStore) UpdateMessageFeedback(ctx context.Context, userID, messageID, feedback string) (*Message, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE {table} SET feedback = ? WHERE user_id = ? AND id = ? AND type = ?`),
		feedback, userID, messageID, KindMessage)
	if err != nil {
		return nil, s.dialect.classify("update feedback", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, apperrors.NotFound("message %s not found", messageID)
	}

	row := s.db.QueryRowContext(ctx, s.q(`
        SELECT id, user_id, conversation_id, role, content, feedback, created_at, updated_at
        FROM {table}
        WHERE user_id = ? AND id = ? AND type = ?`),
		userID, messageID, KindMessage)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("message %s not found", messageID)
		}
		return nil, s.dialect.classify("update feedback", err)
	}
	return msg, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var conv Conversation
	var createdAt, updatedAt string
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("conversation %s: bad created_at: %w", conv.ID, err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("conversation %s: bad updated_at: %w", conv.ID, err)
	}
	conv.Type = KindConversation
	return &conv, nil
}

func scanMessage(row scanner) (*Message, error) {
	var msg Message
	var role, createdAt, updatedAt string
	var feedback sql.NullString
	if err := row.Scan(&msg.ID, &msg.UserID, &msg.ConversationID, &role, &msg.Content, &feedback, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("message %s: bad created_at: %w", msg.ID, err)
	}
	if msg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("message %s: bad updated_at: %w", msg.ID, err)
	}
	msg.Type = KindMessage
	msg.Role = Role(role)
	if feedback.Valid {
		msg.Feedback = &feedback.String
	}
	return &msg, nil
}

// questionToDollar rewrites '?' placeholders as $1, $2, ... Queries here
// never contain literal question marks.
func questionToDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
