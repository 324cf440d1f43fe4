package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3" // SQLite driver
	"gwi.com/chat-history/internal/apperrors"
)

type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (creating if needed) the database at dataSourceName
// and the container table inside it.
func NewSQLiteStore(ctx context.Context, dataSourceName, container string, enableFeedback bool) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	d := sqliteDialect{database: dataSourceName}

	store := &SQLiteStore{sqlStore: &sqlStore{
		db:             db,
		dialect:        d,
		container:      container,
		enableFeedback: enableFeedback,
	}}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, d.classify("open", err)
	}
	if err = store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

type sqliteDialect struct {
	database string
}

func (sqliteDialect) rebind(query string) string { return query }

func (sqliteDialect) tableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
	return n > 0, err
}

func (d sqliteDialect) classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.Wrap(apperrors.KindUnavailable, op, err)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrCantOpen, sqlite3.ErrNotADB:
			return &apperrors.Error{Kind: apperrors.KindConfiguration, Op: op, Msg: fmt.Sprintf("Invalid database name %q", d.database), Err: err}
		case sqlite3.ErrAuth, sqlite3.ErrPerm:
			return &apperrors.Error{Kind: apperrors.KindAuth, Op: op, Msg: "Invalid credentials", Err: err}
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return apperrors.Wrap(apperrors.KindUnavailable, op, err)
		}
	}
	return apperrors.Wrap(apperrors.KindUnknown, op, err)
}
