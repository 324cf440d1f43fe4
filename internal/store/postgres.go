package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
	"gwi.com/chat-history/internal/apperrors"
)

type PostgresStore struct {
	*sqlStore
	database string
}

// NewPostgresStore connects with dsn and creates the container table if it
// is missing. database is the name the deployment expects to be connected
// to; Ensure reports a mismatch as a configuration error.
func NewPostgresStore(ctx context.Context, dsn, database, container string, enableFeedback bool) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store := &PostgresStore{
		sqlStore: &sqlStore{
			db:             db,
			dialect:        postgresDialect{database: database, container: container},
			container:      container,
			enableFeedback: enableFeedback,
		},
		database: database,
	}
	if err = store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Ensure(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.dialect.classify("ensure", err)
	}
	var current string
	if err := s.db.QueryRowContext(ctx, "SELECT current_database()").Scan(&current); err != nil {
		return s.dialect.classify("ensure", err)
	}
	if s.database != "" && current != s.database {
		return apperrors.Configuration("Invalid database name %q", s.database)
	}
	return s.sqlStore.Ensure(ctx)
}

type postgresDialect struct {
	database  string
	container string
}

func (postgresDialect) rebind(query string) string { return questionToDollar(query) }

func (postgresDialect) tableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM information_schema.tables
            WHERE table_schema = current_schema() AND table_name = $1
        )`, table).Scan(&exists)
	return exists, err
}

func (d postgresDialect) classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.Wrap(apperrors.KindUnavailable, op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "28":
			return &apperrors.Error{Kind: apperrors.KindAuth, Op: op, Msg: "Invalid credentials", Err: err}
		case pqErr.Code == "3D000":
			return &apperrors.Error{Kind: apperrors.KindConfiguration, Op: op, Msg: fmt.Sprintf("Invalid database name %q", d.database), Err: err}
		case pqErr.Code == "42P01":
			return &apperrors.Error{Kind: apperrors.KindConfiguration, Op: op, Msg: fmt.Sprintf("Invalid container name %q", d.container), Err: err}
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return apperrors.Wrap(apperrors.KindUnavailable, op, err)
		}
		return apperrors.Wrap(apperrors.KindUnknown, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) {
		return apperrors.Wrap(apperrors.KindUnavailable, op, err)
	}
	return apperrors.Wrap(apperrors.KindUnknown, op, err)
}
