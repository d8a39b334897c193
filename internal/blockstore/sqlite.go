package blockstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmerrifield20/medaudit/internal/auditledger"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const (
	defaultSQLiteFile = "ledger.db"
	busyTimeoutMs     = 5000
)

// SQLiteStore persists blocks to a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	file   string
	logger *zap.Logger
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		path = defaultSQLiteFile
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", filepath.Clean(abs)))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps pragmas on a single connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, file: abs, logger: logger}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("sqlite block store opened", zap.String("file", abs))
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMs)); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	return s.ensureSchema(ctx)
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS audit_blocks (
	idx          INTEGER PRIMARY KEY,
	timestamp    REAL    NOT NULL,
	prev_hash    TEXT    NOT NULL,
	payload_json TEXT    NOT NULL,
	nonce        INTEGER NOT NULL,
	hash         TEXT    NOT NULL
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, row auditledger.Row) error {
	nonce, err := nonceToColumn(row.Nonce)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM audit_blocks WHERE idx = ?)`, row.Index,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check block %d: %w", row.Index, err)
	}
	if exists {
		return fmt.Errorf("%w: %d", ErrDuplicateIndex, row.Index)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_blocks (idx, timestamp, prev_hash, payload_json, nonce, hash)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.Index, row.Timestamp, row.PreviousHash, row.PayloadJSON, nonce, row.Hash,
	); err != nil {
		return fmt.Errorf("insert block %d: %w", row.Index, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit block %d: %w", row.Index, err)
	}
	return nil
}

// LoadAll implements Store.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]auditledger.Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, timestamp, prev_hash, payload_json, nonce, hash
		 FROM audit_blocks ORDER BY idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("query audit_blocks: %w", err)
	}
	defer rows.Close()

	var out []auditledger.Row
	for rows.Next() {
		var (
			r     auditledger.Row
			nonce int64
		)
		if err := rows.Scan(&r.Index, &r.Timestamp, &r.PreviousHash, &r.PayloadJSON, &nonce, &r.Hash); err != nil {
			return nil, fmt.Errorf("scan audit_blocks row: %w", err)
		}
		r.Nonce = uint64(nonce)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Exec runs a raw statement against the database. Only tests and ledgerctl
// maintenance use it.
func (s *SQLiteStore) Exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
