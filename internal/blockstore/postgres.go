package blockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/medaudit/internal/auditledger"
	"go.uber.org/zap"
)

// pgUniqueViolation is the SQLSTATE raised on a primary key conflict.
const pgUniqueViolation = "23505"

// PostgresStore persists blocks to the audit_blocks table. The schema is
// created by migrations/001_audit_blocks.up.sql.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	owned  bool
}

// NewPostgresStore wraps an existing pool. Close leaves the pool open.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// OpenPostgres connects to dsn and pings the server.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger, owned: true}, nil
}

// Append implements Store. The insert runs in its own transaction.
func (s *PostgresStore) Append(ctx context.Context, row auditledger.Row) error {
	nonce, err := nonceToColumn(row.Nonce)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_blocks (idx, timestamp, prev_hash, payload_json, nonce, hash)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		row.Index, row.Timestamp, row.PreviousHash, row.PayloadJSON, nonce, row.Hash,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %d", ErrDuplicateIndex, row.Index)
		}
		return fmt.Errorf("insert block %d: %w", row.Index, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit block %d: %w", row.Index, err)
	}

	s.logger.Debug("block persisted", zap.Int("idx", row.Index), zap.String("hash", row.Hash))
	return nil
}

// LoadAll implements Store.
func (s *PostgresStore) LoadAll(ctx context.Context) ([]auditledger.Row, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT idx, timestamp, prev_hash, payload_json, nonce, hash
		 FROM audit_blocks ORDER BY idx ASC`,
	)
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

// Close releases the pool if OpenPostgres created it.
func (s *PostgresStore) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}
