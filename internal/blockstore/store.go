// Package blockstore persists sealed ledger blocks, one row per block.
// Stores only ever insert; there is no update or delete path.
package blockstore

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jmerrifield20/medaudit/internal/auditledger"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateIndex is returned by Append when a row with the same index
	// is already stored.
	ErrDuplicateIndex = errors.New("block index already stored")

	// ErrUnknownDriver is returned by Open for an unrecognised driver name.
	ErrUnknownDriver = errors.New("unknown store driver")
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverLevelDB  = "leveldb"
)

// Store is the durable side of the ledger.
type Store interface {
	// LoadAll returns every stored row in ascending index order.
	LoadAll(ctx context.Context) ([]auditledger.Row, error)
	// Append durably stores row, or returns an error and stores nothing.
	Append(ctx context.Context, row auditledger.Row) error
	Close() error
}

// Config selects and locates a backend.
type Config struct {
	Driver string // memory | postgres | sqlite | leveldb
	DSN    string // postgres connection string
	Path   string // sqlite file or leveldb directory
}

// Open builds the Store named by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.DSN, logger)
	case DriverSQLite:
		return OpenSQLite(ctx, cfg.Path, logger)
	case DriverLevelDB:
		return OpenLevelDB(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// KnownDriver reports whether name is accepted by Open.
func KnownDriver(name string) bool {
	switch name {
	case DriverMemory, DriverPostgres, DriverSQLite, DriverLevelDB:
		return true
	}
	return false
}

// SQL backends keep the nonce in a signed 64-bit column.
func nonceToColumn(nonce uint64) (int64, error) {
	if nonce > math.MaxInt64 {
		return 0, fmt.Errorf("nonce %d does not fit a BIGINT column", nonce)
	}
	return int64(nonce), nil
}
