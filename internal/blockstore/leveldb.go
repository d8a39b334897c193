package blockstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jmerrifield20/medaudit/internal/auditledger"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// blockPrefix namespaces block rows. Indices are zero padded so that key
// order matches index order.
var blockPrefix = []byte("blk/")

func blockKey(index int) []byte {
	return fmt.Appendf(nil, "%s%020d", blockPrefix, index)
}

// LevelDBStore persists blocks as JSON values in a LevelDB database.
type LevelDBStore struct {
	mu     sync.Mutex // serialises the existence check and the write
	db     *leveldb.DB
	logger *zap.Logger
}

// OpenLevelDB opens (or creates) the database directory at path.
func OpenLevelDB(path string, logger *zap.Logger) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	logger.Info("leveldb block store opened", zap.String("path", path))
	return NewLevelDBStore(db, logger), nil
}

// NewLevelDBStore wraps an open database. Close closes it.
func NewLevelDBStore(db *leveldb.DB, logger *zap.Logger) *LevelDBStore {
	return &LevelDBStore{db: db, logger: logger}
}

// Append implements Store.
func (s *LevelDBStore) Append(_ context.Context, row auditledger.Row) error {
	value, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode block %d: %w", row.Index, err)
	}
	key := blockKey(row.Index)

	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has(key, nil)
	if err != nil {
		return fmt.Errorf("check block %d: %w", row.Index, err)
	}
	if ok {
		return fmt.Errorf("%w: %d", ErrDuplicateIndex, row.Index)
	}
	if err := s.db.Put(key, value, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write block %d: %w", row.Index, err)
	}
	return nil
}

// LoadAll implements Store.
func (s *LevelDBStore) LoadAll(_ context.Context) ([]auditledger.Row, error) {
	it := s.db.NewIterator(util.BytesPrefix(blockPrefix), nil)
	defer it.Release()

	var out []auditledger.Row
	for it.Next() {
		var r auditledger.Row
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Key(), err)
		}
		out = append(out, r)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
