package auditledger

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Recorder receives mining observations. handler.LedgerMetrics satisfies it.
type Recorder interface {
	ObserveMining(elapsed time.Duration, nonce uint64)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDifficulty sets the number of leading zero hex characters required of
// non-genesis block hashes.
func WithDifficulty(difficulty int) Option {
	return func(l *Ledger) { l.difficulty = difficulty }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithRecorder attaches a mining metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) { l.recorder = r }
}

// Ledger is the in-memory, append-only chain of sealed blocks. It is safe for
// concurrent use: appends are serialised, reads run in parallel.
type Ledger struct {
	mu         sync.RWMutex
	blocks     []*Block
	difficulty int

	now      func() time.Time
	logger   *zap.Logger
	recorder Recorder

	lastMu sync.Mutex
	last   *VerificationResult
}

// New creates an empty Ledger. Call Genesis or LoadFrom before Append.
func New(opts ...Option) (*Ledger, error) {
	l := &Ledger{
		difficulty: DefaultDifficulty,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(l)
	}
	if err := ValidateDifficulty(l.difficulty); err != nil {
		return nil, err
	}
	return l, nil
}

// Genesis seals and appends the genesis block. The ledger must be empty.
func (l *Ledger) Genesis(ctx context.Context) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.blocks) > 0 {
		return nil, ErrNotEmpty
	}
	b, err := l.seal(ctx, GenesisDraft(l.now()))
	if err != nil {
		return nil, err
	}
	l.blocks = append(l.blocks, b)

	l.logger.Info("genesis block sealed", zap.String("hash", b.Hash))
	return b.clone(), nil
}

// Append seals payload into the next block and adds it to the chain. On an
// empty ledger the new block links to GenesisPrevHash.
//
// The payload is encoded before mining starts; an *EncodingError leaves the
// ledger untouched. If ctx ends while mining, Append returns ctx's error and
// nothing is appended.
func (l *Ledger) Append(ctx context.Context, payload Payload) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, _, err := normalizePayload(payload); err != nil {
		return nil, err
	}

	b, err := l.seal(ctx, l.nextDraft(payload))
	if err != nil {
		return nil, err
	}
	l.blocks = append(l.blocks, b)

	l.logger.Debug("ledger block appended",
		zap.Int("idx", b.Index),
		zap.String("hash", b.Hash),
		zap.Uint64("nonce", b.Nonce),
	)
	return b.clone(), nil
}

// nextDraft must be called with l.mu held.
func (l *Ledger) nextDraft(payload Payload) Draft {
	d := Draft{
		Index:        len(l.blocks),
		Timestamp:    timestampOf(l.now()),
		PreviousHash: GenesisPrevHash,
		Payload:      payload,
	}
	if n := len(l.blocks); n > 0 {
		last := l.blocks[n-1]
		d.PreviousHash = last.Hash
		if d.Timestamp < last.Timestamp {
			d.Timestamp = last.Timestamp
		}
	}
	return d
}

type sealResult struct {
	block *Block
	err   error
}

// seal mines d on a worker goroutine. The caller commits the returned block;
// when ctx ends first the worker is told to stop, its result is dropped and
// nothing is committed.
func (l *Ledger) seal(ctx context.Context, d Draft) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("mine block %d: %w", d.Index, err)
	}

	done := make(chan sealResult, 1)
	stop := make(chan struct{})
	defer close(stop)
	start := time.Now()
	go func() {
		b, err := d.seal(l.difficulty, stop)
		done <- sealResult{block: b, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("mine block %d: %w", d.Index, r.err)
		}
		if l.recorder != nil {
			l.recorder.ObserveMining(time.Since(start), r.block.Nonce)
		}
		return r.block, nil
	case <-ctx.Done():
		l.logger.Warn("mining abandoned before commit",
			zap.Int("idx", d.Index),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(ctx.Err()),
		)
		return nil, fmt.Errorf("mine block %d: %w", d.Index, ctx.Err())
	}
}

// PopLast removes the tail block if its hash is expectedHash. It exists so
// that a block whose durable write failed can be rolled back.
func (l *Ledger) PopLast(expectedHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.blocks)
	if n == 0 {
		return ErrEmpty
	}
	tail := l.blocks[n-1]
	if tail.Hash != expectedHash {
		return fmt.Errorf("%w: tail %d has hash %s", ErrTailMismatch, tail.Index, tail.Hash)
	}
	l.blocks[n-1] = nil
	l.blocks = l.blocks[:n-1]

	l.logger.Warn("ledger block rolled back", zap.Int("idx", tail.Index), zap.String("hash", tail.Hash))
	return nil
}

// LoadFrom replaces the chain with blocks rebuilt from rows, ordered by
// index, and verifies it. A chain that fails verification is still loaded so
// it can be inspected, but a *ChainCorruption is returned alongside the result.
func (l *Ledger) LoadFrom(ctx context.Context, rows []Row) (VerificationResult, error) {
	sorted := slices.Clone(rows)
	slices.SortStableFunc(sorted, func(a, b Row) int { return cmp.Compare(a.Index, b.Index) })

	blocks := make([]*Block, 0, len(sorted))
	for _, r := range sorted {
		b, err := BlockFromRow(r)
		if err != nil {
			l.logger.Warn("undecodable ledger row", zap.Int("idx", r.Index), zap.Error(err))
			b = &Block{
				Index:        r.Index,
				Timestamp:    r.Timestamp,
				PreviousHash: r.PreviousHash,
				Nonce:        r.Nonce,
				Hash:         r.Hash,
				undecodable:  true,
			}
		}
		blocks = append(blocks, b)
	}

	l.mu.Lock()
	l.blocks = blocks
	l.mu.Unlock()

	res := l.Verify(ctx)
	if err := res.Err(); err != nil {
		return res, err
	}
	l.logger.Info("ledger loaded",
		zap.Int("blocks", res.ChainLength),
		zap.String("root", res.LastHash),
	)
	return res, nil
}

// Len returns the number of blocks including genesis.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

// Get returns a copy of the block at index.
func (l *Ledger) Get(index int) (*Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.blocks) {
		return nil, fmt.Errorf("%w: index %d", ErrBlockNotFound, index)
	}
	return l.blocks[index].clone(), nil
}

// Range returns copies of up to limit blocks starting at from.
func (l *Ledger) Range(from, limit int) []*Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from < 0 || from >= len(l.blocks) || limit <= 0 {
		return nil
	}
	end := min(from+limit, len(l.blocks))
	out := make([]*Block, 0, end-from)
	for _, b := range l.blocks[from:end] {
		out = append(out, b.clone())
	}
	return out
}

// Blocks returns copies of every block in index order.
func (l *Ledger) Blocks() []*Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Block, len(l.blocks))
	for i, b := range l.blocks {
		out[i] = b.clone()
	}
	return out
}

// Root returns the hash of the chain tip, or "" for an empty ledger.
func (l *Ledger) Root() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.blocks) == 0 {
		return ""
	}
	return l.blocks[len(l.blocks)-1].Hash
}

// Difficulty returns the configured difficulty.
func (l *Ledger) Difficulty() int { return l.difficulty }

// LastVerification returns the most recent Verify result, if any.
func (l *Ledger) LastVerification() (VerificationResult, bool) {
	l.lastMu.Lock()
	defer l.lastMu.Unlock()
	if l.last == nil {
		return VerificationResult{}, false
	}
	return *l.last, true
}

func (l *Ledger) recordVerification(res VerificationResult) {
	l.lastMu.Lock()
	defer l.lastMu.Unlock()
	l.last = &res
}
