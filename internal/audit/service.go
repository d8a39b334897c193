// Package audit turns audit facts into durable ledger blocks. It owns the
// ordering between the in-memory ledger and the block store.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmerrifield20/medaudit/internal/auditledger"
	"go.uber.org/zap"
)

// ErrNotReady is returned by AddAudit before LoadPersisted has succeeded.
var ErrNotReady = errors.New("audit ledger not loaded")

// Gateway is the durable block store. *blockstore.MemoryStore,
// *blockstore.SQLiteStore and friends satisfy it.
type Gateway interface {
	LoadAll(ctx context.Context) ([]auditledger.Row, error)
	Append(ctx context.Context, row auditledger.Row) error
}

// Metrics receives service-level observations. handler.LedgerMetrics
// satisfies it.
type Metrics interface {
	ObserveAppend(outcome string, elapsed time.Duration)
	ObserveRollback()
	ObserveVerification(res auditledger.VerificationResult)
}

// Append outcomes reported to Metrics.
const (
	OutcomeOK          = "ok"
	OutcomeInvalid     = "invalid"
	OutcomeTimeout     = "timeout"
	OutcomePersistence = "persistence_failure"
	OutcomeError       = "error"
)

// Option configures a Service.
type Option func(*Service)

// WithAppendTimeout bounds each AddAudit call, mining included.
// Zero disables the bound.
func WithAppendTimeout(d time.Duration) Option {
	return func(s *Service) { s.appendTimeout = d }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service is the single writer of the audit ledger.
type Service struct {
	// mu is held exclusively across ledger append, durable write and
	// rollback, and shared by verification.
	mu      sync.RWMutex
	ledger  *auditledger.Ledger
	gateway Gateway
	logger  *zap.Logger
	ready   atomic.Bool
	// durable counts blocks known to be in the store. It only grows while
	// the service is running.
	durable atomic.Int64

	appendTimeout time.Duration
	metrics       Metrics

	hookMu     sync.Mutex
	onRollback []func(index int)
}

// NewService creates a Service. Call LoadPersisted before AddAudit.
func NewService(ledger *auditledger.Ledger, gateway Gateway, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{ledger: ledger, gateway: gateway, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnRollback registers fn to run after a block is popped because its durable
// write failed. Caches of sealed blocks use it to drop the stale entry.
func (s *Service) OnRollback(fn func(index int)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onRollback = append(s.onRollback, fn)
}

// LoadPersisted restores the ledger from the store. An empty store gets a
// freshly mined genesis block, which is persisted before the service becomes
// ready. A stored chain that fails verification is returned as a
// *auditledger.ChainCorruption and the service stays not ready.
func (s *Service) LoadPersisted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.gateway.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load persisted blocks: %w", err)
	}

	if len(rows) == 0 {
		g, err := s.ledger.Genesis(ctx)
		if err != nil {
			return fmt.Errorf("create genesis: %w", err)
		}
		if err := s.persist(ctx, g); err != nil {
			return err
		}
		s.logger.Info("new ledger initialised", zap.String("genesis", g.Hash))
		s.durable.Store(1)
		s.ready.Store(true)
		return nil
	}

	res, err := s.ledger.LoadFrom(ctx, rows)
	s.observeVerification(res)
	if err != nil {
		s.logger.Error("persisted ledger failed verification", zap.Error(err))
		return err
	}
	s.logger.Info("persisted ledger restored",
		zap.Int("blocks", res.ChainLength),
		zap.String("root", res.LastHash),
	)
	s.durable.Store(int64(s.ledger.Len()))
	s.ready.Store(true)
	return nil
}

// AddAudit validates fact, seals it into the next block and persists it.
// If the durable write fails the block is removed again and a
// *auditledger.PersistenceFailure is returned, so the in-memory chain and the
// store never diverge.
func (s *Service) AddAudit(ctx context.Context, fact AuditFact) (*auditledger.Block, error) {
	start := time.Now()
	if !s.Ready() {
		return nil, ErrNotReady
	}
	if err := fact.Validate(); err != nil {
		s.observeAppend(OutcomeInvalid, start)
		return nil, err
	}

	if s.appendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.appendTimeout)
		defer cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.ledger.Append(ctx, fact.Payload())
	if err != nil {
		s.observeAppend(appendOutcome(err), start)
		return nil, fmt.Errorf("add audit: %w", err)
	}
	if err := s.persist(ctx, b); err != nil {
		s.observeAppend(OutcomePersistence, start)
		return nil, err
	}

	s.durable.Store(int64(b.Index) + 1)
	s.observeAppend(OutcomeOK, start)
	s.logger.Info("audit fact sealed",
		zap.Int("idx", b.Index),
		zap.String("hash", b.Hash),
		zap.String("action", string(fact.Action)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return b, nil
}

// persist writes b to the gateway, popping it from the ledger on failure.
// Must be called with s.mu held.
func (s *Service) persist(ctx context.Context, b *auditledger.Block) error {
	row, err := b.Row()
	if err == nil {
		err = s.gateway.Append(ctx, row)
	}
	if err == nil {
		return nil
	}

	s.logger.Error("block persistence failed, rolling back",
		zap.Int("idx", b.Index),
		zap.String("hash", b.Hash),
		zap.Error(err),
	)
	if popErr := s.ledger.PopLast(b.Hash); popErr != nil {
		s.logger.Error("rollback failed", zap.Int("idx", b.Index), zap.Error(popErr))
	}
	if s.metrics != nil {
		s.metrics.ObserveRollback()
	}
	s.fireRollback(b.Index)
	return &auditledger.PersistenceFailure{Index: b.Index, Err: err}
}

func (s *Service) fireRollback(index int) {
	s.hookMu.Lock()
	hooks := append([]func(int){}, s.onRollback...)
	s.hookMu.Unlock()
	for _, fn := range hooks {
		fn(index)
	}
}

// VerifyChain verifies the whole ledger. It never runs concurrently with an
// append. The result is returned to the caller, which owns alerting; later
// appends are still accepted after a failure.
func (s *Service) VerifyChain(ctx context.Context) auditledger.VerificationResult {
	s.mu.RLock()
	res := s.ledger.Verify(ctx)
	s.mu.RUnlock()

	s.observeVerification(res)
	return res
}

// LastVerification returns the most recent verification result.
func (s *Service) LastVerification() (auditledger.VerificationResult, bool) {
	return s.ledger.LastVerification()
}

// Durable returns how many blocks, counted from genesis, have been written to
// the store. A block below this index can no longer be rolled back.
func (s *Service) Durable() int { return int(s.durable.Load()) }

// Ready reports whether LoadPersisted has succeeded.
func (s *Service) Ready() bool { return s.ready.Load() }

// Ledger exposes the ledger for read-only queries.
func (s *Service) Ledger() *auditledger.Ledger { return s.ledger }

func (s *Service) observeVerification(res auditledger.VerificationResult) {
	if s.metrics != nil {
		s.metrics.ObserveVerification(res)
	}
}

func (s *Service) observeAppend(outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveAppend(outcome, time.Since(start))
	}
}

func appendOutcome(err error) string {
	var encErr *auditledger.EncodingError
	switch {
	case errors.As(err, &encErr):
		return OutcomeInvalid
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}
