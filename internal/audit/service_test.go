package audit_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/medaudit/internal/audit"
	"github.com/jmerrifield20/medaudit/internal/auditledger"
	"github.com/jmerrifield20/medaudit/internal/blockstore"
	"go.uber.org/zap"
)

var ctx = context.Background()

var errDiskFull = errors.New("disk full")

// failingGateway wraps a MemoryStore and fails the Nth Append call (1-based).
type failingGateway struct {
	*blockstore.MemoryStore
	mu     sync.Mutex
	calls  int
	failOn int
}

func (g *failingGateway) Append(ctx context.Context, row auditledger.Row) error {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()
	if n == g.failOn {
		return errDiskFull
	}
	return g.MemoryStore.Append(ctx, row)
}

// stubMetrics records what the service reports.
type stubMetrics struct {
	mu            sync.Mutex
	outcomes      []string
	rollbacks     int
	verifications []auditledger.VerificationResult
}

func (m *stubMetrics) ObserveAppend(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *stubMetrics) ObserveRollback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks++
}

func (m *stubMetrics) ObserveVerification(res auditledger.VerificationResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications = append(m.verifications, res)
}

func newLedger(t *testing.T) *auditledger.Ledger {
	t.Helper()
	l, err := auditledger.New(auditledger.WithDifficulty(2))
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func newService(t *testing.T, gw audit.Gateway, opts ...audit.Option) *audit.Service {
	t.Helper()
	svc := audit.NewService(newLedger(t), gw, zap.NewNop(), opts...)
	if err := svc.LoadPersisted(ctx); err != nil {
		t.Fatalf("LoadPersisted: %v", err)
	}
	return svc
}

func fact(action audit.Action) audit.AuditFact {
	rec := int64(17)
	return audit.AuditFact{
		Action:    action,
		UserID:    "dr-house",
		UserRole:  audit.RoleDoctor,
		PatientID: "patient-42",
		RecordID:  &rec,
		Timestamp: 1718000000123,
	}
}

func TestLoadPersisted_emptyStoreCreatesGenesis(t *testing.T) {
	store := blockstore.NewMemoryStore()
	svc := newService(t, store)

	if !svc.Ready() {
		t.Fatal("service should be ready")
	}
	if store.Len() != 1 || svc.Ledger().Len() != 1 {
		t.Fatalf("expected genesis in store and ledger, got %d/%d", store.Len(), svc.Ledger().Len())
	}
	rows, _ := store.LoadAll(ctx)
	if rows[0].Hash != svc.Ledger().Root() {
		t.Error("persisted genesis differs from in-memory genesis")
	}
	if !strings.HasPrefix(rows[0].Hash, "00") {
		t.Errorf("genesis hash %s does not start with 00", rows[0].Hash)
	}
}

func TestLoadPersisted_genesisWriteFails(t *testing.T) {
	gw := &failingGateway{MemoryStore: blockstore.NewMemoryStore(), failOn: 1}
	svc := audit.NewService(newLedger(t), gw, zap.NewNop())

	err := svc.LoadPersisted(ctx)
	var pf *auditledger.PersistenceFailure
	if !errors.As(err, &pf) {
		t.Fatalf("expected *PersistenceFailure, got %v", err)
	}
	if svc.Ready() {
		t.Error("service must not be ready")
	}
	if svc.Ledger().Len() != 0 {
		t.Errorf("genesis should have been rolled back, ledger has %d blocks", svc.Ledger().Len())
	}
	if _, err := svc.AddAudit(ctx, fact(audit.ActionView)); !errors.Is(err, audit.ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestLoadPersisted_restoresChain(t *testing.T) {
	store := blockstore.NewMemoryStore()
	first := newService(t, store)
	for _, a := range []audit.Action{audit.ActionCreate, audit.ActionView, audit.ActionUpdate} {
		if _, err := first.AddAudit(ctx, fact(a)); err != nil {
			t.Fatal(err)
		}
	}

	second := newService(t, store)
	if second.Ledger().Len() != 4 {
		t.Errorf("restored %d blocks, want 4", second.Ledger().Len())
	}
	if second.Ledger().Root() != first.Ledger().Root() {
		t.Error("restored root differs")
	}
	b, err := second.AddAudit(ctx, fact(audit.ActionDelete))
	if err != nil {
		t.Fatal(err)
	}
	if b.Index != 4 || b.PreviousHash != first.Ledger().Root() {
		t.Errorf("append after restore: idx=%d prev=%s", b.Index, b.PreviousHash)
	}
}

func TestLoadPersisted_corruptStoreIsFatal(t *testing.T) {
	store := blockstore.NewMemoryStore()
	first := newService(t, store)
	first.AddAudit(ctx, fact(audit.ActionCreate))
	first.AddAudit(ctx, fact(audit.ActionView))

	store.Tamper(2, func(r *auditledger.Row) {
		r.PayloadJSON = strings.Replace(r.PayloadJSON, "VIEW", "DELETE", 1)
	})

	m := &stubMetrics{}
	svc := audit.NewService(newLedger(t), store, zap.NewNop(), audit.WithMetrics(m))
	err := svc.LoadPersisted(ctx)

	var cc *auditledger.ChainCorruption
	if !errors.As(err, &cc) {
		t.Fatalf("expected *ChainCorruption, got %v", err)
	}
	if cc.Index != 2 || cc.Kind != auditledger.FaultHashMismatch {
		t.Errorf("got %s at %d", cc.Kind, cc.Index)
	}
	if svc.Ready() {
		t.Error("corrupt ledger must not become ready")
	}
	if len(m.verifications) != 1 || m.verifications[0].Valid {
		t.Errorf("verifications reported: %+v", m.verifications)
	}
	if last, ok := svc.LastVerification(); !ok || last.Valid {
		t.Errorf("last verification should record the failure: %+v", last)
	}
}

func TestAddAudit_exampleScenario(t *testing.T) {
	store := blockstore.NewMemoryStore()
	svc := newService(t, store)

	b, err := svc.AddAudit(ctx, audit.AuditFact{
		Action:    audit.ActionCreate,
		UserID:    "u1",
		UserRole:  audit.RoleDoctor,
		PatientID: "p1",
		Timestamp: 1718000000000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if b.Index != 1 || !strings.HasPrefix(b.Hash, "00") {
		t.Errorf("block 1: idx=%d hash=%s", b.Index, b.Hash)
	}

	res := svc.VerifyChain(ctx)
	if !res.Valid || res.ChainLength != 2 {
		t.Fatalf("expected valid chain of 2, got %+v", res)
	}

	// An out-of-band edit to the stored row is caught on the next load.
	store.Tamper(1, func(r *auditledger.Row) {
		r.PayloadJSON = strings.Replace(r.PayloadJSON, "CREATE", "DELETE", 1)
	})
	reloaded := audit.NewService(newLedger(t), store, zap.NewNop())
	err = reloaded.LoadPersisted(ctx)
	var cc *auditledger.ChainCorruption
	if !errors.As(err, &cc) || cc.Index != 1 || cc.Kind != auditledger.FaultHashMismatch {
		t.Fatalf("expected HASH_MISMATCH at 1, got %v", err)
	}
}

func TestAddAudit_rollsBackFailedWrite(t *testing.T) {
	for _, failOn := range []int{2, 3, 5} {
		gw := &failingGateway{MemoryStore: blockstore.NewMemoryStore(), failOn: failOn}
		metrics := &stubMetrics{}
		var rolledBack []int
		svc := newService(t, gw, audit.WithMetrics(metrics))
		svc.OnRollback(func(idx int) { rolledBack = append(rolledBack, idx) })

		var failures int
		for i := 0; i < 5; i++ {
			_, err := svc.AddAudit(ctx, fact(audit.ActionView))
			var pf *auditledger.PersistenceFailure
			if errors.As(err, &pf) {
				failures++
				if !errors.Is(err, errDiskFull) {
					t.Errorf("failOn=%d: cause not preserved: %v", failOn, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("failOn=%d: unexpected error %v", failOn, err)
			}
		}

		if failures != 1 {
			t.Errorf("failOn=%d: expected 1 failure, got %d", failOn, failures)
		}
		if svc.Ledger().Len() != gw.Len() {
			t.Errorf("failOn=%d: ledger has %d blocks, store has %d", failOn, svc.Ledger().Len(), gw.Len())
		}
		if gw.Len() != 5 {
			t.Errorf("failOn=%d: expected 5 stored blocks, got %d", failOn, gw.Len())
		}
		if res := svc.VerifyChain(ctx); !res.Valid {
			t.Errorf("failOn=%d: chain invalid after rollback: %+v", failOn, res)
		}
		if metrics.rollbacks != 1 || len(rolledBack) != 1 {
			t.Errorf("failOn=%d: rollbacks metric=%d hook=%v", failOn, metrics.rollbacks, rolledBack)
		}
	}
}

func TestAddAudit_invalidFact(t *testing.T) {
	store := blockstore.NewMemoryStore()
	svc := newService(t, store)

	tests := []struct {
		name   string
		mutate func(*audit.AuditFact)
	}{
		{"bad action", func(f *audit.AuditFact) { f.Action = "PRINT" }},
		{"bad role", func(f *audit.AuditFact) { f.UserRole = "NURSE" }},
		{"missing user", func(f *audit.AuditFact) { f.UserID = "" }},
		{"missing patient", func(f *audit.AuditFact) { f.PatientID = "" }},
		{"zero timestamp", func(f *audit.AuditFact) { f.Timestamp = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := fact(audit.ActionView)
			tt.mutate(&f)
			if _, err := svc.AddAudit(ctx, f); !errors.Is(err, audit.ErrInvalidFact) {
				t.Errorf("expected ErrInvalidFact, got %v", err)
			}
		})
	}
	if store.Len() != 1 {
		t.Errorf("invalid facts reached the store: %d rows", store.Len())
	}
}

func TestAddAudit_invalidUTF8MetadataKeepsStoreLoadable(t *testing.T) {
	store := blockstore.NewMemoryStore()
	svc := newService(t, store)

	f := fact(audit.ActionUpdate)
	f.Metadata = &audit.Metadata{
		ChangedFields:  []string{"name"},
		PreviousValues: map[string]string{"\xff": "Ann", "\xef\xbf\xbe": "Bob"},
	}
	_, err := svc.AddAudit(ctx, f)
	var encErr *auditledger.EncodingError
	if !errors.As(err, &encErr) {
		t.Fatalf("expected *EncodingError, got %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("rejected fact reached the store: %d rows", store.Len())
	}

	reloaded := audit.NewService(newLedger(t), store, zap.NewNop())
	if err := reloaded.LoadPersisted(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Ready() {
		t.Error("reloaded service not ready")
	}
}

func TestDurable_tracksPersistedBlocks(t *testing.T) {
	gw := &failingGateway{MemoryStore: blockstore.NewMemoryStore(), failOn: 3}
	svc := audit.NewService(newLedger(t), gw, zap.NewNop())
	if svc.Durable() != 0 {
		t.Fatalf("before load: %d", svc.Durable())
	}
	if err := svc.LoadPersisted(ctx); err != nil {
		t.Fatal(err)
	}
	if svc.Durable() != 1 {
		t.Errorf("after genesis: %d", svc.Durable())
	}
	if _, err := svc.AddAudit(ctx, fact(audit.ActionView)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddAudit(ctx, fact(audit.ActionView)); err == nil {
		t.Fatal("expected persistence failure")
	}
	if svc.Durable() != 2 {
		t.Errorf("after failed write: %d, want 2", svc.Durable())
	}

	reloaded := newService(t, gw.MemoryStore)
	if reloaded.Durable() != 2 {
		t.Errorf("after reload: %d, want 2", reloaded.Durable())
	}
}

func TestAddAudit_timeoutAppendsNothing(t *testing.T) {
	store := blockstore.NewMemoryStore()
	metrics := &stubMetrics{}
	svc := newService(t, store, audit.WithMetrics(metrics))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err := svc.AddAudit(cctx, fact(audit.ActionView))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if svc.Ledger().Len() != 1 || store.Len() != 1 {
		t.Errorf("cancelled append left state behind: ledger=%d store=%d", svc.Ledger().Len(), store.Len())
	}
	if got := metrics.outcomes[len(metrics.outcomes)-1]; got != audit.OutcomeTimeout {
		t.Errorf("outcome: got %s", got)
	}
}

func TestAddAudit_concurrentWritersStayConsistent(t *testing.T) {
	store := blockstore.NewMemoryStore()
	svc := newService(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.AddAudit(ctx, fact(audit.ActionView)); err != nil {
				t.Error(err)
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := svc.VerifyChain(ctx); !res.Valid {
				t.Errorf("verification observed an inconsistent chain: %+v", res)
			}
		}()
	}
	wg.Wait()

	if store.Len() != 11 || svc.Ledger().Len() != 11 {
		t.Errorf("ledger=%d store=%d, want 11", svc.Ledger().Len(), store.Len())
	}
}

func TestVerifyChain_reportsMetrics(t *testing.T) {
	metrics := &stubMetrics{}
	svc := newService(t, blockstore.NewMemoryStore(), audit.WithMetrics(metrics))
	svc.AddAudit(ctx, fact(audit.ActionCreate))

	res := svc.VerifyChain(ctx)
	if !res.Valid {
		t.Fatalf("expected valid: %+v", res)
	}
	if len(metrics.verifications) != 1 {
		t.Errorf("verification metric calls: %d", len(metrics.verifications))
	}
	last, ok := svc.LastVerification()
	if !ok || last.ChainLength != 2 {
		t.Errorf("last verification: %+v", last)
	}
}

func TestAuditFact_payload(t *testing.T) {
	f := fact(audit.ActionUpdate)
	f.Metadata = &audit.Metadata{
		ChangedFields:  []string{"dob"},
		PreviousValues: map[string]string{"dob": "1970-01-01"},
	}
	p := f.Payload()

	for _, k := range []string{"action", "userId", "userRole", "patientId", "recordId", "timestamp", "metadata"} {
		if _, ok := p[k]; !ok {
			t.Errorf("payload missing %q", k)
		}
	}
	if _, err := auditledger.CanonicalPayload(p); err != nil {
		t.Errorf("payload not encodable: %v", err)
	}

	f.RecordID = nil
	f.Metadata = nil
	p = f.Payload()
	if _, ok := p["recordId"]; ok {
		t.Error("recordId should be omitted when unset")
	}
	if _, ok := p["metadata"]; ok {
		t.Error("metadata should be omitted when unset")
	}
}
