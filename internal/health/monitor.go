// Package health runs periodic ledger verification and publishes the result
// as gRPC health status.
package health

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jmerrifield20/medaudit/internal/auditledger"
	"github.com/jmerrifield20/medaudit/internal/webhooks"
	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// LedgerService is the name reported to gRPC health clients for the ledger.
const LedgerService = "medaudit.Ledger"

// Config holds monitor configuration.
type Config struct {
	Interval      time.Duration
	VerifyTimeout time.Duration
}

// Verifier runs a full chain verification. *audit.Service satisfies it.
type Verifier interface {
	VerifyChain(ctx context.Context) auditledger.VerificationResult
	Ready() bool
}

// WebhookDispatchFunc is an optional callback for dispatching alerts.
type WebhookDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording monitor runs.
type MetricsRecordFunc func(valid bool)

// Event types passed to the webhook callback.
const (
	EventCorruption = webhooks.EventLedgerCorruption
	EventRecovered  = webhooks.EventLedgerRecovered
)

// Monitor verifies the ledger on a fixed interval and tracks validity
// transitions.
type Monitor struct {
	verifier  Verifier
	cfg       Config
	grpc      *grpchealth.Server // nil = no gRPC status
	onWebhook WebhookDispatchFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	mu    sync.Mutex
	valid bool
}

// NewMonitor creates a Monitor. The ledger is assumed valid until a
// verification says otherwise.
func NewMonitor(v Verifier, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.VerifyTimeout == 0 {
		cfg.VerifyTimeout = cfg.Interval
	}
	return &Monitor{verifier: v, cfg: cfg, logger: logger, valid: true}
}

// SetWebhookDispatch configures the alert callback.
func (m *Monitor) SetWebhookDispatch(fn WebhookDispatchFunc) {
	m.onWebhook = fn
}

// SetMetricsRecord configures the metrics callback.
func (m *Monitor) SetMetricsRecord(fn MetricsRecordFunc) {
	m.onMetrics = fn
}

// SetHealthServer attaches a gRPC health server. Its status is NOT_SERVING
// until the verifier is ready and the last verification passed.
func (m *Monitor) SetHealthServer(s *grpchealth.Server) {
	m.grpc = s
	m.publish()
}

// Valid reports whether the last observed verification passed.
func (m *Monitor) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

// Start runs the verification loop until stop is closed.
func (m *Monitor) Start(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.VerifyTimeout)
			m.CheckOnce(ctx)
			cancel()
		case <-stop:
			return
		}
	}
}

// CheckOnce verifies the ledger once and records the outcome. It does
// nothing before the verifier is ready.
func (m *Monitor) CheckOnce(ctx context.Context) (auditledger.VerificationResult, bool) {
	if !m.verifier.Ready() {
		m.publish()
		return auditledger.VerificationResult{}, false
	}
	res := m.verifier.VerifyChain(ctx)
	if m.onMetrics != nil {
		m.onMetrics(res.Valid)
	}
	m.Observe(res)
	return res, true
}

// Observe records a verification result obtained elsewhere, for example by
// an on-demand HTTP verify. Alerts fire only on a change of validity.
func (m *Monitor) Observe(res auditledger.VerificationResult) {
	m.mu.Lock()
	prev := m.valid
	m.valid = res.Valid
	m.mu.Unlock()

	switch {
	case prev && !res.Valid:
		payload := map[string]string{
			"chain_length": strconv.Itoa(res.ChainLength),
			"failure_kind": string(res.FailureKind),
			"checked_at":   res.CheckedAt.Format(time.RFC3339Nano),
		}
		if res.FailureBlockIndex != nil {
			payload["failure_block_index"] = strconv.Itoa(*res.FailureBlockIndex)
		}
		m.logger.Error("ledger corruption detected",
			zap.String("kind", string(res.FailureKind)),
			zap.Any("idx", res.FailureBlockIndex),
		)
		if m.onWebhook != nil {
			m.onWebhook(context.Background(), EventCorruption, payload)
		}
	case !prev && res.Valid:
		m.logger.Info("ledger verification recovered", zap.Int("blocks", res.ChainLength))
		if m.onWebhook != nil {
			m.onWebhook(context.Background(), EventRecovered, map[string]string{
				"chain_length": strconv.Itoa(res.ChainLength),
				"last_hash":    res.LastHash,
			})
		}
	}
	m.publish()
}

// publish pushes the current state to the gRPC health server.
func (m *Monitor) publish() {
	if m.grpc == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if m.verifier.Ready() && m.Valid() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	m.grpc.SetServingStatus("", status)
	m.grpc.SetServingStatus(LedgerService, status)
}
