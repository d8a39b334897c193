package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Header names set on every delivery.
const (
	HeaderSignature = "X-Ledger-Signature"
	HeaderDelivery  = "X-Ledger-Delivery"
	HeaderEvent     = "X-Ledger-Event"
)

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Config configures a Dispatcher.
type Config struct {
	URLs    []string
	Secret  string
	Timeout time.Duration // per attempt, default 10s
	// RetryDelays are waited before attempts 2..n. Defaults to 1s, 5s.
	RetryDelays []time.Duration
}

// Dispatcher POSTs signed alert events to a fixed set of URLs.
type Dispatcher struct {
	urls       []string
	secret     string
	delays     []time.Duration
	httpClient *http.Client
	log        *DeliveryLog
	onMetrics  MetricsRecorder
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. With no URLs, Dispatch is a no-op.
func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = []time.Duration{1 * time.Second, 5 * time.Second}
	}
	return &Dispatcher{
		urls:       cfg.URLs,
		secret:     cfg.Secret,
		delays:     cfg.RetryDelays,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        NewDeliveryLog(defaultLogSize),
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// Deliveries returns the delivery log.
func (d *Dispatcher) Deliveries() *DeliveryLog { return d.log }

// Dispatch fans the event out to every URL in the background. Deliveries
// outlive ctx's cancellation but keep its values.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload map[string]string) uuid.UUID {
	event := Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if len(d.urls) == 0 {
		d.logger.Debug("alert not sent: no webhook urls configured", zap.String("event", eventType))
		return event.ID
	}

	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("webhook: marshal event", zap.Error(err))
		return event.ID
	}

	bg := context.WithoutCancel(ctx)
	for _, url := range d.urls {
		d.wg.Add(1)
		go func(url string) {
			defer d.wg.Done()
			d.deliver(bg, url, event, body)
		}(url)
	}
	return event.ID
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// deliver sends one event to one URL, retrying on failure.
func (d *Dispatcher) deliver(ctx context.Context, url string, event Event, body []byte) {
	signature := signPayload(body, d.secret)
	attempts := len(d.delays) + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(d.delays[attempt-2])
		}

		deliveryID := uuid.New()
		success, statusCode, errMsg := d.doDelivery(ctx, url, event.Type, deliveryID, body, signature)

		d.log.Record(Delivery{
			ID:           deliveryID,
			EventID:      event.ID,
			EventType:    event.Type,
			URL:          url,
			StatusCode:   statusCode,
			Attempt:      attempt,
			Success:      success,
			ErrorMessage: errMsg,
		})
		if d.onMetrics != nil {
			d.onMetrics(success)
		}
		if success {
			return
		}

		d.logger.Warn("webhook: delivery failed",
			zap.String("url", url),
			zap.String("event", event.Type),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (d *Dispatcher) doDelivery(ctx context.Context, url, eventType string, id uuid.UUID, body []byte, signature string) (bool, int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderDelivery, id.String())
	req.Header.Set(HeaderEvent, eventType)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return success, resp.StatusCode, errMsg
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC of body under secret.
// Receivers of alerts can use it to authenticate deliveries.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signPayload(body, secret)), []byte(signature))
}
