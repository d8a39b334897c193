package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func TestSignPayload(t *testing.T) {
	body := []byte(`{"type":"ledger.corruption_detected"}`)
	sig := signPayload(body, "s3cret")

	if len(sig) != len("sha256=")+64 {
		t.Fatalf("unexpected signature format: %s", sig)
	}
	if !VerifySignature(body, "s3cret", sig) {
		t.Error("signature should verify")
	}
	if VerifySignature(body, "other", sig) {
		t.Error("signature should not verify with another secret")
	}
	if VerifySignature([]byte(`{}`), "s3cret", sig) {
		t.Error("signature should not verify for another body")
	}
}

func TestDispatch_signedDelivery(t *testing.T) {
	var (
		mu  sync.Mutex
		got *http.Request
		raw []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		got = r
		raw, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{URLs: []string{srv.URL}, Secret: "s3cret"}, zap.NewNop())
	var successes atomic.Int32
	d.SetMetricsRecorder(func(ok bool) {
		if ok {
			successes.Add(1)
		}
	})

	id := d.Dispatch(context.Background(), EventLedgerCorruption, map[string]string{"failure_kind": "HASH_MISMATCH"})
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("no delivery received")
	}
	if !VerifySignature(raw, "s3cret", got.Header.Get(HeaderSignature)) {
		t.Error("delivery signature does not verify")
	}
	if got.Header.Get(HeaderEvent) != EventLedgerCorruption {
		t.Errorf("event header: %q", got.Header.Get(HeaderEvent))
	}
	if got.Header.Get(HeaderDelivery) == "" {
		t.Error("missing delivery id header")
	}

	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID != id || ev.Payload["failure_kind"] != "HASH_MISMATCH" {
		t.Errorf("unexpected event body: %+v", ev)
	}
	if successes.Load() != 1 {
		t.Errorf("success metric: %d", successes.Load())
	}
	if log := d.Deliveries().Recent(10); len(log) != 1 || !log[0].Success {
		t.Errorf("delivery log: %+v", log)
	}
}

func TestDispatch_retriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{
		URLs:        []string{srv.URL},
		RetryDelays: []time.Duration{time.Millisecond, time.Millisecond},
	}, zap.NewNop())
	d.Dispatch(context.Background(), EventTest, nil)
	d.Wait()

	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	log := d.Deliveries().Recent(0)
	if len(log) != 3 {
		t.Fatalf("expected 3 logged attempts, got %d", len(log))
	}
	if !log[0].Success || log[0].Attempt != 3 {
		t.Errorf("newest entry should be the successful third attempt: %+v", log[0])
	}
	if log[2].ErrorMessage != "HTTP 502" {
		t.Errorf("first attempt error: %q", log[2].ErrorMessage)
	}
}

func TestDispatch_givesUpAfterLastAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{URLs: []string{srv.URL}, RetryDelays: []time.Duration{0, 0}}, zap.NewNop())
	d.Dispatch(context.Background(), EventTest, nil)
	d.Wait()

	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestDispatch_noURLs(t *testing.T) {
	d := NewDispatcher(Config{}, zap.NewNop())
	d.Dispatch(context.Background(), EventTest, nil)
	d.Wait()
	if n := len(d.Deliveries().Recent(0)); n != 0 {
		t.Errorf("expected no deliveries, got %d", n)
	}
}

func TestDeliveryLog_wraps(t *testing.T) {
	l := NewDeliveryLog(3)
	for i := 1; i <= 5; i++ {
		l.Record(Delivery{Attempt: i})
	}
	got := l.Recent(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, want := range []int{5, 4, 3} {
		if got[i].Attempt != want {
			t.Errorf("position %d: attempt %d, want %d", i, got[i].Attempt, want)
		}
	}
	if two := l.Recent(2); len(two) != 2 || two[0].Attempt != 5 {
		t.Errorf("Recent(2): %+v", two)
	}
}

func TestHandler(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	gin.SetMode(gin.TestMode)
	d := NewDispatcher(Config{URLs: []string{srv.URL}}, zap.NewNop())
	r := gin.New()
	NewHandler(d, zap.NewNop()).Register(r.Group("/api/v1"), func(c *gin.Context) { c.Next() })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/alerts/test", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST /alerts/test: got %d", w.Code)
	}
	d.Wait()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/alerts/deliveries", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /alerts/deliveries: got %d", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 || calls.Load() != 1 {
		t.Errorf("count=%d calls=%d", resp.Count, calls.Load())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/alerts/deliveries?limit=x", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d", w.Code)
	}
}
