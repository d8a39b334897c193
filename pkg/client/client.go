package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound matches an *APIError with status 404.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized matches an *APIError with status 401.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnavailable matches an *APIError with status 503.
	ErrUnavailable = errors.New("service unavailable")
)

// APIError is a non-2xx response from the ledger service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("medaudit: HTTP %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is match the sentinel for common status codes.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	}
	return false
}

// Action and role values accepted by AddAudit.
const (
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
	ActionView   = "VIEW"
	ActionDelete = "DELETE"

	RoleDoctor  = "DOCTOR"
	RolePatient = "PATIENT"
)

// Metadata details an UPDATE.
type Metadata struct {
	ChangedFields  []string          `json:"changedFields,omitempty"`
	PreviousValues map[string]string `json:"previousValues,omitempty"`
}

// AuditFact is the payload of POST /api/v1/audits.
type AuditFact struct {
	Action    string    `json:"action"`
	UserID    string    `json:"userId"`
	UserRole  string    `json:"userRole"`
	PatientID string    `json:"patientId"`
	RecordID  *int64    `json:"recordId,omitempty"`
	Timestamp int64     `json:"timestamp"` // unix milliseconds
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// Block is a sealed ledger block.
type Block struct {
	Index        int            `json:"index"`
	Timestamp    float64        `json:"timestamp"`
	PreviousHash string         `json:"previousHash"`
	Payload      map[string]any `json:"payload"`
	Nonce        uint64         `json:"nonce"`
	Hash         string         `json:"hash"`
}

// VerificationResult reports the outcome of a chain verification.
type VerificationResult struct {
	Valid             bool      `json:"valid"`
	ChainLength       int       `json:"chainLength"`
	FailureBlockIndex *int      `json:"failureBlockIndex,omitempty"`
	FailureKind       string    `json:"failureKind,omitempty"`
	LastHash          string    `json:"lastHash,omitempty"`
	CheckedAt         time.Time `json:"checkedAt"`
}

// Status is returned by GET /api/v1/ledger.
type Status struct {
	Blocks     int    `json:"blocks"`
	Root       string `json:"root"`
	Difficulty int    `json:"difficulty"`
	Ready      bool   `json:"ready"`
}

// Client talks to one ledger service.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	apiKey      string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an ingest token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithAPIKey attaches an X-API-Key header to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) error {
		c.apiKey = key
		return nil
	}
}

// New creates a Client for the service at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Status returns the chain length, tip hash and difficulty.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Verify runs a full verification on the server. An invalid chain is not an
// error; inspect the result.
func (c *Client) Verify(ctx context.Context) (*VerificationResult, error) {
	var res VerificationResult
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/verify", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// LastVerification returns the most recent verification result. It returns
// an error matching ErrNotFound when none has run yet.
func (c *Client) LastVerification(ctx context.Context) (*VerificationResult, error) {
	var res VerificationResult
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/verify/last", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Block fetches the block at index.
func (c *Client) Block(ctx context.Context, index int) (*Block, error) {
	var b Block
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/blocks/"+strconv.Itoa(index), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Blocks fetches up to limit blocks starting at from.
func (c *Client) Blocks(ctx context.Context, from, limit int) ([]Block, error) {
	q := url.Values{}
	q.Set("from", strconv.Itoa(from))
	q.Set("limit", strconv.Itoa(limit))
	var page struct {
		Blocks []Block `json:"blocks"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/blocks?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return page.Blocks, nil
}

// AddAudit submits fact and returns the sealed block.
func (c *Client) AddAudit(ctx context.Context, fact AuditFact) (*Block, error) {
	var b Block
	if err := c.call(ctx, http.MethodPost, "/api/v1/audits", fact, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// call sends reqBody as JSON (if non-nil) and decodes a 2xx response into out.
func (c *Client) call(ctx context.Context, method, path string, reqBody, out any) error {
	var body io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
