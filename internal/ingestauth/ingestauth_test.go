package ingestauth_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jmerrifield20/medaudit/internal/ingestauth"
	"go.uber.org/zap"
)

var secret = []byte("test-secret-with-enough-entropy")

func TestTokenIssuer_roundTrip(t *testing.T) {
	issuer := ingestauth.NewTokenIssuer(secret, "medaudit")

	tok, err := issuer.Issue("records-api", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := issuer.Verify(tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "records-api" {
		t.Errorf("subject: got %q", claims.Subject)
	}
	if claims.Scope != ingestauth.ScopeIngest {
		t.Errorf("scope: got %q", claims.Scope)
	}
	if claims.ID == "" {
		t.Error("expected a jti")
	}
}

func TestTokenIssuer_rejects(t *testing.T) {
	issuer := ingestauth.NewTokenIssuer(secret, "medaudit")
	good, _ := issuer.Issue("svc", time.Minute)

	otherIssuer, _ := ingestauth.NewTokenIssuer(secret, "someone-else").Issue("svc", time.Minute)
	otherSecret, _ := ingestauth.NewTokenIssuer([]byte("different"), "medaudit").Issue("svc", time.Minute)

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, ingestauth.IngestClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "medaudit", Subject: "svc"},
		Scope:            ingestauth.ScopeIngest,
	}).SignedString(secret)

	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, ingestauth.IngestClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "medaudit",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Scope: ingestauth.ScopeIngest,
	}).SignedString(secret)

	wrongScope, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, ingestauth.IngestClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "medaudit",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Scope: "audit:read",
	}).SignedString(secret)

	tests := map[string]string{
		"wrong issuer":  otherIssuer,
		"wrong secret":  otherSecret,
		"no expiry":     noExp,
		"expired":       expired,
		"wrong scope":   wrongScope,
		"garbage":       "not.a.jwt",
		"tampered body": good[:len(good)-2] + "xx",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := issuer.Verify(tok); err == nil {
				t.Error("expected verification to fail")
			}
		})
	}
}

func TestTokenIssuer_noSecret(t *testing.T) {
	issuer := ingestauth.NewTokenIssuer(nil, "medaudit")
	if _, err := issuer.Issue("svc", 0); err != ingestauth.ErrNoSecret {
		t.Errorf("expected ErrNoSecret, got %v", err)
	}
}

func TestKeySet(t *testing.T) {
	hash, err := ingestauth.HashKey("k-123")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Errorf("not a bcrypt hash: %s", hash)
	}

	ks := ingestauth.NewKeySet([]string{"", hash})
	if ks.Len() != 1 {
		t.Errorf("Len: got %d, want 1", ks.Len())
	}
	if !ks.Match("k-123") {
		t.Error("expected key to match")
	}
	if ks.Match("k-124") || ks.Match("") {
		t.Error("unexpected match")
	}
	if _, err := ingestauth.HashKey(""); err == nil {
		t.Error("expected error hashing empty key")
	}
}

func setupRouter(a *ingestauth.Authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/audits", a.Require(), func(c *gin.Context) {
		c.JSON(http.StatusCreated, gin.H{"subject": ingestauth.SubjectFromCtx(c)})
	})
	return r
}

func do(r http.Handler, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/audits", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequire(t *testing.T) {
	issuer := ingestauth.NewTokenIssuer(secret, "medaudit")
	hash, _ := ingestauth.HashKey("k-123")
	auth := ingestauth.NewAuthenticator(issuer, ingestauth.NewKeySet([]string{hash}), zap.NewNop())
	r := setupRouter(auth)

	tok, _ := issuer.Issue("records-api", time.Minute)

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"no credentials", nil, http.StatusUnauthorized},
		{"valid token", map[string]string{"Authorization": "Bearer " + tok}, http.StatusCreated},
		{"bad token", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"basic auth", map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized},
		{"valid key", map[string]string{ingestauth.HeaderAPIKey: "k-123"}, http.StatusCreated},
		{"bad key", map[string]string{ingestauth.HeaderAPIKey: "k-999"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.headers)
			if w.Code != tt.want {
				t.Errorf("got %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	w := do(r, map[string]string{"Authorization": "Bearer " + tok})
	if !strings.Contains(w.Body.String(), "records-api") {
		t.Errorf("subject not propagated: %s", w.Body.String())
	}
}

func TestRequire_disabledLetsEverythingThrough(t *testing.T) {
	auth := ingestauth.NewAuthenticator(nil, ingestauth.NewKeySet(nil), zap.NewNop())
	if auth.Enabled() {
		t.Fatal("expected authenticator to be disabled")
	}
	if w := do(setupRouter(auth), nil); w.Code != http.StatusCreated {
		t.Errorf("got %d, want 201", w.Code)
	}
}
