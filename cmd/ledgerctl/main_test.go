package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/medaudit/internal/audit"
	"github.com/jmerrifield20/medaudit/internal/auditledger"
	"github.com/jmerrifield20/medaudit/internal/blockstore"
	"github.com/jmerrifield20/medaudit/internal/ingestauth"
	"github.com/jmerrifield20/medaudit/internal/server"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func ledgerServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l, err := auditledger.New(auditledger.WithDifficulty(1))
	if err != nil {
		t.Fatal(err)
	}
	svc := audit.NewService(l, blockstore.NewMemoryStore(), zap.NewNop())
	if err := svc.LoadPersisted(context.Background()); err != nil {
		t.Fatal(err)
	}
	router := server.NewRouter(server.Deps{
		Service: svc,
		Auth:    ingestauth.NewAuthenticator(nil, nil, zap.NewNop()),
		Logger:  zap.NewNop(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestAppendStatusBlock(t *testing.T) {
	srv := ledgerServer(t)

	out, err := execute(t, "--server", srv.URL, "append",
		"--action", "UPDATE", "--user", "dr-house", "--role", "DOCTOR",
		"--patient", "p-42", "--record", "17", "--changed", "diagnosis=flu")
	if err != nil {
		t.Fatalf("append: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"index": 1`) || !strings.Contains(out, `"changedFields"`) {
		t.Errorf("append output: %s", out)
	}

	out, err = execute(t, "--server", srv.URL, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "blocks") || !strings.Contains(out, "2") {
		t.Errorf("status output: %s", out)
	}

	out, err = execute(t, "--server", srv.URL, "block", "1")
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if !strings.Contains(out, `"patientId": "p-42"`) {
		t.Errorf("block output: %s", out)
	}

	if _, err := execute(t, "--server", srv.URL, "block", "x"); err == nil {
		t.Error("expected error for a non-numeric index")
	}
}

func TestAppend_requiresFlags(t *testing.T) {
	if _, err := execute(t, "append", "--action", "VIEW"); err == nil {
		t.Error("expected missing required flags error")
	}
}

func TestVerify_online(t *testing.T) {
	srv := ledgerServer(t)

	out, err := execute(t, "--server", srv.URL, "verify")
	if err != nil {
		t.Fatalf("verify: %v\n%s", err, out)
	}
	if !strings.Contains(out, "valid") || !strings.Contains(out, "true") {
		t.Errorf("verify output: %s", out)
	}
}

func TestVerify_offline(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ledger.db")
	cfgPath := filepath.Join(dir, "ledgerd.yaml")
	cfg := fmt.Sprintf("ledger:\n  difficulty: 1\nstore:\n  driver: sqlite\n  path: %s\n", dbPath)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	store, err := blockstore.OpenSQLite(ctx, dbPath, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	l, _ := auditledger.New(auditledger.WithDifficulty(1))
	svc := audit.NewService(l, store, zap.NewNop())
	if err := svc.LoadPersisted(ctx); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if _, err := svc.AddAudit(ctx, audit.AuditFact{
			Action: audit.ActionView, UserID: "u", UserRole: audit.RolePatient,
			PatientID: "p", Timestamp: 1,
		}); err != nil {
			t.Fatal(err)
		}
	}

	out, err := execute(t, "--config", cfgPath, "verify", "--offline")
	if err != nil {
		t.Fatalf("offline verify: %v\n%s", err, out)
	}
	if !strings.Contains(out, "true") {
		t.Errorf("expected a valid chain: %s", out)
	}

	if err := store.Exec(ctx, `UPDATE audit_blocks SET payload_json = '{"action":"DELETE"}' WHERE idx = 2`); err != nil {
		t.Fatal(err)
	}
	store.Close()

	out, err = execute(t, "--config", cfgPath, "verify", "--offline")
	if !errors.Is(err, errChainInvalid) {
		t.Fatalf("expected errChainInvalid, got %v\n%s", err, out)
	}
	if !strings.Contains(out, "HASH_MISMATCH") || !strings.Contains(out, "at block") {
		t.Errorf("offline verify output: %s", out)
	}
}

func TestToken(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "ledgerd.yaml")
	if err := os.WriteFile(cfgPath, []byte("auth:\n  jwt_secret: s3cret\n  jwt_issuer: test\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "--config", cfgPath, "token", "--subject", "records-api")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims, err := ingestauth.NewTokenIssuer([]byte("s3cret"), "test").Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("minted token does not verify: %v", err)
	}
	if claims.Subject != "records-api" {
		t.Errorf("subject = %q", claims.Subject)
	}
}

func TestHashKey(t *testing.T) {
	out, err := execute(t, "hash-key", "k-123")
	if err != nil {
		t.Fatalf("hash-key: %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("k-123")) != nil {
		t.Errorf("hash does not match key: %s", out)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil || !strings.Contains(out, "ledgerctl dev") {
		t.Errorf("version: %q %v", out, err)
	}
}
