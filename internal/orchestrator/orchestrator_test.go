package orchestrator_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nightcore/executor/internal/orchestrator"
	"github.com/nightcore/executor/internal/proof"
)

// fakeBackend is an in-memory sandbox.Backend test double.
type fakeBackend struct {
	verifyErr  map[string]error
	executeErr map[string]error
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Verify(modulePath string) (string, error) {
	tenant := filepath.Base(filepath.Dir(modulePath))
	if err, ok := f.verifyErr[tenant]; ok {
		return "", err
	}
	return "fake-signer", nil
}

func (f *fakeBackend) Execute(ctx context.Context, cfg proof.ExecConfig) (proof.ExecProof, error) {
	if err, ok := f.executeErr[cfg.Tenant]; ok {
		return proof.ExecProof{Tenant: cfg.Tenant, Status: "error:Fake", Backend: "fake"}, err
	}
	return proof.ExecProof{
		Tenant:       cfg.Tenant,
		ModuleSHA256: "deadbeef",
		StartedAt:    time.Now().UTC(),
		FinishedAt:   time.Now().UTC(),
		Status:       "ok",
		Backend:      "fake",
	}, nil
}

func writeTenant(t *testing.T, root, tenant string) {
	t.Helper()
	dir := filepath.Join(root, "modules", tenant)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %q: %v", dir, err)
	}
	manifestJSON, _ := json.Marshal(map[string]any{"name": tenant})
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifestJSON, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "module.wasm"), []byte("fake-wasm"), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_AllTenantsSucceed(t *testing.T) {
	root := t.TempDir()
	writeTenant(t, root, "acme")
	writeTenant(t, root, "globex")

	backend := &fakeBackend{}
	o := orchestrator.New(root, backend, silentLogger(), orchestrator.WithParallel(4))

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Succeeded()) != 2 {
		t.Fatalf("len(Succeeded()) = %d, want 2", len(report.Succeeded()))
	}
	if len(report.Failed()) != 0 {
		t.Fatalf("len(Failed()) = %d, want 0", len(report.Failed()))
	}
}

func TestRun_OneTenantFailureDoesNotAbortOthers(t *testing.T) {
	root := t.TempDir()
	writeTenant(t, root, "acme")
	writeTenant(t, root, "globex")

	backend := &fakeBackend{
		verifyErr: map[string]error{"acme": errBadSignature},
	}
	o := orchestrator.New(root, backend, silentLogger(), orchestrator.WithParallel(4))

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Failed()) != 1 || report.Failed()[0].Tenant != "acme" {
		t.Fatalf("Failed() = %+v, want exactly acme", report.Failed())
	}
	if len(report.Succeeded()) != 1 || report.Succeeded()[0].Tenant != "globex" {
		t.Fatalf("Succeeded() = %+v, want exactly globex", report.Succeeded())
	}
}

func TestRun_NoTenantsIsEmptyReport(t *testing.T) {
	root := t.TempDir()
	o := orchestrator.New(root, &fakeBackend{}, silentLogger())

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Results) != 0 {
		t.Fatalf("len(Results) = %d, want 0", len(report.Results))
	}
}

func TestWithProofMode_RunCompletesWithoutDeadlock(t *testing.T) {
	root := t.TempDir()
	o := orchestrator.New(root, &fakeBackend{}, silentLogger(),
		orchestrator.WithParallel(16),
		orchestrator.WithProofMode(true),
	)
	// Indirectly observed via DiscoverTenants + Run completing without
	// deadlock; the exported surface doesn't leak the internal semaphore
	// weight, so this test only guards against a panic/deadlock regression.
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

var errBadSignature = &signatureError{}

type signatureError struct{}

func (*signatureError) Error() string { return "bad signature" }
