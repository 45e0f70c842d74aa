package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nightcore/executor/internal/mirror/storage"
)

// mockStore is a test double for the Store interface.
type mockStore struct {
	proofs      []storage.Proof
	proofsErr   error
	tenants     []storage.Tenant
	tenantsErr  error
	auditResult []storage.AuditEntry
	auditErr    error

	inserted []storage.Proof
	insertErr error
	upserted  []storage.Tenant
	upsertErr error
}

func (m *mockStore) QueryProofs(_ context.Context, _ storage.ProofQuery) ([]storage.Proof, error) {
	return m.proofs, m.proofsErr
}

func (m *mockStore) ListTenants(_ context.Context) ([]storage.Tenant, error) {
	return m.tenants, m.tenantsErr
}

func (m *mockStore) QueryAuditEntries(_ context.Context, _ string, _, _ time.Time) ([]storage.AuditEntry, error) {
	return m.auditResult, m.auditErr
}

func (m *mockStore) BatchInsertProofs(_ context.Context, p storage.Proof) error {
	m.inserted = append(m.inserted, p)
	return m.insertErr
}

func (m *mockStore) UpsertTenant(_ context.Context, t storage.Tenant) (string, error) {
	m.upserted = append(m.upserted, t)
	return t.TenantID, m.upsertErr
}

func (m *mockStore) InsertAuditEntry(_ context.Context, _ storage.AuditEntry) error {
	return nil
}

// newTestServer creates a Server backed by the mock store and returns its HTTP
// handler with JWT middleware disabled (secret = nil).
func newTestServer(ms *mockStore) http.Handler {
	srv := NewServer(ms)
	return NewRouter(srv, nil)
}

// ---- /healthz ---------------------------------------------------------------

func TestHandleHealthz_Returns200(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

// ---- POST /api/v1/proofs -----------------------------------------------------

func TestHandlePostProofs_Valid(t *testing.T) {
	ms := &mockStore{}
	h := newTestServer(ms)

	body := PushRequest{
		ExecutorOrigin: "executor-01",
		Proofs: []ProofSubmission{
			{
				TenantID:     "acme",
				ModuleSHA256: "deadbeef",
				Backend:      "wazero",
				Status:       "ok",
				StartedAt:    time.Now().Add(-time.Second),
				FinishedAt:   time.Now(),
			},
		},
	}
	raw, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/proofs", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(ms.inserted) != 1 {
		t.Fatalf("expected 1 proof inserted, got %d", len(ms.inserted))
	}
	if len(ms.upserted) != 1 || ms.upserted[0].TenantID != "acme" {
		t.Fatalf("expected tenant acme upserted, got %+v", ms.upserted)
	}
}

func TestHandlePostProofs_EmptyBatchRejected(t *testing.T) {
	ms := &mockStore{}
	h := newTestServer(ms)

	raw, _ := json.Marshal(PushRequest{Proofs: nil})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/proofs", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlePostProofs_MalformedJSON(t *testing.T) {
	ms := &mockStore{}
	h := newTestServer(ms)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/proofs", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// ---- GET /api/v1/proofs -------------------------------------------------------

func TestHandleGetProofs_RequiresFromAndTo(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/proofs", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetProofs_Valid(t *testing.T) {
	ms := &mockStore{proofs: []storage.Proof{{ProofID: "p1", TenantID: "acme"}}}
	h := newTestServer(ms)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/proofs?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got []storage.Proof
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].ProofID != "p1" {
		t.Errorf("got %+v", got)
	}
}

func TestHandleGetProofs_InvalidStatus(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/proofs?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z&status=bogus", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetProofs_NullResultBecomesEmptyArray(t *testing.T) {
	ms := &mockStore{proofs: nil}
	h := newTestServer(ms)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/proofs?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Body.String() != "[]\n" {
		t.Errorf("expected empty array body, got %q", rec.Body.String())
	}
}

// ---- GET /api/v1/tenants ------------------------------------------------------

func TestHandleGetTenants_Valid(t *testing.T) {
	ms := &mockStore{tenants: []storage.Tenant{{TenantID: "acme", Name: "acme"}}}
	h := newTestServer(ms)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tenants", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []storage.Tenant
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].TenantID != "acme" {
		t.Errorf("got %+v", got)
	}
}

// ---- GET /api/v1/audit --------------------------------------------------------

func TestHandleGetAudit_RequiresTenantID(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/audit?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetAudit_Valid(t *testing.T) {
	ms := &mockStore{auditResult: []storage.AuditEntry{{EntryID: "e1", TenantID: "acme"}}}
	h := newTestServer(ms)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/audit?tenant_id=acme&from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []storage.AuditEntry
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].EntryID != "e1" {
		t.Errorf("got %+v", got)
	}
}

func TestHandleGetAudit_ToBeforeFromRejected(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/audit?tenant_id=acme&from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
