package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nightcore/executor/internal/mirror/storage"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ProofSubmission is one tenant run's proof as pushed by an executor
// instance's mirror client.
type ProofSubmission struct {
	TenantID     string          `json:"tenant_id"`
	ModuleSHA256 string          `json:"module_sha256"`
	SignerKeyB64 string          `json:"signer_key_b64,omitempty"`
	Backend      string          `json:"backend"`
	Status       string          `json:"status"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}

// PushRequest is the body of POST /api/v1/proofs: a batch of proofs from a
// single run report, plus the reporting executor's self-identified origin
// (hostname or deployment tag).
type PushRequest struct {
	ExecutorOrigin string            `json:"executor_origin,omitempty"`
	Proofs         []ProofSubmission `json:"proofs"`
}

// handlePostProofs responds to POST /api/v1/proofs.
//
// Each submitted proof is persisted via the batched insert path, and the
// originating tenant's last_run_at/status is upserted. The push is
// idempotent: proof_id is derived from the tenant, module hash, and start and
// finish times, so re-posting the same proof is silently ignored by the
// underlying ON CONFLICT DO NOTHING insert.
//
// Returns HTTP 400 on a malformed body, HTTP 202 on success (the batch may
// not be flushed to PostgreSQL yet).
func (s *Server) handlePostProofs(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if len(req.Proofs) == 0 {
		writeError(w, http.StatusBadRequest, "proofs must contain at least one entry")
		return
	}

	now := time.Now().UTC()
	for _, p := range req.Proofs {
		if p.TenantID == "" {
			writeError(w, http.StatusBadRequest, "proofs[].tenant_id is required")
			return
		}

		record := storage.Proof{
			ProofID:      uuid.NewSHA1(uuid.NameSpaceOID, []byte(p.TenantID+"|"+p.ModuleSHA256+"|"+p.StartedAt.Format(time.RFC3339Nano)+"|"+p.FinishedAt.Format(time.RFC3339Nano))).String(),
			TenantID:     p.TenantID,
			ModuleSHA256: p.ModuleSHA256,
			SignerKeyB64: p.SignerKeyB64,
			Backend:      storage.Backend(p.Backend),
			Status:       storage.RunStatus(p.Status),
			Detail:       p.Detail,
			StartedAt:    p.StartedAt,
			FinishedAt:   p.FinishedAt,
			ReceivedAt:   now,
		}
		if err := s.store.BatchInsertProofs(r.Context(), record); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to store proof")
			return
		}

		finishedAt := p.FinishedAt
		if _, err := s.store.UpsertTenant(r.Context(), storage.Tenant{
			TenantID:       p.TenantID,
			Name:           p.TenantID,
			ExecutorOrigin: req.ExecutorOrigin,
			LastRunAt:      &finishedAt,
			Status:         storage.TenantStatusActive,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to upsert tenant")
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleGetProofs responds to GET /api/v1/proofs.
//
// Supported query parameters:
//
//	tenant_id – exact tenant ID filter (optional)
//	status    – one of "ok", "error" (optional)
//	from      – RFC3339 start of the received_at window (required)
//	to        – RFC3339 end of the received_at window (required)
//	limit     – maximum number of results (default 100, max 1000)
//	offset    – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of Proof objects on success.
func (s *Server) handleGetProofs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	pq := storage.ProofQuery{
		From: from,
		To:   to,
	}

	if tenantID := q.Get("tenant_id"); tenantID != "" {
		pq.TenantID = tenantID
	}

	if status := q.Get("status"); status != "" {
		switch storage.RunStatus(status) {
		case storage.RunStatusOK, storage.RunStatusError:
			st := storage.RunStatus(status)
			pq.Status = &st
		default:
			writeError(w, http.StatusBadRequest, "'status' must be one of ok, error")
			return
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		pq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		pq.Offset = offset
	}

	proofs, err := s.store.QueryProofs(r.Context(), pq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query proofs")
		return
	}

	// Ensure we always return a JSON array, not null.
	if proofs == nil {
		proofs = []storage.Proof{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(proofs)
}

// handleGetTenants responds to GET /api/v1/tenants.
//
// Returns HTTP 200 with a JSON array of all registered Tenant objects
// ordered alphabetically by name.
func (s *Server) handleGetTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.store.ListTenants(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tenants")
		return
	}

	if tenants == nil {
		tenants = []storage.Tenant{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(tenants)
}

// handleGetAudit responds to GET /api/v1/audit.
//
// Supported query parameters:
//
//	tenant_id – exact tenant ID (required)
//	from      – RFC3339 start of the created_at window (required)
//	to        – RFC3339 end of the created_at window (required)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of AuditEntry objects on success.
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'tenant_id' is required")
		return
	}

	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	entries, err := s.store.QueryAuditEntries(r.Context(), tenantID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit entries")
		return
	}

	if entries == nil {
		entries = []storage.AuditEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(entries)
}
