// Package storage provides the PostgreSQL-backed persistence layer for the
// optional remote compliance mirror. It exposes typed model structs for all
// three tables (tenants, proofs, audit_entries) and a Store that wraps a
// pgxpool connection pool with a batched proof-insert path.
package storage

import (
	"encoding/json"
	"time"
)

// Backend identifies the sandbox implementation that produced a proof.
type Backend string

const (
	BackendWazero  Backend = "wazero"
	BackendMicrovm Backend = "microvm"
)

// RunStatus is the outcome recorded for a single tenant execution.
type RunStatus string

const (
	RunStatusOK    RunStatus = "ok"
	RunStatusError RunStatus = "error"
)

// TenantStatus represents the liveness state of a tenant as last observed by
// a reporting executor instance.
type TenantStatus string

const (
	TenantStatusActive   TenantStatus = "ACTIVE"
	TenantStatusInactive TenantStatus = "INACTIVE"
)

// Tenant maps to the `tenants` table.
//
// LastRunAt is nil when the tenant has never reported a run.
type Tenant struct {
	TenantID       string       `json:"tenant_id"`
	Name           string       `json:"name"`
	ExecutorOrigin string       `json:"executor_origin,omitempty"`
	LastRunAt      *time.Time   `json:"last_run_at,omitempty"`
	Status         TenantStatus `json:"status"`
}

// Proof maps to the `proofs` table (not partitioned). It is the remote
// mirror's copy of an internal/proof.ExecProof, keyed by ProofID.
//
// Detail carries the raw JSONB payload (manifest permissions, fuel/timeout
// grants, signer key) and round-trips without modification.
type Proof struct {
	ProofID      string          `json:"proof_id"`
	TenantID     string          `json:"tenant_id"`
	ModuleSHA256 string          `json:"module_sha256"`
	SignerKeyB64 string          `json:"signer_key_b64,omitempty"`
	Backend      Backend         `json:"backend"`
	Status       RunStatus       `json:"status"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// AuditEntry maps to the `audit_entries` table — the mirror's copy of one
// internal/audit.Entry.
//
// ThisHash is the SHA-256 hex digest of this entry.
// PrevHash is the SHA-256 hex digest of the previous entry; for the genesis
// entry this is a string of 64 zeros.
// Payload holds the full event data as a JSONB value.
type AuditEntry struct {
	EntryID     string          `json:"entry_id"`
	TenantID    string          `json:"tenant_id"`
	SequenceNum int64           `json:"sequence_num"`
	Event       string          `json:"event"`
	ThisHash    string          `json:"this_hash"`
	PrevHash    string          `json:"prev_hash"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ProofQuery carries the filter and pagination parameters for QueryProofs.
//
// From and To are mandatory and bracket the received_at column, which the
// (tenant_id, received_at) index covers. Limit defaults to 100 when <= 0. A nil
// Status means no status filter is applied. An empty TenantID matches all
// tenants.
type ProofQuery struct {
	TenantID string
	Status   *RunStatus
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}
