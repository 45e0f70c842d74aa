// Package rest provides the HTTP REST API layer for the remote compliance
// mirror server. It includes a chi router, JWT authentication middleware,
// and handler functions for all /api/v1 endpoints. The client executor
// instances use to push run reports lives in internal/mirror.
package rest

import (
	"context"
	"time"

	"github.com/nightcore/executor/internal/mirror/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// QueryProofs returns proofs matching the given filter and pagination
	// params.
	QueryProofs(ctx context.Context, q storage.ProofQuery) ([]storage.Proof, error)

	// ListTenants returns all registered tenants ordered alphabetically by
	// name.
	ListTenants(ctx context.Context) ([]storage.Tenant, error)

	// QueryAuditEntries returns audit entries for tenantID within [from, to).
	QueryAuditEntries(ctx context.Context, tenantID string, from, to time.Time) ([]storage.AuditEntry, error)

	// BatchInsertProofs enqueues a proof for deferred batch insertion.
	BatchInsertProofs(ctx context.Context, proof storage.Proof) error

	// UpsertTenant inserts or updates a tenant's last-known status.
	UpsertTenant(ctx context.Context, t storage.Tenant) (string, error)

	// InsertAuditEntry persists one mirrored audit log entry.
	InsertAuditEntry(ctx context.Context, e storage.AuditEntry) error
}
