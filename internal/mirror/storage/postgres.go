package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of proof rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending proofs even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// schemaDDL bootstraps the mirror's tables on first connect. The teacher's
// schema lived in versioned migration files; the mirror is additive and
// optional, so a single idempotent bootstrap keeps deployment to "point it
// at a Postgres instance" without a migration runner.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS tenants (
	tenant_id       TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	executor_origin TEXT,
	last_run_at     TIMESTAMPTZ,
	status          TEXT NOT NULL DEFAULT 'ACTIVE'
);

CREATE TABLE IF NOT EXISTS proofs (
	proof_id       TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	module_sha256  TEXT NOT NULL,
	signer_key_b64 TEXT,
	backend        TEXT NOT NULL,
	status         TEXT NOT NULL,
	detail         JSONB,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL,
	received_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS proofs_tenant_received_idx ON proofs (tenant_id, received_at);

CREATE TABLE IF NOT EXISTS audit_entries (
	entry_id     TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	sequence_num BIGINT NOT NULL,
	event        TEXT NOT NULL,
	this_hash    TEXT NOT NULL,
	prev_hash    TEXT NOT NULL,
	payload      JSONB,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_tenant_created_idx ON audit_entries (tenant_id, created_at);
`

// Store is the PostgreSQL-backed storage layer for the remote compliance
// mirror.
//
// Proof ingestion is batched: callers enqueue individual Proof values via
// BatchInsertProofs, which accumulates them in memory and flushes to the
// database either when the buffer reaches batchSize or when the background
// ticker fires, whichever comes first. All other operations (tenants, audit
// entries) are executed immediately.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Proof
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, applies the
// bootstrap schema, and starts the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Proof, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining buffered
// proofs, and closes the connection pool. It is safe to call Close more than
// once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		// Best-effort final flush; errors are not propagated on close.
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

// flushLoop is the background goroutine that ticks on flushInterval and calls
// Flush. It exits when stopCh is closed.
func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertProofs enqueues proof for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) BatchInsertProofs(ctx context.Context, proof Proof) error {
	s.mu.Lock()
	s.batch = append(s.batch, proof)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current proof buffer and sends all rows to PostgreSQL in a
// single pgx.Batch round-trip. Rows that conflict on the primary key are
// silently ignored (idempotent replay support).
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains a
// distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Proof, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO proofs
			(proof_id, tenant_id, module_sha256, signer_key_b64, backend, status, detail, started_at, finished_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		p := &toInsert[i]
		detail := []byte(p.Detail)
		if detail == nil {
			detail = []byte("null")
		}
		b.Queue(query,
			p.ProofID, p.TenantID, p.ModuleSHA256, nullableStr(p.SignerKeyB64),
			string(p.Backend), string(p.Status),
			detail,
			p.StartedAt, p.FinishedAt, p.ReceivedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec proof: %w", err)
		}
	}
	return nil
}

// QueryProofs returns paginated proofs that fall within [q.From, q.To) on the
// received_at column. The proofs table is not partitioned; the time range
// is served by the (tenant_id, received_at) index.
//
// Optional filters: q.TenantID (exact match), q.Status (exact match).
// q.Limit defaults to 100; q.Offset enables cursor-style pagination.
// Results are ordered by received_at DESC, proof_id ASC.
func (s *Store) QueryProofs(ctx context.Context, q ProofQuery) ([]Proof, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	// Base args: $1=from, $2=to, $3=limit, $4=offset
	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	argIdx := 5

	if q.TenantID != "" {
		where += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, q.TenantID)
		argIdx++
	}
	if q.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(*q.Status))
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT proof_id, tenant_id, module_sha256, signer_key_b64, backend,
		       status, detail, started_at, finished_at, received_at
		FROM   proofs
		%s
		ORDER  BY received_at DESC, proof_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query proofs: %w", err)
	}
	defer rows.Close()

	var proofs []Proof
	for rows.Next() {
		var p Proof
		var detail []byte
		var signerKey *string
		var backend, status string
		err := rows.Scan(
			&p.ProofID, &p.TenantID, &p.ModuleSHA256, &signerKey,
			&backend,
			&status, &detail,
			&p.StartedAt, &p.FinishedAt, &p.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan proof: %w", err)
		}
		p.Backend = Backend(backend)
		p.Status = RunStatus(status)
		p.Detail = detail
		if signerKey != nil {
			p.SignerKeyB64 = *signerKey
		}
		proofs = append(proofs, p)
	}
	return proofs, rows.Err()
}

// --- Tenant CRUD ---

// UpsertTenant inserts a new tenant or, on tenant_id conflict, updates all
// mutable fields. It returns the effective tenant_id that is persisted in
// the database, which always equals t.TenantID since tenant IDs are caller-
// assigned (the tenant directory name), not database-generated.
func (s *Store) UpsertTenant(ctx context.Context, t Tenant) (string, error) {
	var effectiveTenantID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tenants
			(tenant_id, name, executor_origin, last_run_at, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			name            = EXCLUDED.name,
			executor_origin = EXCLUDED.executor_origin,
			last_run_at     = EXCLUDED.last_run_at,
			status          = EXCLUDED.status
		RETURNING tenant_id`,
		t.TenantID,
		t.Name,
		nullableStr(t.ExecutorOrigin),
		t.LastRunAt,
		string(t.Status),
	).Scan(&effectiveTenantID)
	if err != nil {
		return "", fmt.Errorf("upsert tenant: %w", err)
	}
	return effectiveTenantID, nil
}

// GetTenant returns the tenant with the given ID, or an error wrapping
// pgx.ErrNoRows when not found.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, name, executor_origin, last_run_at, status
		FROM   tenants
		WHERE  tenant_id = $1`, tenantID)
	t, err := scanTenant(row)
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", tenantID, err)
	}
	return t, nil
}

// ListTenants returns all registered tenants ordered alphabetically by name.
func (s *Store) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, name, executor_origin, last_run_at, status
		FROM   tenants
		ORDER  BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

// --- AuditEntry operations ---

// InsertAuditEntry persists a single tamper-evident audit log entry mirrored
// from a tenant's local chain. The caller must populate EntryID, ThisHash,
// PrevHash, and SequenceNum.
func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries
			(entry_id, tenant_id, sequence_num, event, this_hash, prev_hash, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.EntryID,
		e.TenantID,
		e.SequenceNum,
		e.Event,
		e.ThisHash,
		e.PrevHash,
		[]byte(e.Payload),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries returns audit entries for tenantID with created_at in
// [from, to), ordered by sequence_num ascending.
func (s *Store) QueryAuditEntries(ctx context.Context, tenantID string, from, to time.Time) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, tenant_id, sequence_num, event, this_hash, prev_hash, payload, created_at
		FROM   audit_entries
		WHERE  tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER  BY sequence_num ASC`,
		tenantID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var payload []byte
		err := rows.Scan(
			&e.EntryID, &e.TenantID, &e.SequenceNum,
			&e.Event, &e.ThisHash, &e.PrevHash,
			&payload,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// scanTenant reads one tenant row from s.
func scanTenant(s scanner) (*Tenant, error) {
	var t Tenant
	var origin *string
	var status string
	err := s.Scan(
		&t.TenantID, &t.Name,
		&origin,
		&t.LastRunAt,
		&status,
	)
	if err != nil {
		return nil, err
	}
	t.Status = TenantStatus(status)
	if origin != nil {
		t.ExecutorOrigin = *origin
	}
	return &t, nil
}

// nullableStr converts an empty string to a nil pointer, which pgx stores as
// SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
