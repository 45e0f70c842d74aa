// Package proof defines the ExecProof/ExecConfig/ProofRow types and the
// per-tenant proof ledger & diff engine described in spec.md §3, §4.8.
package proof

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nightcore/executor/internal/state"
)

// ExecConfig is the input to a SandboxBackend.Execute call (spec.md §3).
type ExecConfig struct {
	Tenant      string
	ModulePath  string
	Permissions []string
	PreopenDirs []string
	Env         map[string]string
	FuelCap     *uint64
	TimeLimitMS *uint64
}

// HasPermission reports whether token is present in cfg.Permissions.
func (cfg ExecConfig) HasPermission(token string) bool {
	for _, p := range cfg.Permissions {
		if p == token {
			return true
		}
	}
	return false
}

// ExecProof is the immutable record of one execution attempt (spec.md §3).
// Status is "ok" on success or "error:<kind>" otherwise.
type ExecProof struct {
	Tenant       string    `json:"tenant"`
	ModuleSHA256 string    `json:"module_sha256"`
	SignerKeyB64 string    `json:"signer_key_b64"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Status       string    `json:"status"`
	Backend      string    `json:"backend"`
}

// OK reports whether the proof records a successful run.
func (p ExecProof) OK() bool { return p.Status == "ok" }

// ProofRow is the dashboard view of a proof (spec.md §3), derived from
// ExecProof plus the artifact's size on disk.
type ProofRow struct {
	SHA256    string    `json:"sha256"`
	Size      int64     `json:"size"`
	Verified  bool      `json:"verified"`
	Timestamp time.Time `json:"timestamp"`
}

// rowFromProof derives a ProofRow from an ExecProof. Verified is true when
// the proof's status is "ok". A tenant whose signature fails to verify never
// reaches a sandbox run, and no proof is recorded for it.
func rowFromProof(p ExecProof, size int64) ProofRow {
	return ProofRow{
		SHA256:    p.ModuleSHA256,
		Size:      size,
		Verified:  p.OK(),
		Timestamp: p.FinishedAt,
	}
}

const historyKey = "proof_history"
const lastProofKey = "last_proof"

// RecordRun appends proof to the tenant's proof_history and mirrors it into
// last_proof, per spec.md §4.6 step 9.
func RecordRun(ctx context.Context, store *state.Store, p ExecProof) error {
	if err := store.AppendJSON(ctx, historyKey, p); err != nil {
		return fmt.Errorf("proof: append history: %w", err)
	}
	if err := store.PutJSON(ctx, lastProofKey, p); err != nil {
		return fmt.Errorf("proof: put last_proof: %w", err)
	}
	return nil
}

// History loads the full proof_history for a tenant, sorted ascending by
// FinishedAt, per spec.md §4.8.
func History(ctx context.Context, store *state.Store) ([]ExecProof, error) {
	rows, err := state.ListJSON[ExecProof](ctx, store, historyKey)
	if err != nil {
		return nil, fmt.Errorf("proof: load history: %w", err)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].FinishedAt.Before(rows[j].FinishedAt)
	})
	return rows, nil
}

// Diff is the last-vs-previous comparison described in spec.md §4.8.
type Diff struct {
	HasPrevious bool
	SHAChanged  bool
	VerifyFlip  bool
	TimeDeltaS  float64
}

// ComputeDiff returns the SHA/verification/time-delta diff between the last
// two entries in history, matching spec.md §4.8's definitions. HasPrevious
// is false when fewer than two runs exist.
func ComputeDiff(history []ExecProof) Diff {
	n := len(history)
	if n < 2 {
		return Diff{}
	}
	last := history[n-1]
	previous := history[n-2]

	delta := last.FinishedAt.Sub(previous.FinishedAt).Seconds()
	if delta < 0 {
		delta = 0
	}

	return Diff{
		HasPrevious: true,
		SHAChanged:  last.ModuleSHA256 != previous.ModuleSHA256,
		VerifyFlip:  last.OK() != previous.OK(),
		TimeDeltaS:  delta,
	}
}

// Summary is the per-tenant aggregate shown on the dashboard (spec.md §4.8).
type Summary struct {
	Tenant        string
	Total         int
	VerifiedCount int
	VerifiedPct   float64
	AvgSizeBytes  float64
	FirstRun      time.Time
	LastRun       time.Time
}

// Summarize computes the per-tenant summary over a sorted proof_history,
// using artifactSize to resolve each proof's module size on disk (the
// dashboard supplies this from the tenant's module file; callers that
// only need counts/verification/timestamps may pass a function returning 0).
func Summarize(tenant string, history []ExecProof, artifactSize func(p ExecProof) int64) Summary {
	s := Summary{Tenant: tenant, Total: len(history)}
	if len(history) == 0 {
		return s
	}

	var sizeSum int64
	for _, p := range history {
		if p.OK() {
			s.VerifiedCount++
		}
		sizeSum += artifactSize(p)
	}
	s.VerifiedPct = 100 * float64(s.VerifiedCount) / float64(s.Total)
	s.AvgSizeBytes = float64(sizeSum) / float64(s.Total)
	s.FirstRun = history[0].FinishedAt
	s.LastRun = history[len(history)-1].FinishedAt
	return s
}

// Rows converts a sorted proof_history into dashboard ProofRows.
func Rows(history []ExecProof, artifactSize func(p ExecProof) int64) []ProofRow {
	rows := make([]ProofRow, 0, len(history))
	for _, p := range history {
		rows = append(rows, rowFromProof(p, artifactSize(p)))
	}
	return rows
}
