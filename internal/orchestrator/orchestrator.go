// Package orchestrator discovers tenant modules under a root directory and
// runs each one's verify→execute→record pipeline with bounded parallelism,
// containing any single tenant's failure so it never aborts the batch
// (spec.md §4.6, §5).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nightcore/executor/internal/audit"
	"github.com/nightcore/executor/internal/manifest"
	"github.com/nightcore/executor/internal/proof"
	"github.com/nightcore/executor/internal/sandbox"
	"github.com/nightcore/executor/internal/state"
)

// proofModeMaxParallel is the hard cap on concurrent tenant runs when the
// orchestrator is invoked in proof mode (spec.md §5): proof mode trades
// throughput for a tighter bound on concurrent writers to the shared
// audit.jsonl lock.
const proofModeMaxParallel = 2

// Orchestrator runs every tenant module found under RootDir/modules.
type Orchestrator struct {
	rootDir   string
	parallel  int64
	proofMode bool
	backend   sandbox.Backend
	logger    *slog.Logger
}

// Option is a functional option for Orchestrator construction, matching the
// teacher's Agent construction style.
type Option func(*Orchestrator)

// WithParallel overrides the default parallelism of 1.
func WithParallel(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.parallel = int64(n)
		}
	}
}

// WithProofMode caps concurrency at proofModeMaxParallel regardless of
// WithParallel.
func WithProofMode(enabled bool) Option {
	return func(o *Orchestrator) { o.proofMode = enabled }
}

// New constructs an Orchestrator rooted at rootDir, executing tenant modules
// with backend.
func New(rootDir string, backend sandbox.Backend, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		rootDir:  rootDir,
		parallel: 1,
		backend:  backend,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.proofMode && o.parallel > proofModeMaxParallel {
		o.parallel = proofModeMaxParallel
	}
	return o
}

// TenantResult is the per-tenant outcome of one orchestrator Run.
type TenantResult struct {
	Tenant string
	Proof  proof.ExecProof
	Err    error
}

// RunReport aggregates the results of one orchestrator Run across every
// discovered tenant.
type RunReport struct {
	Results  []TenantResult
	Started  time.Time
	Finished time.Time
}

// Succeeded returns the tenants whose run completed with an "ok" proof.
func (r RunReport) Succeeded() []TenantResult {
	var out []TenantResult
	for _, res := range r.Results {
		if res.Err == nil && res.Proof.OK() {
			out = append(out, res)
		}
	}
	return out
}

// Failed returns the tenants whose run errored or whose proof recorded a
// non-ok status.
func (r RunReport) Failed() []TenantResult {
	var out []TenantResult
	for _, res := range r.Results {
		if res.Err != nil || !res.Proof.OK() {
			out = append(out, res)
		}
	}
	return out
}

// DiscoverTenants lists tenant directory names under <rootDir>/modules,
// sorted for deterministic run order.
func DiscoverTenants(rootDir string) ([]string, error) {
	modulesDir := filepath.Join(rootDir, "modules")
	entries, err := os.ReadDir(modulesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("orchestrator: list %q: %w", modulesDir, err)
	}
	var tenants []string
	for _, e := range entries {
		if e.IsDir() {
			tenants = append(tenants, e.Name())
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Run discovers every tenant under RootDir/modules and runs each one's
// verify→execute→record pipeline, bounded to o.parallel concurrent tenants
// at a time. A single tenant's failure is recorded in its TenantResult and
// never aborts the remaining tenants.
func (o *Orchestrator) Run(ctx context.Context) (RunReport, error) {
	started := time.Now().UTC()

	tenants, err := DiscoverTenants(o.rootDir)
	if err != nil {
		return RunReport{}, err
	}

	sem := semaphore.NewWeighted(o.parallel)
	results := make([]TenantResult, len(tenants))

	var wg sync.WaitGroup
	var acquireErr error
	for i, tenant := range tenants {
		if err := sem.Acquire(ctx, 1); err != nil {
			acquireErr = fmt.Errorf("orchestrator: acquire semaphore: %w", err)
			break
		}
		wg.Add(1)
		go func(i int, tenant string) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = o.runTenant(ctx, tenant)
		}(i, tenant)
	}
	wg.Wait()

	report := RunReport{Results: results, Started: started, Finished: time.Now().UTC()}
	if acquireErr != nil {
		return report, acquireErr
	}
	return report, ctx.Err()
}

// runTenant executes the full per-tenant pipeline described in spec.md §4.6:
// load manifest, sync pubkey, verify module signature, execute under the
// configured backend, persist the proof to state and audit. Any failure is
// contained in the returned TenantResult rather than propagated.
func (o *Orchestrator) runTenant(ctx context.Context, tenant string) TenantResult {
	dir := filepath.Join(o.rootDir, "modules", tenant)
	res := TenantResult{Tenant: tenant}

	m, err := manifest.Load(dir)
	if err != nil {
		res.Err = fmt.Errorf("orchestrator: load manifest for %q: %w", tenant, err)
		return res
	}

	if err := manifest.SyncPubkey(dir, tenant, o.logger); err != nil {
		o.logger.Warn("pubkey sync failed", slog.String("tenant", tenant), slog.Any("error", err))
	}

	auditLog, err := audit.Open(o.rootDir)
	if err != nil {
		res.Err = fmt.Errorf("orchestrator: open audit log: %w", err)
		return res
	}

	modulePath := filepath.Join(dir, "module.wasm")
	signerKeyB64, err := o.backend.Verify(modulePath)
	if err != nil {
		_, _ = auditLog.Append(ctx, "tenant_verify_failed", map[string]string{
			"tenant": tenant, "error": err.Error(),
		})
		res.Err = fmt.Errorf("orchestrator: verify %q: %w", tenant, err)
		return res
	}

	st, err := state.Open(o.rootDir, tenant)
	if err != nil {
		res.Err = fmt.Errorf("orchestrator: open state store for %q: %w", tenant, err)
		return res
	}
	defer st.Close()

	cfg := proof.ExecConfig{
		Tenant:      tenant,
		ModulePath:  modulePath,
		Permissions: m.Permissions,
		PreopenDirs: sandbox.PreopenDirs(dir),
		FuelCap:     &m.FuelLimit,
		TimeLimitMS: &m.TimeoutMS,
	}

	p, execErr := o.backend.Execute(ctx, cfg)
	p.SignerKeyB64 = signerKeyB64
	res.Proof = p

	if recErr := proof.RecordRun(ctx, st, p); recErr != nil {
		o.logger.Warn("failed to record proof", slog.String("tenant", tenant), slog.Any("error", recErr))
	}

	event := "tenant_run_ok"
	if !p.OK() {
		event = "tenant_run_failed"
	}
	if _, err := auditLog.Append(ctx, event, p); err != nil {
		o.logger.Warn("failed to append audit entry", slog.String("tenant", tenant), slog.Any("error", err))
	}

	if execErr != nil {
		res.Err = fmt.Errorf("orchestrator: execute %q: %w", tenant, execErr)
	}
	return res
}
