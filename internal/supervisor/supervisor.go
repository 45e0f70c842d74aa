// Package supervisor contains the executor's long-running orchestration
// loop. It wires together the tenant watcher and the orchestrator, and
// optionally forwards run reports to a remote compliance mirror, managing
// their lifecycle through a shared context.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nightcore/executor/internal/config"
	"github.com/nightcore/executor/internal/orchestrator"
	"github.com/nightcore/executor/internal/watcher"
)

// TenantSource is the interface implemented by components that notify the
// supervisor of tenant directories arriving or being removed. watcher.TenantWatcher
// satisfies this interface in production.
type TenantSource interface {
	// Start begins monitoring and sends events to the channel returned by
	// Events. It returns an error if initialisation fails.
	Start(ctx context.Context) error
	// Stop signals the source to cease monitoring and release resources.
	Stop()
	// Events returns a read-only channel of tenant arrival/removal events.
	Events() <-chan watcher.TenantEvent
}

// Runner is the interface implemented by the orchestrator. It is abstracted
// here so tests can substitute a fake without standing up real tenants.
type Runner interface {
	// Run discovers and executes all tenants in one pass, returning a report
	// describing the outcome of each.
	Run(ctx context.Context) (orchestrator.RunReport, error)
}

// Mirror is the interface for the optional remote compliance mirror client.
// A nil Mirror disables replication entirely.
type Mirror interface {
	// PushReport forwards a completed run report to the mirror. Implementations
	// should be best-effort: a failure here must never abort a tenant run.
	PushReport(ctx context.Context, report orchestrator.RunReport) error
	// Close releases resources held by the mirror client.
	Close() error
}

// Supervisor is the central orchestrator of the long-running executor
// process. It starts and supervises the tenant watcher, triggers
// orchestrator runs on tenant topology changes, and optionally mirrors
// run reports to a remote compliance endpoint.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	source Runner
	watch  TenantSource
	mirror Mirror

	startTime time.Time
	cancel    context.CancelFunc

	mu           sync.RWMutex
	lastRunAt    time.Time
	lastReport   orchestrator.RunReport
	tenantsSeen  int
	running      bool
	wg           sync.WaitGroup
}

// New creates a new Supervisor from the provided configuration and logger.
// Provide the tenant watcher, orchestrator, and mirror client via the
// functional options returned by WithTenantSource, WithRunner, and
// WithMirror. Runner is required; TenantSource and Mirror are optional and
// default to no-ops, which is useful in tests and in one-shot (non-watch)
// invocations.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option is a functional option for Supervisor construction.
type Option func(*Supervisor)

// WithTenantSource registers the tenant-arrival watcher.
func WithTenantSource(src TenantSource) Option {
	return func(s *Supervisor) { s.watch = src }
}

// WithRunner registers the orchestrator used to execute tenant runs.
func WithRunner(r Runner) Option {
	return func(s *Supervisor) { s.source = r }
}

// WithMirror registers the remote compliance mirror client.
func WithMirror(m Mirror) Option {
	return func(s *Supervisor) { s.mirror = m }
}

// Start triggers an initial orchestrator run and, if a TenantSource was
// configured, begins watching for tenant topology changes using the
// provided context. It returns a non-nil error if the initial run or the
// watcher fails to start. On success, internal goroutines handle ongoing
// tenant-arrival-triggered runs until Stop is called or ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already running")
	}
	if s.source == nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: no runner configured")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("starting executor supervisor",
		slog.String("root_dir", s.cfg.RootDir),
		slog.Int("parallel", s.cfg.Parallel),
		slog.Bool("proof_mode", s.cfg.ProofMode),
	)

	s.runOnce(ctx)

	if s.watch != nil {
		if err := s.watch.Start(ctx); err != nil {
			cancel()
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return fmt.Errorf("supervisor: tenant watcher failed to start: %w", err)
		}
		s.wg.Add(1)
		go s.processTenantEvents(ctx)
	}

	s.logger.Info("executor supervisor started")
	return nil
}

// Stop signals all components to shut down and waits for internal goroutines
// to exit. It is safe to call Stop multiple times.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	if s.watch != nil {
		s.watch.Stop()
	}

	s.wg.Wait()

	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil {
			s.logger.Warn("error closing mirror client", slog.Any("error", err))
		}
	}

	s.logger.Info("executor supervisor stopped")
}

// processTenantEvents consumes tenant arrival/removal events and triggers a
// fresh orchestrator run on each. It exits when the watcher's event channel
// is closed or ctx is cancelled.
func (s *Supervisor) processTenantEvents(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.watch.Events():
			if !ok {
				return
			}
			s.logger.Info("tenant topology change detected",
				slog.String("tenant", evt.Tenant),
				slog.String("operation", string(evt.Operation)),
			)
			s.runOnce(ctx)
		}
	}
}

// runOnce executes a single orchestrator pass, records the report, and
// mirrors it if a mirror client is configured. Errors are logged but never
// stop the supervisor.
func (s *Supervisor) runOnce(ctx context.Context) {
	report, err := s.source.Run(ctx)
	if err != nil {
		s.logger.Error("orchestrator run failed", slog.Any("error", err))
	}

	s.mu.Lock()
	s.lastRunAt = report.Finished
	s.lastReport = report
	s.tenantsSeen = len(report.Results)
	s.mu.Unlock()

	s.logger.Info("orchestrator run completed",
		slog.Int("succeeded", len(report.Succeeded())),
		slog.Int("failed", len(report.Failed())),
	)

	if s.mirror != nil {
		if err := s.mirror.PushReport(ctx, report); err != nil {
			s.logger.Warn("failed to push run report to mirror", slog.Any("error", err))
		}
	}
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	TenantCount int     `json:"tenant_count"`
	Succeeded   int     `json:"last_run_succeeded"`
	Failed      int     `json:"last_run_failed"`
	LastRunAt   string  `json:"last_run_at,omitempty"`
}

// Health returns a snapshot of the current supervisor health state.
func (s *Supervisor) Health() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := HealthStatus{
		Status:      "ok",
		UptimeS:     time.Since(s.startTime).Seconds(),
		TenantCount: s.tenantsSeen,
		Succeeded:   len(s.lastReport.Succeeded()),
		Failed:      len(s.lastReport.Failed()),
	}

	if !s.lastRunAt.IsZero() {
		h.LastRunAt = s.lastRunAt.UTC().Format(time.RFC3339)
	}

	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the supervisor's
// health status as a JSON object and HTTP 200.
func (s *Supervisor) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := s.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
