package supervisor_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/nightcore/executor/internal/config"
	"github.com/nightcore/executor/internal/orchestrator"
	"github.com/nightcore/executor/internal/supervisor"
	"github.com/nightcore/executor/internal/watcher"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

// fakeSource is a simple in-memory TenantSource implementation for tests.
type fakeSource struct {
	startErr   error
	events     chan watcher.TenantEvent
	stopCalled bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan watcher.TenantEvent, 8)}
}

func (f *fakeSource) Start(_ context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	return nil
}
func (f *fakeSource) Stop()                                  { f.stopCalled = true; close(f.events) }
func (f *fakeSource) Events() <-chan watcher.TenantEvent { return f.events }

// fakeRunner records Run invocations and returns a canned report.
type fakeRunner struct {
	runErr  error
	report  orchestrator.RunReport
	calls   int
}

func (r *fakeRunner) Run(_ context.Context) (orchestrator.RunReport, error) {
	r.calls++
	return r.report, r.runErr
}

// fakeMirror records pushed reports.
type fakeMirror struct {
	pushErr  error
	pushed   []orchestrator.RunReport
	closeErr error
	closed   bool
}

func (m *fakeMirror) PushReport(_ context.Context, report orchestrator.RunReport) error {
	m.pushed = append(m.pushed, report)
	return m.pushErr
}
func (m *fakeMirror) Close() error { m.closed = true; return m.closeErr }

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func minimalConfig() *config.Config {
	return &config.Config{
		RootDir:        "/var/lib/executor",
		Parallel:       1,
		DefaultBackend: "wazero",
		LogLevel:       "info",
	}
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

func okReport(n int) orchestrator.RunReport {
	results := make([]orchestrator.TenantResult, n)
	for i := range results {
		results[i] = orchestrator.TenantResult{Tenant: "tenant"}
	}
	return orchestrator.RunReport{Results: results, Started: time.Now(), Finished: time.Now()}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestSupervisor_StartRequiresRunner(t *testing.T) {
	sup := supervisor.New(minimalConfig(), noopLogger())
	if err := sup.Start(context.Background()); err == nil {
		t.Fatal("expected error when no runner configured, got nil")
	}
}

func TestSupervisor_StartStop_RunnerOnly(t *testing.T) {
	runner := &fakeRunner{report: okReport(2)}
	sup := supervisor.New(minimalConfig(), noopLogger(), supervisor.WithRunner(runner))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if runner.calls != 1 {
		t.Errorf("runner.calls = %d, want 1 (initial run)", runner.calls)
	}

	sup.Stop()
	sup.Stop() // must be idempotent
}

func TestSupervisor_StartReturnsErrorWhenWatcherFails(t *testing.T) {
	src := newFakeSource()
	src.startErr = errors.New("watcher init failed")
	runner := &fakeRunner{report: okReport(0)}

	sup := supervisor.New(minimalConfig(), noopLogger(),
		supervisor.WithRunner(runner),
		supervisor.WithTenantSource(src),
	)

	if err := sup.Start(context.Background()); err == nil {
		t.Fatal("expected error when tenant source fails to start, got nil")
	}
}

func TestSupervisor_TenantEventTriggersRerun(t *testing.T) {
	src := newFakeSource()
	runner := &fakeRunner{report: okReport(1)}
	mirror := &fakeMirror{}

	sup := supervisor.New(minimalConfig(), noopLogger(),
		supervisor.WithRunner(runner),
		supervisor.WithTenantSource(src),
		supervisor.WithMirror(mirror),
	)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.events <- watcher.TenantEvent{Tenant: "acme", Operation: watcher.OpArrived, Timestamp: time.Now()}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runner.calls >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	sup.Stop()

	if runner.calls < 2 {
		t.Errorf("runner.calls = %d, want >= 2 (initial + event-triggered)", runner.calls)
	}
	if len(mirror.pushed) < 2 {
		t.Errorf("mirror.pushed = %d, want >= 2", len(mirror.pushed))
	}
	if !mirror.closed {
		t.Error("mirror.Close was not called")
	}
}

func TestSupervisor_HealthzEndpoint_Returns200WithJSON(t *testing.T) {
	runner := &fakeRunner{report: okReport(3)}
	sup := supervisor.New(minimalConfig(), noopLogger(), supervisor.WithRunner(runner))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	sup.HealthzHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	ct := rec.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var h supervisor.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if h.Status != "ok" {
		t.Errorf("status = %q, want %q", h.Status, "ok")
	}
	if h.TenantCount != 3 {
		t.Errorf("tenant_count = %d, want 3", h.TenantCount)
	}
	if h.UptimeS < 0 {
		t.Errorf("uptime_s = %f, must be >= 0", h.UptimeS)
	}
}

func TestSupervisor_CannotStartTwice(t *testing.T) {
	runner := &fakeRunner{report: okReport(0)}
	sup := supervisor.New(minimalConfig(), noopLogger(), supervisor.WithRunner(runner))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer sup.Stop()

	if err := sup.Start(context.Background()); err == nil {
		t.Fatal("expected error on second Start, got nil")
	}
}
