package sandbox

import (
	"context"
	"fmt"

	"github.com/nightcore/executor/internal/proof"
)

// Supervisor is the host-side adapter a real microVM backend would dial into
// (a firecracker-style jailer process, a vsock control socket, whatever the
// deployment's hypervisor exposes). original_source's nc-exec-firecracker
// crate owns that glue; it has no Go analogue in this module, so Supervisor
// is left as an interface with no shipped implementation — wiring one in is
// a deployment-specific concern, not something the executor can generalize.
type Supervisor interface {
	// RunModule boots a guest, runs the module at modulePath to completion,
	// and returns its exit status.
	RunModule(ctx context.Context, modulePath string, preopenDirs []string) error
}

// MicrovmBackend implements the SandboxBackend contract for a microVM-based
// execution engine. Verify works identically to every other backend; Execute
// requires a Supervisor to actually run anything, which this module does not
// provide — spec.md scopes the microVM host adapter itself out. Execute never
// produces a proof: it returns ErrBackendUnavailable without a Supervisor,
// and also after an injected Supervisor has run the module successfully.
type MicrovmBackend struct {
	supervisor Supervisor
}

// NewMicrovmBackend constructs a MicrovmBackend. Passing a nil supervisor is
// valid and yields a backend whose Verify works but whose Execute always
// fails with ErrBackendUnavailable — useful for `inspect`/`verify-env`
// commands that only need the contract shape, not a running hypervisor.
func NewMicrovmBackend(supervisor Supervisor) *MicrovmBackend {
	return &MicrovmBackend{supervisor: supervisor}
}

func (b *MicrovmBackend) Name() string { return "microvm" }

func (b *MicrovmBackend) Verify(modulePath string) (string, error) {
	return VerifyModule(modulePath)
}

func (b *MicrovmBackend) Execute(ctx context.Context, cfg proof.ExecConfig) (proof.ExecProof, error) {
	if b.supervisor == nil {
		return proof.ExecProof{}, fmt.Errorf("%w: no Supervisor configured for tenant %q", ErrBackendUnavailable, cfg.Tenant)
	}
	if err := b.supervisor.RunModule(ctx, cfg.ModulePath, cfg.PreopenDirs); err != nil {
		return proof.ExecProof{}, fmt.Errorf("sandbox: microvm run %q: %w", cfg.ModulePath, err)
	}
	return proof.ExecProof{}, fmt.Errorf("%w: microvm proof emission not implemented", ErrBackendUnavailable)
}
