package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	nccrypto "github.com/nightcore/executor/internal/crypto"
	"github.com/nightcore/executor/internal/proof"
)

// sandboxGuestPath is the fixed guest-visible mount point for a tenant's
// preopened directory (spec.md §4.6 step 4: "if <dir>/sandbox/ exists,
// preopen it into the guest as /sandbox").
const sandboxGuestPath = "/sandbox"

// BytecodeBackend executes WASM modules under wazero, a pure-Go runtime, with
// the capability grants, resource limits, and entrypoint resolution that
// spec.md §4.6/§4.7 require. It is the reference SandboxBackend
// implementation (original_source's nc-exec-wasmtime is the Rust/wasmtime
// analogue this Go backend is grounded on).
type BytecodeBackend struct{}

// NewBytecodeBackend constructs the reference wazero-backed sandbox.
func NewBytecodeBackend() *BytecodeBackend { return &BytecodeBackend{} }

func (b *BytecodeBackend) Name() string { return "wazero" }

// Verify delegates to the shared module-verification routine; the bytecode
// backend does not impose any engine-specific verification beyond the
// signature check every backend shares.
func (b *BytecodeBackend) Verify(modulePath string) (string, error) {
	return VerifyModule(modulePath)
}

// entrypoints lists the exported function names tried, in order, as a
// module's entrypoint (spec.md §4.7). wazero's default ModuleConfig calls
// every name in WithStartFunctions that the module exports, silently
// skipping names it doesn't — which is exactly "try in order, run whichever
// exists".
var entrypoints = []string{"_start", "main", "run"}

// fuelBudget caps the number of WASM function calls a single Execute may
// perform, standing in for wasmtime's native fuel metering (wazero has no
// built-in equivalent): each function entry consumes one unit via a
// experimental.FunctionListener, and the run is aborted by cancelling its
// context once the budget is exhausted.
type fuelBudget struct {
	remaining int64
	cancel    context.CancelFunc
	exhausted atomic.Bool
}

func (f *fuelBudget) NewFunctionListener(def api.FunctionDefinition) experimental.FunctionListener {
	return f
}

func (f *fuelBudget) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, stack experimental.StackIterator) context.Context {
	if atomic.AddInt64(&f.remaining, -1) < 0 {
		f.exhausted.Store(true)
		f.cancel()
	}
	return ctx
}

func (f *fuelBudget) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error, results []uint64) {
}

// Execute compiles and runs the module described by cfg under a fresh
// wazero.Runtime (one runtime per Execute call bounds the live instance
// count to exactly one), enforcing the manifest's fuel cap and wall-clock
// timeout, and granting only the capabilities the manifest's permissions
// list names. No memory-size cap is applied.
func (b *BytecodeBackend) Execute(ctx context.Context, cfg proof.ExecConfig) (proof.ExecProof, error) {
	started := time.Now().UTC()

	wasmBytes, err := os.ReadFile(cfg.ModulePath)
	if err != nil {
		return proof.ExecProof{}, fmt.Errorf("sandbox: read module %q: %w", cfg.ModulePath, err)
	}
	moduleHash := nccrypto.SHA256HexUpper(wasmBytes)

	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.TimeLimitMS != nil && *cfg.TimeLimitMS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(*cfg.TimeLimitMS)*time.Millisecond)
		defer cancel()
	} else {
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	var budget *fuelBudget
	if cfg.FuelCap != nil && *cfg.FuelCap > 0 {
		budget = &fuelBudget{remaining: int64(*cfg.FuelCap), cancel: cancel}
		runCtx = experimental.WithFunctionListenerFactory(runCtx, budget)
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	defer runtime.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return proof.ExecProof{}, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}

	// wazero attaches function listeners at compile time, so the module is
	// compiled under runCtx, which carries the fuel listener factory.
	compiled, err := runtime.CompileModule(runCtx, wasmBytes)
	if err != nil {
		return errorProof(cfg, moduleHash, b.Name(), started, "CompileFailed"), fmt.Errorf("sandbox: compile module: %w", err)
	}
	if err := checkResourceLimits(compiled); err != nil {
		return errorProof(cfg, moduleHash, b.Name(), started, "ResourceLimitExceeded"), err
	}

	modConfig := wazero.NewModuleConfig().
		WithStartFunctions(entrypoints...).
		WithStderr(os.Stderr)

	if cfg.HasPermission("stdout") {
		modConfig = modConfig.WithStdout(os.Stdout)
	}
	if cfg.HasPermission("fs:read") {
		fsConfig := wazero.NewFSConfig()
		for _, dir := range cfg.PreopenDirs {
			if _, err := os.Stat(dir); err != nil {
				return proof.ExecProof{}, fmt.Errorf("sandbox: preopen dir %q: %w", dir, err)
			}
			fsConfig = fsConfig.WithReadOnlyDirMount(dir, sandboxGuestPath)
		}
		modConfig = modConfig.WithFSConfig(fsConfig)
	}
	for k, v := range cfg.Env {
		modConfig = modConfig.WithEnv(k, v)
	}

	finishedStatus := "ok"
	if _, err := runtime.InstantiateModule(runCtx, compiled, modConfig); err != nil {
		switch {
		case budget != nil && budget.exhausted.Load():
			finishedStatus = "error:FuelExhausted"
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			finishedStatus = "error:ExecTimedOut"
		case runCtx.Err() != nil:
			finishedStatus = "error:ResourceLimitExceeded"
		default:
			finishedStatus = fmt.Sprintf("error:GuestTrap:%s", err.Error())
		}
	}

	finished := time.Now().UTC()
	p := proof.ExecProof{
		Tenant:       cfg.Tenant,
		ModuleSHA256: moduleHash,
		SignerKeyB64: "<verified>",
		StartedAt:    started,
		FinishedAt:   finished,
		Status:       finishedStatus,
		Backend:      b.Name(),
	}
	if finishedStatus != "ok" {
		return p, fmt.Errorf("sandbox: execute %q: %s", cfg.ModulePath, finishedStatus)
	}
	return p, nil
}

func errorProof(cfg proof.ExecConfig, moduleHash, backend string, started time.Time, kind string) proof.ExecProof {
	return proof.ExecProof{
		Tenant:       cfg.Tenant,
		ModuleSHA256: moduleHash,
		SignerKeyB64: "<verified>",
		StartedAt:    started,
		FinishedAt:   time.Now().UTC(),
		Status:       "error:" + kind,
		Backend:      backend,
	}
}

// resourceLimits lists fixed caps on a module's shape, independent of the
// manifest's fuel/timeout caps, which bound runtime behavior. Only
// maxMemories is checked, and only against the module's exported memories;
// maxTables and maxInstances are not checked by checkResourceLimits.
const (
	maxMemories  = 1
	maxTables    = 2
	maxInstances = 1
)

func checkResourceLimits(compiled wazero.CompiledModule) error {
	if n := len(compiled.ExportedMemories()); n > maxMemories {
		return fmt.Errorf("sandbox: module exports %d memories, max %d", n, maxMemories)
	}
	return nil
}
