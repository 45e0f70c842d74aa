// Package sandbox defines the SandboxBackend contract and the two backends
// that satisfy it: BytecodeBackend (a wazero-based WASM runtime, the
// reference implementation) and MicrovmBackend (an abstract contract stub —
// spec.md §4.7 scopes the actual microVM host adapter out).
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	nccrypto "github.com/nightcore/executor/internal/crypto"
	"github.com/nightcore/executor/internal/manifest"
	"github.com/nightcore/executor/internal/proof"
)

// ErrSignatureInvalid corresponds to spec error kind SignatureInvalid:
// module, pubkey, and signature were all present, but the pubkey or
// signature failed to decode or the signature did not verify.
var ErrSignatureInvalid = errors.New("sandbox: signature invalid")

// ErrArtifactMissing corresponds to spec error kind ArtifactMissing: the
// module, its signature, or its pubkey was absent from the tenant directory.
var ErrArtifactMissing = errors.New("sandbox: artifact missing")

// ErrBackendUnavailable is returned by a backend that cannot execute in the
// current process (e.g. MicrovmBackend without an injected Supervisor).
var ErrBackendUnavailable = errors.New("sandbox: backend unavailable")

// Backend is the contract every sandbox implementation must satisfy
// (spec.md §3's SandboxBackend trait, carried over verbatim as a Go
// interface).
type Backend interface {
	// Name returns the backend's identifier, recorded on every ExecProof.
	Name() string
	// Verify checks the module at modulePath against the sibling pubkey.b64
	// and module.sig files in the same directory, returning the signer's
	// base64-encoded public key on success so the run can be attributed to it.
	Verify(modulePath string) (signerKeyB64 string, err error)
	// Execute runs the verified module per cfg and returns its proof. Execute
	// is only ever called after a successful Verify.
	Execute(ctx context.Context, cfg proof.ExecConfig) (proof.ExecProof, error)
}

// VerifyModule performs the module-verification half of spec.md §4.6: read
// the module bytes, its sibling pubkey.b64 and module.sig, and check the
// Ed25519 signature over the raw module bytes (not a digest, per spec.md §9).
// It is shared by every backend so "verify" means the same thing regardless
// of execution engine.
func VerifyModule(modulePath string) (signerKeyB64 string, err error) {
	dir := filepath.Dir(modulePath)

	wasm, err := os.ReadFile(modulePath)
	if err != nil {
		return "", fmt.Errorf("%w: read module %q: %v", ErrArtifactMissing, modulePath, err)
	}

	pubRaw, err := os.ReadFile(filepath.Join(dir, "pubkey.b64"))
	if err != nil {
		return "", fmt.Errorf("%w: read pubkey.b64: %v", ErrArtifactMissing, err)
	}
	sigRaw, err := os.ReadFile(filepath.Join(dir, "module.sig"))
	if err != nil {
		return "", fmt.Errorf("%w: read module.sig: %v", ErrArtifactMissing, err)
	}

	pub, err := nccrypto.DecodePublicKeyB64(trimmed(pubRaw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	sig, err := nccrypto.DecodeSignatureB64(trimmed(sigRaw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	ok, err := nccrypto.Verify(pub, wasm, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: signature does not match %q", ErrSignatureInvalid, modulePath)
	}

	return trimmed(pubRaw), nil
}

func trimmed(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

// PreopenDirs returns the host directories a tenant run should preopen into
// its guest sandbox mount: a single-element slice naming tenantDir/sandbox
// when that directory exists, or nil otherwise (spec.md §4.6 step 4: "if
// <dir>/sandbox/ exists, preopen it into the guest as /sandbox").
func PreopenDirs(tenantDir string) []string {
	dir := filepath.Join(tenantDir, "sandbox")
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return []string{dir}
	}
	return nil
}

// GrantFromManifest resolves the fuel cap and timeout applied to an
// ExecConfig from a tenant's manifest, falling back to manifest.DefaultFuelLimit
// / manifest.DefaultTimeoutMS (the manifest loader already applies these
// defaults, so this simply forwards the resolved values).
func GrantFromManifest(m *manifest.Manifest) (fuelCap, timeoutMS uint64) {
	return m.FuelLimit, m.TimeoutMS
}
