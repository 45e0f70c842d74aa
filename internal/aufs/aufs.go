// Package aufs implements the Autonomous Upgrade & Fork System's threshold
// signature verification gate (spec.md §4.2): an upgrade only proceeds once
// M distinct maintainer keys, drawn from a pool of N, have each signed the
// exact upgrade manifest bytes.
package aufs

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nightcore/executor/internal/audit"
	nccrypto "github.com/nightcore/executor/internal/crypto"
)

// ErrUpgradeRejected corresponds to spec error kind UpgradeRejected: missing
// manifest, broken file-hash pin, insufficient distinct signatures, or a
// rollback attempt.
var ErrUpgradeRejected = errors.New("aufs: upgrade rejected")

// defaultSignaturesRequired is used when a manifest omits
// signatures_required, matching original_source's aufs_verify.rs fallback.
const defaultSignaturesRequired = 2

// Manifest is the on-disk shape of an upgrade manifest (spec.md §4.2).
type Manifest struct {
	Version             string            `json:"version"`
	PreviousVersion     string            `json:"previous_version"`
	Timestamp           string            `json:"timestamp"`
	Description         string            `json:"description,omitempty"`
	Files               []string          `json:"files,omitempty"`
	SHA256              map[string]string `json:"sha256,omitempty"`
	SignaturesRequired  int               `json:"signatures_required,omitempty"`
}

// Result is the outcome of a successful VerifyUpgrade call.
type Result struct {
	Manifest      Manifest
	ValidCount    int
	Required      int
	MatchedKeys   []string // paths of the maintainer key files that matched
	RepoRoot      string
	ManifestPath  string
}

// FindRepoRoot walks up from startDir looking for a go.mod file, matching
// original_source's Cargo.toml-based repo-root discovery adapted to a Go
// module tree. If no ancestor carries a go.mod, startDir itself is returned.
func FindRepoRoot(startDir string) string {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return startDir
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return startDir
		}
		dir = parent
	}
}

// resolveManifestPath mirrors aufs_verify.rs's fallback: if manifestPath
// (joined to repoRoot) does not exist, fall back to
// upgrades/manifests/upgrade_manifest.json.
func resolveManifestPath(repoRoot, manifestPath string) (string, error) {
	candidate := filepath.Join(repoRoot, manifestPath)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	fallback := filepath.Join(repoRoot, "upgrades", "manifests", "upgrade_manifest.json")
	if _, err := os.Stat(fallback); err == nil {
		return fallback, nil
	}
	return "", fmt.Errorf("%w: manifest not found at %q (also checked %q)", ErrUpgradeRejected, candidate, fallback)
}

// collectPubFiles returns the sorted absolute paths of every *.pub file
// directly inside dir, or nil if dir does not exist.
func collectPubFiles(dir string) ([]string, error) {
	return collectFilesWithExt(dir, ".pub")
}

// collectSigFiles returns the sorted absolute paths of every *.sig or *.b64
// file directly inside dir, or nil if dir does not exist.
func collectSigFiles(dir string) ([]string, error) {
	sigs, err := collectFilesWithExt(dir, ".sig")
	if err != nil {
		return nil, err
	}
	b64s, err := collectFilesWithExt(dir, ".b64")
	if err != nil {
		return nil, err
	}
	return append(sigs, b64s...), nil
}

func collectFilesWithExt(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("aufs: read %q: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ext) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// discoverKeys gathers maintainer public key files from keys/maintainers
// (global) and every modules/*/maintainers directory (per-tenant), matching
// aufs_verify.rs's global+tenant key discovery.
func discoverKeys(repoRoot string) ([]string, error) {
	var all []string

	global, err := collectPubFiles(filepath.Join(repoRoot, "keys", "maintainers"))
	if err != nil {
		return nil, err
	}
	all = append(all, global...)

	moduleDirs, err := os.ReadDir(filepath.Join(repoRoot, "modules"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("aufs: read modules dir: %w", err)
	}
	for _, m := range moduleDirs {
		if !m.IsDir() {
			continue
		}
		tenantKeys, err := collectPubFiles(filepath.Join(repoRoot, "modules", m.Name(), "maintainers"))
		if err != nil {
			return nil, err
		}
		all = append(all, tenantKeys...)
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("%w: no maintainer keys found in global or tenant directories", ErrUpgradeRejected)
	}
	return all, nil
}

// discoverSignatures gathers signature files from upgrades/signatures
// (global) and every modules/*/signatures directory (per-tenant).
func discoverSignatures(repoRoot string) ([]string, error) {
	var all []string

	global, err := collectSigFiles(filepath.Join(repoRoot, "upgrades", "signatures"))
	if err != nil {
		return nil, err
	}
	all = append(all, global...)

	moduleDirs, err := os.ReadDir(filepath.Join(repoRoot, "modules"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("aufs: read modules dir: %w", err)
	}
	for _, m := range moduleDirs {
		if !m.IsDir() {
			continue
		}
		tenantSigs, err := collectSigFiles(filepath.Join(repoRoot, "modules", m.Name(), "signatures"))
		if err != nil {
			return nil, err
		}
		all = append(all, tenantSigs...)
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("%w: no signatures found in global or tenant signature directories", ErrUpgradeRejected)
	}
	return all, nil
}

// VerifyUpgrade implements spec.md §4.2's AUFS gate end to end: resolve the
// manifest, pin every referenced file's SHA-256, verify the threshold
// signature over the manifest's raw bytes, and enforce rollback protection
// against runningVersion. It appends an audit entry recording the outcome.
//
// Distinct-signer enforcement (spec.md §9 Open Question, resolved): a
// maintainer key counts toward the threshold at most once even if multiple
// signature files verify against it — the stronger reading sanctioned by
// spec.md §9, and a deviation from original_source's per-signature count
// (which can double-count one key signing twice).
func VerifyUpgrade(ctx context.Context, repoRootHint, manifestPath, runningVersion string, auditLog *audit.Log) (Result, error) {
	repoRoot := FindRepoRoot(repoRootHint)

	resolved, err := resolveManifestPath(repoRoot, manifestPath)
	if err != nil {
		return Result{}, recordFailure(ctx, auditLog, manifestPath, err)
	}

	raw, err := os.ReadFile(resolved)
	if err != nil {
		return Result{}, recordFailure(ctx, auditLog, manifestPath, fmt.Errorf("%w: read manifest: %v", ErrUpgradeRejected, err))
	}

	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return Result{}, recordFailure(ctx, auditLog, manifestPath, fmt.Errorf("%w: parse manifest: %v", ErrUpgradeRejected, err))
	}

	if manifest.PreviousVersion != runningVersion {
		err := fmt.Errorf("%w: previous_version %q does not match running version %q",
			ErrUpgradeRejected, manifest.PreviousVersion, runningVersion)
		return Result{}, recordFailure(ctx, auditLog, manifestPath, err)
	}

	for file, expectedHex := range manifest.SHA256 {
		filePath := filepath.Join(repoRoot, file)
		data, err := os.ReadFile(filePath)
		if err != nil {
			err = fmt.Errorf("%w: missing referenced file %q: %v", ErrUpgradeRejected, filePath, err)
			return Result{}, recordFailure(ctx, auditLog, manifestPath, err)
		}
		actual := nccrypto.SHA256Hex(data)
		if !strings.EqualFold(actual, expectedHex) {
			err := fmt.Errorf("%w: SHA-256 mismatch for %q: expected %s, got %s",
				ErrUpgradeRejected, file, expectedHex, actual)
			return Result{}, recordFailure(ctx, auditLog, manifestPath, err)
		}
	}

	keyFiles, err := discoverKeys(repoRoot)
	if err != nil {
		return Result{}, recordFailure(ctx, auditLog, manifestPath, err)
	}
	sigFiles, err := discoverSignatures(repoRoot)
	if err != nil {
		return Result{}, recordFailure(ctx, auditLog, manifestPath, err)
	}

	matchedKeys := verifyThreshold(raw, keyFiles, sigFiles)

	required := manifest.SignaturesRequired
	if required == 0 {
		required = defaultSignaturesRequired
	}
	if len(matchedKeys) < required {
		err := fmt.Errorf("%w: only %d distinct valid signatures, need %d",
			ErrUpgradeRejected, len(matchedKeys), required)
		return Result{}, recordFailure(ctx, auditLog, manifestPath, err)
	}

	result := Result{
		Manifest:     manifest,
		ValidCount:   len(matchedKeys),
		Required:     required,
		MatchedKeys:  matchedKeys,
		RepoRoot:     repoRoot,
		ManifestPath: resolved,
	}

	if auditLog != nil {
		_, _ = auditLog.Append(ctx, "aufs_verification_passed", map[string]any{
			"manifest": resolved,
			"status":   "passed",
		})
	}

	return result, nil
}

// verifyThreshold checks every signature file against every key file,
// returning the paths of the key files that produced at least one valid
// signature over payload. A key appears at most once even if multiple
// signatures verify against it.
func verifyThreshold(payload []byte, keyFiles, sigFiles []string) []string {
	matched := make(map[string]bool)
	var order []string

	for _, sigPath := range sigFiles {
		sigRaw, err := os.ReadFile(sigPath)
		if err != nil {
			continue
		}
		sig, err := nccrypto.DecodeSignatureB64(strings.TrimSpace(string(sigRaw)))
		if err != nil {
			continue
		}

		for _, keyPath := range keyFiles {
			if matched[keyPath] {
				continue
			}
			keyRaw, err := os.ReadFile(keyPath)
			if err != nil {
				continue
			}
			pub, err := nccrypto.DecodePublicKeyB64(strings.TrimSpace(string(keyRaw)))
			if err != nil {
				continue
			}
			ok, err := nccrypto.Verify(pub, payload, sig)
			if err == nil && ok {
				matched[keyPath] = true
				order = append(order, keyPath)
				break
			}
		}
	}

	return order
}

func recordFailure(ctx context.Context, auditLog *audit.Log, manifestPath string, cause error) error {
	if auditLog != nil {
		_, _ = auditLog.Append(ctx, "aufs_verification_failed", map[string]any{
			"manifest": manifestPath,
			"status":   "failed",
			"error":    cause.Error(),
		})
	}
	return cause
}

// SignManifest signs the raw bytes of the manifest at manifestPath with
// privkey and writes the base64 signature to outPath, implementing the
// maintainer side of spec.md §6's `sign-upgrade` command. outPath should live
// under upgrades/signatures/ or a tenant's signatures/ directory so
// discoverSignatures picks it up.
func SignManifest(manifestPath, outPath string, privkey ed25519.PrivateKey) error {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("aufs: read manifest %q: %w", manifestPath, err)
	}
	sig, err := nccrypto.Sign(privkey, raw)
	if err != nil {
		return fmt.Errorf("aufs: sign manifest: %w", err)
	}
	if err := os.WriteFile(outPath, []byte(nccrypto.EncodeB64(sig)), 0o644); err != nil {
		return fmt.Errorf("aufs: write signature %q: %w", outPath, err)
	}
	return nil
}
