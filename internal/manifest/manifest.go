// Package manifest loads and validates per-tenant manifests. Tenant
// manifests are JSON (spec.md §3, §4.1); unknown permissions fail loading
// with ErrManifestInvalid. AUFS upgrade manifests are handled by
// internal/aufs, not here.
package manifest

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	nccrypto "github.com/nightcore/executor/internal/crypto"
)

// ErrManifestInvalid corresponds to spec error kind ManifestInvalid: a parse
// failure or an unsupported permission token.
var ErrManifestInvalid = errors.New("manifest: invalid")

// Default resource caps applied when the manifest omits them, per spec.md §3.
const (
	DefaultFuelLimit = uint64(50_000)
	DefaultTimeoutMS = uint64(3_000)
)

// allowedPermissions is the closed allowlist from spec.md §3. Any permission
// token outside this set fails loading.
var allowedPermissions = map[string]bool{
	"stdout":   true,
	"fs:read":  true,
}

// Manifest is the validated, immutable per-tenant manifest record.
type Manifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version,omitempty"`
	Description  string   `json:"description,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
	FuelLimit    uint64   `json:"fuel_limit"`
	TimeoutMS    uint64   `json:"timeout_ms"`
	MaxMemoryKB  *uint64  `json:"max_memory_kb,omitempty"`
}

// rawManifest is the on-disk JSON shape before defaults are applied. Using a
// distinct type lets FuelLimit/TimeoutMS be pointers so "absent" and
// "explicitly zero" are distinguishable, matching spec.md's "non-negative
// integer, default N" wording (zero is a valid, non-default value).
type rawManifest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	FuelLimit   *uint64  `json:"fuel_limit,omitempty"`
	TimeoutMS   *uint64  `json:"timeout_ms,omitempty"`
	MaxMemoryKB *uint64  `json:"max_memory_kb,omitempty"`
}

// HasPermission reports whether the manifest grants the named capability
// token (e.g. "stdout", "fs:read").
func (m *Manifest) HasPermission(token string) bool {
	for _, p := range m.Permissions {
		if p == token {
			return true
		}
	}
	return false
}

// Load reads and validates the manifest at <dir>/manifest.json, applying
// defaults for fuel_limit and timeout_ms. It rejects any permission not in
// the allowlist with ErrManifestInvalid.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %v", ErrManifestInvalid, path, err)
	}

	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", ErrManifestInvalid, path, err)
	}

	if raw.Name == "" {
		return nil, fmt.Errorf("%w: %q: name is required", ErrManifestInvalid, path)
	}

	for _, p := range raw.Permissions {
		if !allowedPermissions[p] {
			return nil, fmt.Errorf("%w: %q: unsupported permission %q", ErrManifestInvalid, path, p)
		}
	}

	m := &Manifest{
		Name:        raw.Name,
		Version:     raw.Version,
		Description: raw.Description,
		Permissions: raw.Permissions,
		FuelLimit:   DefaultFuelLimit,
		TimeoutMS:   DefaultTimeoutMS,
		MaxMemoryKB: raw.MaxMemoryKB,
	}
	if raw.FuelLimit != nil {
		m.FuelLimit = *raw.FuelLimit
	}
	if raw.TimeoutMS != nil {
		m.TimeoutMS = *raw.TimeoutMS
	}

	return m, nil
}

// SyncPubkey implements the pubkey auto-sync behavior from spec.md §9: when
// <dir>/<tenant>.key (an Ed25519 private key seed, base64) exists, its
// derived public key is compared against <dir>/pubkey.b64. A missing
// pubkey.b64 is created. A divergent pubkey.b64 is never overwritten; a
// warning is logged instead so a key-rotation bug is never silently masked.
func SyncPubkey(dir, tenant string, logger *slog.Logger) error {
	keyPath := filepath.Join(dir, tenant+".key")
	keyB64, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no local signing key; nothing to sync
		}
		return fmt.Errorf("manifest: read %q: %w", keyPath, err)
	}

	priv, err := nccrypto.DecodePrivateKeyB64(strings.TrimSpace(string(keyB64)))
	if err != nil {
		return fmt.Errorf("manifest: decode %q: %w", keyPath, err)
	}
	derivedPub := priv.Public().(ed25519.PublicKey)
	derivedB64 := nccrypto.EncodeB64(derivedPub)

	pubPath := filepath.Join(dir, "pubkey.b64")
	existing, err := os.ReadFile(pubPath)
	if err != nil {
		if os.IsNotExist(err) {
			return os.WriteFile(pubPath, []byte(derivedB64), 0o644)
		}
		return fmt.Errorf("manifest: read %q: %w", pubPath, err)
	}

	if strings.TrimSpace(string(existing)) != derivedB64 {
		if logger != nil {
			logger.Warn("pubkey.b64 diverges from tenant key; not overwriting",
				slog.String("tenant", tenant),
				slog.String("pubkey_path", pubPath),
			)
		}
	}
	return nil
}
