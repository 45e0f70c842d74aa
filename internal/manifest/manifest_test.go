package manifest_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	nccrypto "github.com/nightcore/executor/internal/crypto"
	"github.com/nightcore/executor/internal/manifest"
)

func writeManifest(t *testing.T, dir string, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"name":"hello","permissions":["stdout"]}`)

	m, err := manifest.Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.FuelLimit != manifest.DefaultFuelLimit {
		t.Errorf("FuelLimit = %d, want %d", m.FuelLimit, manifest.DefaultFuelLimit)
	}
	if m.TimeoutMS != manifest.DefaultTimeoutMS {
		t.Errorf("TimeoutMS = %d, want %d", m.TimeoutMS, manifest.DefaultTimeoutMS)
	}
	if !m.HasPermission("stdout") {
		t.Error("expected stdout permission")
	}
	if m.HasPermission("fs:write") {
		t.Error("fs:write must not be granted")
	}
}

func TestLoad_ExplicitOverrides(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"name":"hello","fuel_limit":0,"timeout_ms":200}`)

	m, err := manifest.Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.FuelLimit != 0 {
		t.Errorf("FuelLimit = %d, want 0 (explicit override)", m.FuelLimit)
	}
	if m.TimeoutMS != 200 {
		t.Errorf("TimeoutMS = %d, want 200", m.TimeoutMS)
	}
}

func TestLoad_UnknownPermissionRejected(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"name":"hello","permissions":["stdout","net:connect"]}`)

	_, err := manifest.Load(dir)
	if err == nil {
		t.Fatal("expected ManifestInvalid error for unknown permission")
	}
}

func TestLoad_MissingNameRejected(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"permissions":["stdout"]}`)

	_, err := manifest.Load(dir)
	if err == nil {
		t.Fatal("expected ManifestInvalid error for missing name")
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{not json`)

	_, err := manifest.Load(dir)
	if err == nil {
		t.Fatal("expected ManifestInvalid error for malformed JSON")
	}
}

func TestSyncPubkey_CreatesMissing(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	seed := priv.Seed()
	if err := os.WriteFile(filepath.Join(dir, "acme.key"), []byte(nccrypto.EncodeB64(seed)), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	if err := manifest.SyncPubkey(dir, "acme", nil); err != nil {
		t.Fatalf("SyncPubkey: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "pubkey.b64"))
	if err != nil {
		t.Fatalf("read pubkey.b64: %v", err)
	}
	if string(got) != nccrypto.EncodeB64(pub) {
		t.Errorf("pubkey.b64 = %q, want derived pubkey", got)
	}
}

func TestSyncPubkey_NeverOverwritesDivergent(t *testing.T) {
	dir := t.TempDir()
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	seed := priv.Seed()
	os.WriteFile(filepath.Join(dir, "acme.key"), []byte(nccrypto.EncodeB64(seed)), 0o600)

	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	divergent := nccrypto.EncodeB64(otherPub)
	os.WriteFile(filepath.Join(dir, "pubkey.b64"), []byte(divergent), 0o644)

	if err := manifest.SyncPubkey(dir, "acme", nil); err != nil {
		t.Fatalf("SyncPubkey: %v", err)
	}

	got, _ := os.ReadFile(filepath.Join(dir, "pubkey.b64"))
	if string(got) != divergent {
		t.Error("SyncPubkey must never overwrite a divergent pubkey.b64")
	}
}

func TestManifestJSONRoundtrip(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"name":"hello","version":"1.0","description":"d","permissions":["stdout","fs:read"],"fuel_limit":100000,"timeout_ms":1000}`)

	m, err := manifest.Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back manifest.Manifest
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Name != m.Name || back.FuelLimit != m.FuelLimit {
		t.Errorf("round-trip mismatch: got %+v, want %+v", back, m)
	}
}
