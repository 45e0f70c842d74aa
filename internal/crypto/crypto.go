// Package crypto provides the SHA-256 digesting, Ed25519 signing/verification,
// and base64 codec primitives shared by the manifest loader, the sandbox
// backends, and the AUFS verifier.
//
// All functions operate on raw byte slices and surface malformed key or
// signature material as ErrBadKeyMaterial rather than panicking, so that a
// tenant-supplied file can never crash the executor.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrBadKeyMaterial is returned when a key or signature has the wrong length
// or cannot be decoded. It corresponds to spec error kind BadKeyMaterial.
var ErrBadKeyMaterial = errors.New("crypto: bad key material")

// SHA256Hex returns the lowercase hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA256HexUpper returns the uppercase hex-encoded SHA-256 digest of data,
// used by proof reports per spec.md §3.
func SHA256HexUpper(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%X", sum[:])
}

// Fingerprint returns a "SHA256:<hex>" fingerprint string for a raw key,
// matching the format export-pubkey-hashes prints per spec.md §6.
func Fingerprint(raw []byte) string {
	return "SHA256:" + SHA256Hex(raw)
}

// EncodeB64 encodes raw bytes as padded standard base64 without line
// breaks, matching how keys and signatures are stored on disk.
func EncodeB64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeB64 decodes a base64 string, trimming no whitespace itself — callers
// are expected to have already trimmed newlines from file contents.
func DecodeB64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrBadKeyMaterial, err)
	}
	return raw, nil
}

// DecodePublicKeyB64 decodes a base64 string into an Ed25519 public key,
// requiring exactly ed25519.PublicKeySize (32) bytes.
func DecodePublicKeyB64(s string) (ed25519.PublicKey, error) {
	raw, err := DecodeB64(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes, want %d", ErrBadKeyMaterial, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// DecodeSignatureB64 decodes a base64 string into a raw Ed25519 signature,
// requiring exactly ed25519.SignatureSize (64) bytes.
func DecodeSignatureB64(s string) ([]byte, error) {
	raw, err := DecodeB64(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature is %d bytes, want %d", ErrBadKeyMaterial, len(raw), ed25519.SignatureSize)
	}
	return raw, nil
}

// DecodePrivateKeyB64 decodes a base64 string into an Ed25519 private key
// seed, requiring exactly ed25519.SeedSize (32) bytes, and expands it into a
// full private key via ed25519.NewKeyFromSeed.
func DecodePrivateKeyB64(s string) (ed25519.PrivateKey, error) {
	raw, err := DecodeB64(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: private key seed is %d bytes, want %d", ErrBadKeyMaterial, len(raw), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

// Verify checks an Ed25519 signature over message using pubkey. It never
// panics: length mismatches are reported as ErrBadKeyMaterial rather than
// propagated from the stdlib, which would otherwise panic on bad sizes.
func Verify(pubkey ed25519.PublicKey, message, signature []byte) (bool, error) {
	if len(pubkey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: public key is %d bytes, want %d", ErrBadKeyMaterial, len(pubkey), ed25519.PublicKeySize)
	}
	if len(signature) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: signature is %d bytes, want %d", ErrBadKeyMaterial, len(signature), ed25519.SignatureSize)
	}
	return ed25519.Verify(pubkey, message, signature), nil
}

// Sign produces a 64-byte Ed25519 signature over message using privkey.
func Sign(privkey ed25519.PrivateKey, message []byte) ([]byte, error) {
	if len(privkey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes, want %d", ErrBadKeyMaterial, len(privkey), ed25519.PrivateKeySize)
	}
	return ed25519.Sign(privkey, message), nil
}
