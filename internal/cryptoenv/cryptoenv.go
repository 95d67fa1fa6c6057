// Package cryptoenv is the crypto envelope (component A): password→key
// derivation, AEAD encrypt/decrypt for every at-rest ciphertext, and
// master-key seal/unseal for per-user key escrow.
//
// One AEAD primitive — ChaCha20-Poly1305 — is used for every ciphertext in
// the store: local mail bodies/subjects and the sealed per-user
// data-encryption keys. Bulletin bodies and remote mail are stored as
// plaintext and do not pass through this package. Password→key derivation uses argon2id
// tuned to a small-SBC profile (≈32 MiB memory, 3 passes, 1 lane by
// default — see config.CryptoConfig).
package cryptoenv

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sentinel errors surfaced by encrypt/decrypt/derive operations.
var (
	// ErrAuthenticationFailure means the ciphertext was tampered with or the
	// wrong key/AAD was used to open it.
	ErrAuthenticationFailure = errors.New("cryptoenv: authentication failure")
	// ErrInvalidLength means the ciphertext is too short to contain a nonce
	// and tag — almost certainly truncated in transit or at rest.
	ErrInvalidLength = errors.New("cryptoenv: invalid ciphertext length")
	// ErrKdfBudgetExceeded means the configured KDF parameters fall outside
	// the accepted small-SBC profile range.
	ErrKdfBudgetExceeded = errors.New("cryptoenv: kdf parameters out of range")
)

const (
	// KeySize is the size in bytes of every derived or generated data key.
	KeySize = chacha20poly1305.KeySize
	// SaltSize is the size in bytes of a fresh per-user or per-password-change salt.
	SaltSize = 16

	minKdfMemoryKiB = 8 * 1024
	maxKdfMemoryKiB = 256 * 1024
	minKdfPasses    = 1
	maxKdfPasses    = 10
)

// KdfParams tunes the argon2id derivation. Mirrors config.CryptoConfig so
// the crypto envelope never has to import the config package directly.
type KdfParams struct {
	MemoryKiB uint32
	Passes    uint32
	Lanes     uint8
}

// Envelope bundles the configured KDF parameters and exposes the encrypt/
// decrypt/derive operations as methods, so callers don't thread KdfParams
// through every call site.
type Envelope struct {
	kdf KdfParams
}

// New validates params and returns an Envelope, or ErrKdfBudgetExceeded if
// the parameters fall outside the accepted profile.
func New(params KdfParams) (*Envelope, error) {
	if params.MemoryKiB < minKdfMemoryKiB || params.MemoryKiB > maxKdfMemoryKiB {
		return nil, fmt.Errorf("%w: memory_kib=%d", ErrKdfBudgetExceeded, params.MemoryKiB)
	}
	if params.Passes < minKdfPasses || params.Passes > maxKdfPasses {
		return nil, fmt.Errorf("%w: passes=%d", ErrKdfBudgetExceeded, params.Passes)
	}
	if params.Lanes < 1 {
		return nil, fmt.Errorf("%w: lanes=%d", ErrKdfBudgetExceeded, params.Lanes)
	}
	return &Envelope{kdf: params}, nil
}

// NewSalt generates a fresh 128-bit random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("cryptoenv.NewSalt: %w", err)
	}
	return salt, nil
}

// DeriveKey deterministically derives a data key from password and salt.
// Side-effect-free: identical inputs always yield identical output.
func (e *Envelope) DeriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, e.kdf.Passes, e.kdf.MemoryKiB, e.kdf.Lanes, KeySize)
}

// Encrypt seals plaintext under key with optional associated data. The
// returned blob is (nonce || ciphertext || tag) as a single byte slice; a
// fresh nonce is generated per call.
func Encrypt(plaintext, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv.Encrypt: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptoenv.Encrypt: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Decrypt opens a blob produced by Encrypt. Returns ErrInvalidLength if the
// blob is too short to contain a nonce and tag, or ErrAuthenticationFailure
// if the key/AAD don't match.
func Decrypt(blob, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoenv.Decrypt: %w", err)
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrInvalidLength
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}

// SealForMaster seals a per-user data key under the operator's master key,
// with no AAD — this blob is purely for recovery and carries no timestamp
// binding.
func SealForMaster(dataKey, masterKey []byte) ([]byte, error) {
	return Encrypt(dataKey, masterKey, nil)
}

// UnsealFromMaster recovers a per-user data key previously sealed by
// SealForMaster.
func UnsealFromMaster(sealed, masterKey []byte) ([]byte, error) {
	return Decrypt(sealed, masterKey, nil)
}

// MailAAD reconstructs the associated data bound into a mail ciphertext at
// compose time: the sender's username and an integer-second clock value,
// joined by "|". This must match exactly between encrypt and decrypt.
func MailAAD(senderUsername string, epochSeconds int64) []byte {
	return []byte(fmt.Sprintf("%s|%d", senderUsername, epochSeconds))
}

// TryDecryptMail attempts to open a mail ciphertext, reconstructing AAD in
// three phases: first with no AAD (for rows written before AAD binding
// existed, or external/legacy content), then scanning ±2s around createdAt,
// then a bounded one-hour, one-second-at-a-time search ending at "now" for
// rows whose metadata (clock, sender rename) has drifted further.
// legacySearchWindow bounds the third phase; pass 0 to disable it entirely.
//
// Returns the plaintext and which phase succeeded ("none", "tight",
// "legacy"), or ErrAuthenticationFailure if every candidate AAD failed.
func TryDecryptMail(blob, key []byte, senderUsername string, createdAt, now time.Time, legacySearchWindow time.Duration) ([]byte, string, error) {
	if pt, err := Decrypt(blob, key, nil); err == nil {
		return pt, "none", nil
	}

	createdSec := createdAt.UTC().Unix()
	for offset := int64(-2); offset <= 2; offset++ {
		aad := MailAAD(senderUsername, createdSec+offset)
		if pt, err := Decrypt(blob, key, aad); err == nil {
			return pt, "tight", nil
		}
	}

	if legacySearchWindow <= 0 {
		return nil, "", ErrAuthenticationFailure
	}
	windowSeconds := int64(legacySearchWindow / time.Second)
	nowSec := now.UTC().Unix()
	for offset := int64(0); offset < windowSeconds; offset++ {
		aad := MailAAD(senderUsername, nowSec-offset)
		if pt, err := Decrypt(blob, key, aad); err == nil {
			return pt, "legacy", nil
		}
	}

	return nil, "", ErrAuthenticationFailure
}
