// Package keyfile protects a user's personal E2EE private key at rest on the client.
// The private key never leaves the device; only the public half is registered with the server.
package keyfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	pkgcrypto "github.com/and161185/inkwell/internal/crypto"
)

// Params
const (
	KEKLen  = 32
	SaltLen = 16
	version = 1

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// ErrBadPassphrase is returned when the sealed key cannot be opened.
var ErrBadPassphrase = errors.New("keyfile: wrong passphrase or corrupted file")

// File is the on-disk form. SealedPrivate = nonce || XChaCha20-Poly1305(private), AAD = PublicKey.
type File struct {
	Version       int    `json:"version"`
	UserID        string `json:"user_id,omitempty"`
	KeyID         string `json:"key_id,omitempty"`
	PublicKey     []byte `json:"public_key"`
	KDFSalt       []byte `json:"kdf_salt"`
	SealedPrivate []byte `json:"sealed_private"`
}

// DeriveKEK derives a KEK from passphrase and salt using Argon2id.
func DeriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KEKLen)
}

// Seal encrypts kp.Private under a passphrase-derived KEK.
func Seal(passphrase []byte, kp pkgcrypto.KeyPair) (File, error) {
	if len(passphrase) == 0 {
		return File{}, errors.New("keyfile: empty passphrase")
	}
	salt, err := pkgcrypto.RandBytes(SaltLen)
	if err != nil {
		return File{}, err
	}
	aead, err := chacha20poly1305.NewX(DeriveKEK(passphrase, salt))
	if err != nil {
		return File{}, err
	}
	nonce, err := pkgcrypto.RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return File{}, err
	}
	out := make([]byte, 0, len(nonce)+len(kp.Private)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, kp.Private, kp.Public)...)
	return File{
		Version:       version,
		PublicKey:     append([]byte(nil), kp.Public...),
		KDFSalt:       salt,
		SealedPrivate: out,
	}, nil
}

// Open decrypts the private key.
func (f File) Open(passphrase []byte) (pkgcrypto.KeyPair, error) {
	if f.Version != version {
		return pkgcrypto.KeyPair{}, fmt.Errorf("keyfile: unsupported version %d", f.Version)
	}
	if len(f.SealedPrivate) < chacha20poly1305.NonceSizeX {
		return pkgcrypto.KeyPair{}, ErrBadPassphrase
	}
	aead, err := chacha20poly1305.NewX(DeriveKEK(passphrase, f.KDFSalt))
	if err != nil {
		return pkgcrypto.KeyPair{}, err
	}
	nonce := f.SealedPrivate[:chacha20poly1305.NonceSizeX]
	ct := f.SealedPrivate[chacha20poly1305.NonceSizeX:]
	priv, err := aead.Open(nil, nonce, ct, f.PublicKey)
	if err != nil {
		return pkgcrypto.KeyPair{}, ErrBadPassphrase
	}
	return pkgcrypto.KeyPair{Public: append([]byte(nil), f.PublicKey...), Private: priv}, nil
}

// Save writes f to path with owner-only permissions.
func Save(path string, f File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// Load reads a key file written by Save.
func Load(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return File{}, fmt.Errorf("keyfile: parse %s: %w", path, err)
	}
	return f, nil
}
