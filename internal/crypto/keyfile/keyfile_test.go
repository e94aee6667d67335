package keyfile

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"os"
	"path/filepath"
	"testing"

	pkgcrypto "github.com/and161185/inkwell/internal/crypto"
)

func TestDeriveKEK_DeterministicAndSaltDependent(t *testing.T) {
	t.Parallel()
	pw := []byte("secret-pass")
	s1 := []byte("salt-1")
	s2 := []byte("salt-2")
	k1 := DeriveKEK(pw, s1)
	k2 := DeriveKEK(pw, s1)
	if subtle.ConstantTimeCompare(k1, k2) != 1 {
		t.Fatalf("DeriveKEK not deterministic")
	}
	if subtle.ConstantTimeCompare(k1, DeriveKEK(pw, s2)) != 0 {
		t.Fatalf("DeriveKEK must change with salt")
	}
	if subtle.ConstantTimeCompare(k1, DeriveKEK([]byte("other"), s1)) != 0 {
		t.Fatalf("DeriveKEK must change with passphrase")
	}
}

func TestSealOpen_Roundtrip(t *testing.T) {
	t.Parallel()
	kp, err := pkgcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	f, err := Seal([]byte("pw"), kp)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(f.SealedPrivate, kp.Private) {
		t.Fatalf("sealed file contains the raw private key")
	}

	out, err := f.Open([]byte("pw"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(out.Private, kp.Private) || !bytes.Equal(out.Public, kp.Public) {
		t.Fatalf("open != original")
	}

	if _, err := f.Open([]byte("pw2")); !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("wrong passphrase must fail, got %v", err)
	}

	// Swapping the public key breaks the AAD binding.
	other, _ := pkgcrypto.GenerateKeyPair()
	swapped := f
	swapped.PublicKey = other.Public
	if _, err := swapped.Open([]byte("pw")); !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("public key swap must fail, got %v", err)
	}

	if _, err := Seal(nil, kp); err == nil {
		t.Fatalf("empty passphrase must be rejected")
	}
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "key.json")

	kp, _ := pkgcrypto.GenerateKeyPair()
	f, err := Seal([]byte("pw"), kp)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	f.UserID = "u-1"
	f.KeyID = "k-1"
	if err := Save(path, f); err != nil {
		t.Fatalf("Save: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("perm=%v, want 0600", st.Mode().Perm())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.UserID != "u-1" || got.KeyID != "k-1" {
		t.Fatalf("metadata lost: %+v", got)
	}
	if _, err := got.Open([]byte("pw")); err != nil {
		t.Fatalf("Open after Load: %v", err)
	}

	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("want parse error")
	}
	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("want error for missing file")
	}

	bad := f
	bad.Version = 9
	if _, err := bad.Open([]byte("pw")); err == nil {
		t.Fatalf("unsupported version must fail")
	}
}
