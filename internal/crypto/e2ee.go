// Package crypto implements the end-to-end encryption primitives shared by clients:
// P-256 ECDH key agreement, HKDF key derivation, AES-256-GCM and group key wrapping.
// Nothing here performs I/O; the server only ever relays the outputs.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/model"
)

// Sizes of the primitives.
const (
	KeyLen  = 32 // AES-256 and group keys
	SaltLen = 16
	IVLen   = 12
	TagLen  = 16

	wrapVersion byte = 1
)

var (
	curve    = ecdh.P256()
	hkdfInfo = []byte("inkwell/e2ee/v1")
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	return b, err
}

// KeyPair is a P-256 key pair. Public is the uncompressed point, Private the scalar.
// Only Public is ever sent to the server.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// GenerateKeyPair returns a fresh P-256 key pair for ECDH.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate p256 key: %w", err)
	}
	return KeyPair{
		Public:  priv.PublicKey().Bytes(),
		Private: priv.Bytes(),
	}, nil
}

// ValidatePublicKey checks that pub is a point on the curve.
func ValidatePublicKey(pub []byte) error {
	if _, err := curve.NewPublicKey(pub); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	return nil
}

// DeriveSharedSecret computes the raw ECDH secret.
func DeriveSharedSecret(myPrivate, theirPublic []byte) ([]byte, error) {
	priv, err := curve.NewPrivateKey(myPrivate)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	pub, err := curve.NewPublicKey(theirPublic)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	return secret, nil
}

// DeriveEncryptionKey stretches an ECDH secret into an AES-256 key with HKDF-SHA256.
// A nil salt is replaced by fresh random bytes; the salt actually used is returned and
// must travel with any ciphertext produced under the key.
func DeriveEncryptionKey(secret, salt []byte) (key, usedSalt []byte, err error) {
	if len(secret) == 0 {
		return nil, nil, fmt.Errorf("empty secret")
	}
	if salt == nil {
		if salt, err = RandBytes(SaltLen); err != nil {
			return nil, nil, err
		}
	}
	key = make([]byte, KeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, hkdfInfo), key); err != nil {
		return nil, nil, err
	}
	return key, salt, nil
}

// Sealed is the output of an AEAD encryption. Salt is set when the key was derived per message.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
	Salt       []byte
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("key must be %d bytes (got %d)", KeyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with AES-256-GCM. Every call draws a new IV.
func Encrypt(plaintext, key []byte) (Sealed, error) {
	aead, err := newGCM(key)
	if err != nil {
		return Sealed{}, err
	}
	iv, err := RandBytes(IVLen)
	if err != nil {
		return Sealed{}, err
	}
	out := aead.Seal(nil, iv, plaintext, nil)
	split := len(out) - TagLen
	return Sealed{Ciphertext: out[:split], IV: iv, AuthTag: out[split:]}, nil
}

// Decrypt opens s with key. Any malformed field or a failed tag check yields errs.ErrUndecryptable.
func Decrypt(s Sealed, key []byte) ([]byte, error) {
	if len(s.IV) != IVLen || len(s.AuthTag) != TagLen {
		return nil, fmt.Errorf("bad iv/tag length: %w", errs.ErrUndecryptable)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errs.ErrUndecryptable)
	}
	buf := make([]byte, 0, len(s.Ciphertext)+TagLen)
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.AuthTag...)
	pt, err := aead.Open(nil, s.IV, buf, nil)
	if err != nil {
		return nil, errs.ErrUndecryptable
	}
	return pt, nil
}

// EncryptForUser encrypts a 1:1 message. The key is derived per message, so the salt is returned in Sealed.
func EncryptForUser(plaintext, myPrivate, theirPublic []byte) (Sealed, error) {
	secret, err := DeriveSharedSecret(myPrivate, theirPublic)
	if err != nil {
		return Sealed{}, err
	}
	key, salt, err := DeriveEncryptionKey(secret, nil)
	if err != nil {
		return Sealed{}, err
	}
	s, err := Encrypt(plaintext, key)
	if err != nil {
		return Sealed{}, err
	}
	s.Salt = salt
	return s, nil
}

// DecryptFromUser reverses EncryptForUser. Either party can decrypt: ECDH is symmetric.
func DecryptFromUser(s Sealed, myPrivate, theirPublic []byte) ([]byte, error) {
	if len(s.Salt) == 0 {
		return nil, fmt.Errorf("missing salt: %w", errs.ErrUndecryptable)
	}
	secret, err := DeriveSharedSecret(myPrivate, theirPublic)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errs.ErrUndecryptable)
	}
	key, _, err := DeriveEncryptionKey(secret, s.Salt)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errs.ErrUndecryptable)
	}
	return Decrypt(s, key)
}

// GenerateGroupKey returns a random symmetric group key.
func GenerateGroupKey() ([]byte, error) { return RandBytes(KeyLen) }

// EncryptGroupKey wraps groupKey for one member using ECDH(adminPrivate, memberPublic).
// Layout: version(1) || salt(16) || iv(12) || ciphertext || tag(16).
func EncryptGroupKey(groupKey, memberPublic, adminPrivate []byte) ([]byte, error) {
	if len(groupKey) != KeyLen {
		return nil, fmt.Errorf("group key must be %d bytes", KeyLen)
	}
	s, err := EncryptForUser(groupKey, adminPrivate, memberPublic)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+SaltLen+IVLen+len(s.Ciphertext)+TagLen)
	out = append(out, wrapVersion)
	out = append(out, s.Salt...)
	out = append(out, s.IV...)
	out = append(out, s.Ciphertext...)
	out = append(out, s.AuthTag...)
	return out, nil
}

// DecryptGroupKey unwraps a key produced by EncryptGroupKey. The wrong member key fails the tag check.
func DecryptGroupKey(wrapped, adminPublic, memberPrivate []byte) ([]byte, error) {
	const header = 1 + SaltLen + IVLen
	if len(wrapped) < header+TagLen || wrapped[0] != wrapVersion {
		return nil, fmt.Errorf("malformed wrapped key: %w", errs.ErrUndecryptable)
	}
	body := wrapped[header:]
	s := Sealed{
		Salt:       wrapped[1 : 1+SaltLen],
		IV:         wrapped[1+SaltLen : header],
		Ciphertext: body[:len(body)-TagLen],
		AuthTag:    body[len(body)-TagLen:],
	}
	key, err := DecryptFromUser(s, memberPrivate, adminPublic)
	if err != nil {
		return nil, err
	}
	if len(key) != KeyLen {
		return nil, fmt.Errorf("unwrapped key length %d: %w", len(key), errs.ErrUndecryptable)
	}
	return key, nil
}

var b64 = base64.StdEncoding

// Payload renders s in the wire/storage form.
func (s Sealed) Payload() *model.EncryptedPayload {
	p := &model.EncryptedPayload{
		Ciphertext: b64.EncodeToString(s.Ciphertext),
		IV:         b64.EncodeToString(s.IV),
		AuthTag:    b64.EncodeToString(s.AuthTag),
	}
	if len(s.Salt) > 0 {
		p.Salt = b64.EncodeToString(s.Salt)
	}
	return p
}

// SealedFromPayload decodes the wire form. Bad base64 is reported as undecryptable.
func SealedFromPayload(p *model.EncryptedPayload) (Sealed, error) {
	if p.Empty() {
		return Sealed{}, fmt.Errorf("empty payload: %w", errs.ErrUndecryptable)
	}
	var (
		s   Sealed
		err error
	)
	if s.Ciphertext, err = b64.DecodeString(p.Ciphertext); err != nil {
		return Sealed{}, fmt.Errorf("ciphertext: %w", errs.ErrUndecryptable)
	}
	if s.IV, err = b64.DecodeString(p.IV); err != nil {
		return Sealed{}, fmt.Errorf("iv: %w", errs.ErrUndecryptable)
	}
	if s.AuthTag, err = b64.DecodeString(p.AuthTag); err != nil {
		return Sealed{}, fmt.Errorf("auth tag: %w", errs.ErrUndecryptable)
	}
	if p.Salt != "" {
		if s.Salt, err = b64.DecodeString(p.Salt); err != nil {
			return Sealed{}, fmt.Errorf("salt: %w", errs.ErrUndecryptable)
		}
	}
	return s, nil
}
