// Package keyset provides the symmetric key material that protects an archive:
// authenticated encryption of byte buffers, a stable encoded form that can be
// regenerated later, wrapping under another KeySet, and HKDF sub-keys for the
// stream layers.
package keyset

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Amaury/arkiv-lock/pkg/fault"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of every KeySet key.
const KeySize = 32

// Cipher identifies the AEAD construction used by a KeySet.
type Cipher uint8

const (
	XChaCha20Poly1305 Cipher = iota + 1
	AES256GCM
)

var (
	ErrDecrypt       = errors.New("keyset: message authentication failed")
	ErrShort         = errors.New("keyset: ciphertext too short")
	ErrUnknownCipher = errors.New("keyset: unknown cipher")
	ErrBadSpec       = errors.New("keyset: malformed keyset specification")
)

func (c Cipher) String() string {
	switch c {
	case XChaCha20Poly1305:
		return "xchacha20-poly1305"
	case AES256GCM:
		return "aes-256-gcm"
	}
	return fmt.Sprintf("Cipher(%d)", uint8(c))
}

// Valid returns nil iff c is a known cipher.
func (c Cipher) Valid() error {
	switch c {
	case XChaCha20Poly1305, AES256GCM:
		return nil
	}
	return fmt.Errorf("%w 0x%x", ErrUnknownCipher, uint8(c))
}

// ParseCipher maps a configuration name onto a Cipher.
func ParseCipher(name string) (Cipher, error) {
	switch strings.ToLower(name) {
	case "", "xchacha20-poly1305", "xchacha20poly1305":
		return XChaCha20Poly1305, nil
	case "aes-256-gcm", "aes256gcm":
		return AES256GCM, nil
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownCipher, name)
}

// KeySet is a symmetric key bound to an AEAD cipher.
type KeySet struct {
	cipher Cipher
	key    []byte
}

// New generates a KeySet with a random key.
func New(c Cipher) (*KeySet, error) {
	if err := c.Valid(); err != nil {
		return nil, err
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return &KeySet{cipher: c, key: key}, nil
}

// FromKey builds a KeySet around an existing key. The key is copied.
func FromKey(c Cipher, key []byte) (*KeySet, error) {
	if err := c.Valid(); err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("keyset: key must be %d bytes, got %d", KeySize, len(key))
	}
	return &KeySet{cipher: c, key: append([]byte(nil), key...)}, nil
}

// FromSpec regenerates a KeySet from the output of Spec.
func FromSpec(spec []byte) (*KeySet, error) {
	var (
		seq cryptobyte.String
		c   uint64
		key []byte
	)
	in := cryptobyte.String(spec)
	if !in.ReadASN1(&seq, cbasn1.SEQUENCE) || !in.Empty() ||
		!seq.ReadASN1Integer(&c) ||
		!seq.ReadASN1Bytes(&key, cbasn1.OCTET_STRING) || !seq.Empty() {
		return nil, fault.Format(ErrBadSpec)
	}
	if c > 0xff {
		return nil, fault.Format(fmt.Errorf("%w 0x%x", ErrUnknownCipher, c))
	}
	ks, err := FromKey(Cipher(c), key)
	if err != nil {
		return nil, fault.Format(err)
	}
	return ks, nil
}

// Cipher returns the AEAD construction of the KeySet.
func (k *KeySet) Cipher() Cipher { return k.cipher }

// Spec encodes the KeySet as DER: SEQUENCE { INTEGER cipher, OCTET STRING key }.
// The result is secret material.
func (k *KeySet) Spec() []byte {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Uint64(uint64(k.cipher))
		b.AddASN1OctetString(k.key)
	})
	return b.BytesOrPanic()
}

func (k *KeySet) aead() (cipher.AEAD, error) {
	switch k.cipher {
	case XChaCha20Poly1305:
		return chacha20poly1305.NewX(k.key)
	case AES256GCM:
		block, err := aes.NewCipher(k.key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
	return nil, k.cipher.Valid()
}

// EncryptBytes seals plaintext with a fresh random nonce. Layout: nonce||ct||tag.
func (k *KeySet) EncryptBytes(plaintext []byte) ([]byte, error) {
	aead, err := k.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptBytes opens data produced by EncryptBytes with the same key.
func (k *KeySet) DecryptBytes(ciphertext []byte) ([]byte, error) {
	aead, err := k.aead()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, fault.Crypto(ErrShort)
	}
	nonce := ciphertext[:aead.NonceSize()]
	pt, err := aead.Open(nil, nonce, ciphertext[aead.NonceSize():], nil)
	if err != nil {
		return nil, fault.Crypto(ErrDecrypt)
	}
	return pt, nil
}

// Secure wraps this KeySet under another one.
func (k *KeySet) Secure(under *KeySet) ([]byte, error) {
	spec := k.Spec()
	defer Zero(spec)
	return under.EncryptBytes(spec)
}

// Unsecure reverses Secure.
func Unsecure(blob []byte, under *KeySet) (*KeySet, error) {
	spec, err := under.DecryptBytes(blob)
	if err != nil {
		return nil, err
	}
	defer Zero(spec)
	return FromSpec(spec)
}

// DeriveKey expands n bytes of sub-key material with HKDF-SHA256.
func (k *KeySet) DeriveKey(salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.key, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// Equal compares two KeySets in constant time.
func (k *KeySet) Equal(o *KeySet) bool {
	if k == nil || o == nil {
		return k == o
	}
	return k.cipher == o.cipher && subtle.ConstantTimeCompare(k.key, o.key) == 1
}

// Zero wipes the key. The KeySet is unusable afterwards.
func (k *KeySet) Zero() {
	Zero(k.key)
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
