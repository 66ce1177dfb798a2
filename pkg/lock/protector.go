package lock

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/Amaury/arkiv-lock/internal/lockasn1"
	"github.com/Amaury/arkiv-lock/pkg/fault"
	"github.com/Amaury/arkiv-lock/pkg/keyset"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Type is the kind of credential a Lock expects.
type Type = lockasn1.Tag

const (
	KeySetPassword  = lockasn1.KeySetPassword
	FactoryPassword = lockasn1.FactoryPassword
	KeyPairPassword = lockasn1.KeyPairPassword
)

// Options tune newly created locks.
type Options struct {
	// KDF is used for password stretching. A zero value selects
	// keyset.DefaultKDF; a missing salt is filled with random bytes.
	KDF keyset.KDFParams
	// Cipher protects the wrapped keys. Zero selects XChaCha20-Poly1305.
	Cipher keyset.Cipher
}

func (o Options) kdf() keyset.KDFParams {
	switch {
	case o.KDF.Algorithm == 0:
		return keyset.DefaultKDF()
	case len(o.KDF.Salt) == 0:
		return o.KDF.WithFreshSalt()
	}
	return o.KDF
}

func (o Options) cipher() keyset.Cipher {
	if o.Cipher == 0 {
		return keyset.XChaCha20Poly1305
	}
	return o.Cipher
}

// Protector is one of the concrete sub-locks: *KeySetPasswordLock,
// *FactoryPasswordLock or *KeyPairPasswordLock.
type Protector interface {
	Type() Type
	MarshalBinary() ([]byte, error)
}

// parseProtector decodes the sub-lock payload selected by tag.
func parseProtector(tag Type, payload []byte) (Protector, error) {
	var (
		p   Protector
		err error
	)
	switch tag {
	case KeySetPassword:
		p, err = ParseKeySetPasswordLock(payload)
	case FactoryPassword:
		p, err = ParseFactoryPasswordLock(payload)
	case KeyPairPassword:
		p, err = ParseKeyPairPasswordLock(payload)
	default:
		return nil, fault.Format(tag.Valid())
	}
	if err != nil {
		return nil, err
	}
	again, err := p.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(again, payload) {
		return nil, fault.Formatf("lock: non-canonical %s encoding", tag)
	}
	return p, nil
}

// KeySetPasswordLock protects a random master keyset with a key derived from a
// password.
type KeySetPasswordLock struct {
	KDF     keyset.KDFParams
	Cipher  keyset.Cipher
	Wrapped []byte
}

func newKeySetPasswordLock(password []byte, opts Options) (*KeySetPasswordLock, *keyset.KeySet, error) {
	c := opts.cipher()
	kdf := opts.kdf()
	master, err := keyset.New(c)
	if err != nil {
		return nil, nil, err
	}
	kek, err := kdf.DeriveKeySet(password, c)
	if err != nil {
		return nil, nil, err
	}
	defer kek.Zero()
	wrapped, err := master.Secure(kek)
	if err != nil {
		return nil, nil, err
	}
	return &KeySetPasswordLock{KDF: kdf, Cipher: c, Wrapped: wrapped}, master, nil
}

func (*KeySetPasswordLock) Type() Type { return KeySetPassword }

// MarshalBinary encodes SEQUENCE { kdf, INTEGER cipher, OCTET STRING wrapped }.
func (p *KeySetPasswordLock) MarshalBinary() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		p.KDF.AddASN1(b)
		b.AddASN1Uint64(uint64(p.Cipher))
		b.AddASN1OctetString(p.Wrapped)
	})
	return b.Bytes()
}

// ParseKeySetPasswordLock decodes the output of MarshalBinary.
func ParseKeySetPasswordLock(der []byte) (*KeySetPasswordLock, error) {
	var (
		in      = cryptobyte.String(der)
		seq     cryptobyte.String
		c       uint64
		wrapped []byte
	)
	if !in.ReadASN1(&seq, cbasn1.SEQUENCE) || !in.Empty() {
		return nil, fault.Format(errMalformed(KeySetPassword))
	}
	kdf, err := keyset.ReadKDFParams(&seq)
	if err != nil {
		return nil, err
	}
	if !seq.ReadASN1Integer(&c) || !seq.ReadASN1Bytes(&wrapped, cbasn1.OCTET_STRING) || !seq.Empty() {
		return nil, fault.Format(errMalformed(KeySetPassword))
	}
	cipher, err := readCipher(c)
	if err != nil {
		return nil, err
	}
	return &KeySetPasswordLock{KDF: kdf, Cipher: cipher, Wrapped: append([]byte(nil), wrapped...)}, nil
}

// Resolve derives the key-encryption key from password and unwraps the master
// keyset.
func (p *KeySetPasswordLock) Resolve(password []byte) (*keyset.KeySet, error) {
	kek, err := p.KDF.DeriveKeySet(password, p.Cipher)
	if err != nil {
		return nil, fault.Format(err)
	}
	defer kek.Zero()
	master, err := keyset.Unsecure(p.Wrapped, kek)
	if err != nil {
		if fault.IsCrypto(err) {
			return nil, fault.Crypto(ErrWrongCredential)
		}
		return nil, err
	}
	return master, nil
}

// FactoryPasswordLock derives the keyset directly from the password; nothing
// secret is stored, only a verifier that tells a wrong password apart.
type FactoryPasswordLock struct {
	KDF      keyset.KDFParams
	Cipher   keyset.Cipher
	Verifier []byte
}

var factoryVerifierInfo = []byte("arkiv/factory/verifier")

const verifierSize = 32

func newFactoryPasswordLock(password []byte, opts Options) (*FactoryPasswordLock, *keyset.KeySet, error) {
	p := &FactoryPasswordLock{KDF: opts.kdf(), Cipher: opts.cipher()}
	ks, err := p.KDF.DeriveKeySet(password, p.Cipher)
	if err != nil {
		return nil, nil, err
	}
	if p.Verifier, err = ks.DeriveKey(nil, factoryVerifierInfo, verifierSize); err != nil {
		return nil, nil, err
	}
	return p, ks, nil
}

func (*FactoryPasswordLock) Type() Type { return FactoryPassword }

// MarshalBinary encodes SEQUENCE { kdf, INTEGER cipher, OCTET STRING verifier }.
func (p *FactoryPasswordLock) MarshalBinary() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		p.KDF.AddASN1(b)
		b.AddASN1Uint64(uint64(p.Cipher))
		b.AddASN1OctetString(p.Verifier)
	})
	return b.Bytes()
}

// ParseFactoryPasswordLock decodes the output of MarshalBinary.
func ParseFactoryPasswordLock(der []byte) (*FactoryPasswordLock, error) {
	var (
		in       = cryptobyte.String(der)
		seq      cryptobyte.String
		c        uint64
		verifier []byte
	)
	if !in.ReadASN1(&seq, cbasn1.SEQUENCE) || !in.Empty() {
		return nil, fault.Format(errMalformed(FactoryPassword))
	}
	kdf, err := keyset.ReadKDFParams(&seq)
	if err != nil {
		return nil, err
	}
	if !seq.ReadASN1Integer(&c) || !seq.ReadASN1Bytes(&verifier, cbasn1.OCTET_STRING) || !seq.Empty() {
		return nil, fault.Format(errMalformed(FactoryPassword))
	}
	if len(verifier) != verifierSize {
		return nil, fault.Formatf("lock: factory verifier must be %d bytes", verifierSize)
	}
	cipher, err := readCipher(c)
	if err != nil {
		return nil, err
	}
	return &FactoryPasswordLock{KDF: kdf, Cipher: cipher, Verifier: append([]byte(nil), verifier...)}, nil
}

// Resolve regenerates the keyset from password and checks it against the
// stored verifier.
func (p *FactoryPasswordLock) Resolve(password []byte) (*keyset.KeySet, error) {
	ks, err := p.KDF.DeriveKeySet(password, p.Cipher)
	if err != nil {
		return nil, fault.Format(err)
	}
	v, err := ks.DeriveKey(nil, factoryVerifierInfo, verifierSize)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(v, p.Verifier) != 1 {
		ks.Zero()
		return nil, fault.Crypto(ErrWrongCredential)
	}
	return ks, nil
}

func readCipher(v uint64) (keyset.Cipher, error) {
	if v > 0xff {
		return 0, fault.Format(keyset.ErrUnknownCipher)
	}
	c := keyset.Cipher(v)
	if err := c.Valid(); err != nil {
		return 0, fault.Format(err)
	}
	return c, nil
}

var errMalformedLock = errors.New("lock: malformed sub-lock")

func errMalformed(t Type) error {
	return fmt.Errorf("%w (%s)", errMalformedLock, t)
}
