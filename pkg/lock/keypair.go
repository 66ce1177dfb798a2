package lock

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"github.com/Amaury/arkiv-lock/pkg/fault"
	"github.com/Amaury/arkiv-lock/pkg/keyset"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var keyPairKEKInfo = []byte("arkiv/keypair/kek")

// KeyPair is an X25519 key pair whose private half is sealed under a
// password. Only the public half is needed to create a KeyPairPasswordLock.
type KeyPair struct {
	Public    [curve25519.PointSize]byte
	KDF       keyset.KDFParams
	Cipher    keyset.Cipher
	Protected []byte
}

// GenerateKeyPair creates a key pair protected by password.
func GenerateKeyPair(password []byte, opts Options) (*KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, err
	}
	defer keyset.Zero(priv)

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{KDF: opts.kdf(), Cipher: opts.cipher()}
	copy(kp.Public[:], pub)

	kek, err := kp.KDF.DeriveKeySet(password, kp.Cipher)
	if err != nil {
		return nil, err
	}
	defer kek.Zero()
	if kp.Protected, err = kek.EncryptBytes(priv); err != nil {
		return nil, err
	}
	return kp, nil
}

// PrivateKey unseals the private scalar. A wrong password is a crypto error.
func (kp *KeyPair) PrivateKey(password []byte) ([]byte, error) {
	kek, err := kp.KDF.DeriveKeySet(password, kp.Cipher)
	if err != nil {
		return nil, fault.Format(err)
	}
	defer kek.Zero()
	priv, err := kek.DecryptBytes(kp.Protected)
	if err != nil {
		return nil, fault.Crypto(ErrWrongCredential)
	}
	if len(priv) != curve25519.ScalarSize {
		return nil, fault.Formatf("lock: private key must be %d bytes", curve25519.ScalarSize)
	}
	return priv, nil
}

// MarshalBinary encodes
// SEQUENCE { OCTET STRING public, kdf, INTEGER cipher, OCTET STRING protected }.
func (kp *KeyPair) MarshalBinary() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1OctetString(kp.Public[:])
		kp.KDF.AddASN1(b)
		b.AddASN1Uint64(uint64(kp.Cipher))
		b.AddASN1OctetString(kp.Protected)
	})
	return b.Bytes()
}

// ParseKeyPair decodes the output of KeyPair.MarshalBinary.
func ParseKeyPair(der []byte) (*KeyPair, error) {
	var (
		in        = cryptobyte.String(der)
		seq       cryptobyte.String
		pub       []byte
		c         uint64
		protected []byte
	)
	if !in.ReadASN1(&seq, cbasn1.SEQUENCE) || !in.Empty() ||
		!seq.ReadASN1Bytes(&pub, cbasn1.OCTET_STRING) || len(pub) != curve25519.PointSize {
		return nil, fault.Formatf("lock: malformed key pair")
	}
	kdf, err := keyset.ReadKDFParams(&seq)
	if err != nil {
		return nil, err
	}
	if !seq.ReadASN1Integer(&c) || !seq.ReadASN1Bytes(&protected, cbasn1.OCTET_STRING) || !seq.Empty() {
		return nil, fault.Formatf("lock: malformed key pair")
	}
	cipher, err := readCipher(c)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{KDF: kdf, Cipher: cipher, Protected: append([]byte(nil), protected...)}
	copy(kp.Public[:], pub)
	return kp, nil
}

// KeyPairPasswordLock wraps a random master keyset for the holder of an X25519
// key pair. The wrapping key comes from an ephemeral Diffie-Hellman exchange
// with the recipient's public key.
type KeyPairPasswordLock struct {
	Recipient [curve25519.PointSize]byte
	Ephemeral [curve25519.PointSize]byte
	Cipher    keyset.Cipher
	Wrapped   []byte
}

func newKeyPairPasswordLock(recipient *KeyPair, opts Options) (*KeyPairPasswordLock, *keyset.KeySet, error) {
	c := opts.cipher()
	eph := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, eph); err != nil {
		return nil, nil, err
	}
	defer keyset.Zero(eph)

	ephPub, err := curve25519.X25519(eph, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	p := &KeyPairPasswordLock{Recipient: recipient.Public, Cipher: c}
	copy(p.Ephemeral[:], ephPub)

	kek, err := p.kek(eph, recipient.Public[:])
	if err != nil {
		return nil, nil, err
	}
	defer kek.Zero()
	master, err := keyset.New(c)
	if err != nil {
		return nil, nil, err
	}
	if p.Wrapped, err = master.Secure(kek); err != nil {
		return nil, nil, err
	}
	return p, master, nil
}

// kek derives the wrapping keyset from our scalar and the peer's point.
func (p *KeyPairPasswordLock) kek(scalar, peer []byte) (*keyset.KeySet, error) {
	shared, err := curve25519.X25519(scalar, peer)
	if err != nil {
		return nil, fault.Crypto(err)
	}
	defer keyset.Zero(shared)
	salt := make([]byte, 0, 2*curve25519.PointSize)
	salt = append(salt, p.Ephemeral[:]...)
	salt = append(salt, p.Recipient[:]...)
	key := make([]byte, keyset.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, keyPairKEKInfo), key); err != nil {
		return nil, err
	}
	defer keyset.Zero(key)
	return keyset.FromKey(p.Cipher, key)
}

func (*KeyPairPasswordLock) Type() Type { return KeyPairPassword }

// MarshalBinary encodes
// SEQUENCE { OCTET STRING recipient, OCTET STRING ephemeral, INTEGER cipher, OCTET STRING wrapped }.
func (p *KeyPairPasswordLock) MarshalBinary() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1OctetString(p.Recipient[:])
		b.AddASN1OctetString(p.Ephemeral[:])
		b.AddASN1Uint64(uint64(p.Cipher))
		b.AddASN1OctetString(p.Wrapped)
	})
	return b.Bytes()
}

// ParseKeyPairPasswordLock decodes the output of MarshalBinary.
func ParseKeyPairPasswordLock(der []byte) (*KeyPairPasswordLock, error) {
	var (
		in                   = cryptobyte.String(der)
		seq                  cryptobyte.String
		recipient, ephemeral []byte
		c                    uint64
		wrapped              []byte
	)
	if !in.ReadASN1(&seq, cbasn1.SEQUENCE) || !in.Empty() ||
		!seq.ReadASN1Bytes(&recipient, cbasn1.OCTET_STRING) ||
		!seq.ReadASN1Bytes(&ephemeral, cbasn1.OCTET_STRING) ||
		!seq.ReadASN1Integer(&c) ||
		!seq.ReadASN1Bytes(&wrapped, cbasn1.OCTET_STRING) ||
		!seq.Empty() ||
		len(recipient) != curve25519.PointSize || len(ephemeral) != curve25519.PointSize {
		return nil, fault.Format(errMalformed(KeyPairPassword))
	}
	cipher, err := readCipher(c)
	if err != nil {
		return nil, err
	}
	p := &KeyPairPasswordLock{Cipher: cipher, Wrapped: append([]byte(nil), wrapped...)}
	copy(p.Recipient[:], recipient)
	copy(p.Ephemeral[:], ephemeral)
	return p, nil
}

// Resolve unseals the private key of kp with password and unwraps the master
// keyset. A key pair other than the recipient is a wrong credential.
func (p *KeyPairPasswordLock) Resolve(kp *KeyPair, password []byte) (*keyset.KeySet, error) {
	if kp == nil {
		return nil, fault.Logicf("lock: %s needs a key pair", KeyPairPassword)
	}
	if subtle.ConstantTimeCompare(kp.Public[:], p.Recipient[:]) != 1 {
		return nil, fault.Cryptof("%w: key pair is not the lock recipient", ErrWrongCredential)
	}
	priv, err := kp.PrivateKey(password)
	if err != nil {
		return nil, err
	}
	defer keyset.Zero(priv)
	kek, err := p.kek(priv, p.Ephemeral[:])
	if err != nil {
		return nil, err
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
