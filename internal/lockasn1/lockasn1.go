// Package lockasn1 encodes the outer lock envelope: a DER SEQUENCE holding
// exactly one context-specific element whose tag number says which kind of
// lock follows and whose content is that lock's own opaque encoding.
//
//	LockEnvelope ::= SEQUENCE {
//	    CHOICE {
//	        keySetPassword  [0] IMPLICIT OCTET STRING,
//	        factoryPassword [1] IMPLICIT OCTET STRING,
//	        keyPairPassword [2] IMPLICIT OCTET STRING
//	    }
//	}
//
// The encoding is canonical, so equal envelopes always produce equal bytes and
// the bytes can be used as an identity key.
package lockasn1

import (
	"errors"
	"fmt"

	"github.com/Amaury/arkiv-lock/pkg/fault"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Tag selects the lock alternative.
type Tag int

const (
	KeySetPassword Tag = iota
	FactoryPassword
	KeyPairPassword
)

var (
	ErrMalformed    = errors.New("lockasn1: malformed lock envelope")
	ErrUnknownTag   = errors.New("lockasn1: unknown lock tag")
	ErrTrailingData = errors.New("lockasn1: unexpected trailing data")
	ErrEmpty        = errors.New("lockasn1: empty lock envelope")
)

func (t Tag) String() string {
	switch t {
	case KeySetPassword:
		return "keyset-password"
	case FactoryPassword:
		return "factory-password"
	case KeyPairPassword:
		return "keypair-password"
	}
	return fmt.Sprintf("Tag(%d)", int(t))
}

// Valid returns nil iff t names one of the three alternatives.
func (t Tag) Valid() error {
	switch t {
	case KeySetPassword, FactoryPassword, KeyPairPassword:
		return nil
	}
	return fmt.Errorf("%w %d", ErrUnknownTag, int(t))
}

func (t Tag) asn1() cbasn1.Tag {
	return cbasn1.Tag(t).ContextSpecific()
}

// Envelope is the decoded form of a lock.
type Envelope struct {
	Tag     Tag
	Payload []byte
}

// Marshal encodes e.
func Marshal(e Envelope) ([]byte, error) {
	if err := e.Tag.Valid(); err != nil {
		return nil, fault.Logic(err)
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(e.Tag.asn1(), func(b *cryptobyte.Builder) {
			b.AddBytes(e.Payload)
		})
	})
	return b.Bytes()
}

// Unmarshal decodes exactly one envelope. Anything other than a single
// SEQUENCE holding a single known element is rejected.
func Unmarshal(der []byte) (Envelope, error) {
	var (
		seq  cryptobyte.String
		elem cryptobyte.String
		tag  cbasn1.Tag
		in   = cryptobyte.String(der)
	)
	if !in.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return Envelope{}, fault.Format(ErrMalformed)
	}
	if !in.Empty() {
		return Envelope{}, fault.Formatf("%w after lock sequence", ErrTrailingData)
	}
	if seq.Empty() {
		return Envelope{}, fault.Format(ErrEmpty)
	}
	if !seq.ReadAnyASN1(&elem, &tag) {
		return Envelope{}, fault.Format(ErrMalformed)
	}
	if !seq.Empty() {
		return Envelope{}, fault.Formatf("%w: more than one element in lock sequence", ErrTrailingData)
	}
	for _, t := range []Tag{KeySetPassword, FactoryPassword, KeyPairPassword} {
		if tag == t.asn1() {
			return Envelope{Tag: t, Payload: append([]byte(nil), elem...)}, nil
		}
	}
	return Envelope{}, fault.Formatf("%w 0x%02x", ErrUnknownTag, uint8(tag))
}
