package lock

import (
	"github.com/Amaury/arkiv-lock/pkg/fault"
	"github.com/Amaury/arkiv-lock/pkg/keyset"
)

// Credential binds a secret to the sub-lock it was built for. The sub-lock
// encoding is captured at construction and compared with the target lock on
// Unlock, so a credential cannot be applied to a different lock.
type Credential struct {
	protector Protector
	lockBytes []byte
	password  []byte
	keyPair   *KeyPair
}

// NewPasswordCredential builds a credential for a *KeySetPasswordLock or a
// *FactoryPasswordLock.
func NewPasswordCredential(p Protector, password []byte) (Credential, error) {
	switch p.(type) {
	case *KeySetPasswordLock, *FactoryPasswordLock:
	default:
		return Credential{}, fault.Logicf("%w: password credential for %T", ErrTypeMismatch, p)
	}
	lockBytes, err := p.MarshalBinary()
	if err != nil {
		return Credential{}, err
	}
	return Credential{protector: p, lockBytes: lockBytes, password: password}, nil
}

// NewKeyPairCredential builds a credential for a *KeyPairPasswordLock.
func NewKeyPairCredential(p *KeyPairPasswordLock, kp *KeyPair, password []byte) (Credential, error) {
	if p == nil {
		return Credential{}, fault.Logic(ErrNoCredential)
	}
	lockBytes, err := p.MarshalBinary()
	if err != nil {
		return Credential{}, err
	}
	return Credential{protector: p, lockBytes: lockBytes, password: password, keyPair: kp}, nil
}

// Type is the lock type the credential targets.
func (c Credential) Type() Type {
	if c.protector == nil {
		return -1
	}
	return c.protector.Type()
}

func (c Credential) resolve() (*keyset.KeySet, error) {
	switch p := c.protector.(type) {
	case *KeySetPasswordLock:
		return p.Resolve(c.password)
	case *FactoryPasswordLock:
		return p.Resolve(c.password)
	case *KeyPairPasswordLock:
		return p.Resolve(c.keyPair, c.password)
	}
	return nil, fault.Logic(ErrNoCredential)
}
