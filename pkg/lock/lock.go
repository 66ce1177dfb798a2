// Package lock implements the protection envelope around an archive's master
// keyset. A Lock is created either fresh from a newly generated protector
// (already unlocked and good for exactly one archive) or decoded from the bytes
// stored in an archive (locked until the right credential is supplied).
package lock

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Amaury/arkiv-lock/internal/lockasn1"
	"github.com/Amaury/arkiv-lock/pkg/fault"
	"github.com/Amaury/arkiv-lock/pkg/keyset"
)

var (
	ErrAlreadyUnlocked = errors.New("lock: already unlocked")
	ErrTypeMismatch    = errors.New("lock: credential type does not match lock")
	ErrNotFresh        = errors.New("lock: lock has already been used to create an archive")
	ErrLocked          = errors.New("lock: lock is locked")
	ErrWrongCredential = errors.New("lock: wrong credential")
	ErrNoCredential    = errors.New("lock: empty credential")
)

// State is the lifecycle position of a Lock.
type State int

const (
	// StateLocked: decoded from bytes, no keyset yet.
	StateLocked State = iota
	// StateUnlocked: decoded from bytes and unlocked with a credential.
	StateUnlocked
	// StateFreshUnlocked: created from a live protector, never used.
	StateFreshUnlocked
	// StateUsedUnlocked: created from a live protector and handed to a writer.
	StateUsedUnlocked
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	case StateFreshUnlocked:
		return "fresh"
	case StateUsedUnlocked:
		return "used"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Lock is not safe for concurrent use.
type Lock struct {
	typ       Type
	protector Protector
	lockBytes []byte
	encoded   []byte

	state    State
	keyset   *keyset.KeySet
	onUnlock func(*keyset.KeySet)
}

// NewKeySetPasswordLock generates a master keyset protected by password.
func NewKeySetPasswordLock(password []byte, opts Options) (*Lock, error) {
	p, ks, err := newKeySetPasswordLock(password, opts)
	if err != nil {
		return nil, err
	}
	return newFresh(p, ks)
}

// NewFactoryPasswordLock derives the archive keyset from password.
func NewFactoryPasswordLock(password []byte, opts Options) (*Lock, error) {
	p, ks, err := newFactoryPasswordLock(password, opts)
	if err != nil {
		return nil, err
	}
	return newFresh(p, ks)
}

// NewKeyPairPasswordLock generates a master keyset that only the holder of
// recipient's private key (and its password) can recover.
func NewKeyPairPasswordLock(recipient *KeyPair, opts Options) (*Lock, error) {
	if recipient == nil {
		return nil, fault.Logicf("lock: nil recipient key pair")
	}
	if opts.Cipher == 0 {
		opts.Cipher = recipient.Cipher
	}
	p, ks, err := newKeyPairPasswordLock(recipient, opts)
	if err != nil {
		return nil, err
	}
	return newFresh(p, ks)
}

func newFresh(p Protector, ks *keyset.KeySet) (*Lock, error) {
	l, err := envelope(p)
	if err != nil {
		return nil, err
	}
	l.keyset = ks
	l.state = StateFreshUnlocked
	return l, nil
}

func envelope(p Protector) (*Lock, error) {
	lockBytes, err := p.MarshalBinary()
	if err != nil {
		return nil, err
	}
	encoded, err := lockasn1.Marshal(lockasn1.Envelope{Tag: p.Type(), Payload: lockBytes})
	if err != nil {
		return nil, err
	}
	return &Lock{typ: p.Type(), protector: p, lockBytes: lockBytes, encoded: encoded}, nil
}

// Decode rebuilds a locked Lock from its encoded form.
func Decode(encoded []byte) (*Lock, error) {
	env, err := lockasn1.Unmarshal(encoded)
	if err != nil {
		return nil, err
	}
	p, err := parseProtector(env.Tag, env.Payload)
	if err != nil {
		return nil, err
	}
	return &Lock{
		typ:       env.Tag,
		protector: p,
		lockBytes: env.Payload,
		encoded:   append([]byte(nil), encoded...),
		state:     StateLocked,
	}, nil
}

// Type returns the credential type this lock expects.
func (l *Lock) Type() Type { return l.typ }

// State returns the lifecycle state.
func (l *Lock) State() State { return l.state }

// Protector returns the decoded sub-lock.
func (l *Lock) Protector() Protector { return l.protector }

// IsLocked reports whether no keyset is associated yet.
func (l *Lock) IsLocked() bool { return l.keyset == nil }

// IsFresh reports whether the lock can still be used to create an archive.
func (l *Lock) IsFresh() bool { return l.state == StateFreshUnlocked }

// MarkAsUsed consumes the fresh lock. It succeeds once.
func (l *Lock) MarkAsUsed() error {
	if l.state != StateFreshUnlocked {
		return fault.Logicf("%w (state %s)", ErrNotFresh, l.state)
	}
	l.state = StateUsedUnlocked
	return nil
}

// KeySet returns the unlocked keyset.
func (l *Lock) KeySet() (*keyset.KeySet, error) {
	if l.keyset == nil {
		return nil, fault.Logic(ErrLocked)
	}
	return l.keyset, nil
}

// EncodedBytes returns the whole lock envelope. The slice must not be modified.
func (l *Lock) EncodedBytes() []byte { return l.encoded }

// LockBytes returns the inner sub-lock encoding. The slice must not be modified.
func (l *Lock) LockBytes() []byte { return l.lockBytes }

// Equal compares locks by their encoded form only.
func (l *Lock) Equal(o *Lock) bool {
	if l == nil || o == nil {
		return l == o
	}
	return bytes.Equal(l.encoded, o.encoded)
}

// Key returns the encoded form as a string, usable as a map key.
func (l *Lock) Key() string { return string(l.encoded) }

// OnUnlock registers fn to run once, on the next successful Unlock. A later
// registration replaces an earlier one that has not fired yet.
func (l *Lock) OnUnlock(fn func(*keyset.KeySet)) {
	l.onUnlock = fn
}

// Unlock resolves cred against this lock.
func (l *Lock) Unlock(cred Credential) error {
	if !l.IsLocked() {
		return fault.Logic(ErrAlreadyUnlocked)
	}
	if cred.protector == nil {
		return fault.Logic(ErrNoCredential)
	}
	if cred.Type() != l.typ {
		return fault.Logicf("%w: lock is %s, credential is %s", ErrTypeMismatch, l.typ, cred.Type())
	}
	if !bytes.Equal(cred.lockBytes, l.lockBytes) {
		return fault.Logicf("%w: credential was built for a different lock", ErrTypeMismatch)
	}
	ks, err := cred.resolve()
	if err != nil {
		return err
	}
	l.keyset = ks
	l.state = StateUnlocked
	if fn := l.onUnlock; fn != nil {
		l.onUnlock = nil
		fn(ks)
	}
	return nil
}

// UnlockPassword unlocks a keyset-password or factory-password lock.
func (l *Lock) UnlockPassword(password []byte) error {
	switch l.typ {
	case KeySetPassword, FactoryPassword:
	default:
		return fault.Logicf("%w: %s lock cannot be unlocked with a password alone", ErrTypeMismatch, l.typ)
	}
	cred, err := NewPasswordCredential(l.protector, password)
	if err != nil {
		return err
	}
	return l.Unlock(cred)
}

// UnlockKeyPair unlocks a keypair-password lock.
func (l *Lock) UnlockKeyPair(kp *KeyPair, password []byte) error {
	p, ok := l.protector.(*KeyPairPasswordLock)
	if l.typ != KeyPairPassword || !ok {
		return fault.Logicf("%w: %s lock cannot be unlocked with a key pair", ErrTypeMismatch, l.typ)
	}
	cred, err := NewKeyPairCredential(p, kp, password)
	if err != nil {
		return err
	}
	return l.Unlock(cred)
}

func (l *Lock) String() string {
	return fmt.Sprintf("lock(%s, %s)", l.typ, l.state)
}
