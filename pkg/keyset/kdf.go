package keyset

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Amaury/arkiv-lock/pkg/fault"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/crypto/pbkdf2"
)

// KDFAlgorithm identifies a password-based key derivation function.
type KDFAlgorithm uint8

const (
	PBKDF2SHA256 KDFAlgorithm = iota + 1
	Argon2id
)

// Bounds applied to parameters read back from an archive, so that a crafted
// lock cannot make unlocking run for hours or allocate unbounded memory.
const (
	MinSaltSize       = 8
	DefaultSaltSize   = 16
	maxPBKDF2Iter     = 10_000_000
	maxArgon2Time     = 64
	maxArgon2MemKiB   = 4 << 20
	defaultPBKDF2Iter = 600_000
)

var ErrBadKDF = errors.New("keyset: invalid KDF parameters")

func (a KDFAlgorithm) String() string {
	switch a {
	case PBKDF2SHA256:
		return "pbkdf2-sha256"
	case Argon2id:
		return "argon2id"
	}
	return fmt.Sprintf("KDFAlgorithm(%d)", uint8(a))
}

// ParseKDFAlgorithm maps a configuration name onto a KDFAlgorithm.
func ParseKDFAlgorithm(name string) (KDFAlgorithm, error) {
	switch strings.ToLower(name) {
	case "", "argon2id":
		return Argon2id, nil
	case "pbkdf2", "pbkdf2-sha256":
		return PBKDF2SHA256, nil
	}
	return 0, fmt.Errorf("%w: unknown algorithm %q", ErrBadKDF, name)
}

// KDFParams fully describes one password derivation, salt included.
// For PBKDF2 only Iterations is used. For Argon2id Iterations is the time
// cost, MemoryKiB the memory cost and Threads the parallelism.
type KDFParams struct {
	Algorithm  KDFAlgorithm
	Salt       []byte
	Iterations uint32
	MemoryKiB  uint32
	Threads    uint8
}

// DefaultKDF returns Argon2id parameters with a fresh random salt.
func DefaultKDF() KDFParams {
	p := KDFParams{Algorithm: Argon2id, Iterations: 3, MemoryKiB: 64 * 1024, Threads: 4}
	p.Salt = NewSalt(DefaultSaltSize)
	return p
}

// PBKDF2 returns PBKDF2-HMAC-SHA256 parameters with a fresh random salt.
// iterations <= 0 selects the default count.
func PBKDF2(iterations int) KDFParams {
	if iterations <= 0 {
		iterations = defaultPBKDF2Iter
	}
	return KDFParams{Algorithm: PBKDF2SHA256, Iterations: uint32(iterations), Salt: NewSalt(DefaultSaltSize)}
}

// NewSalt returns n random bytes. It panics if the system RNG fails.
func NewSalt(n int) []byte {
	salt := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		panic(fmt.Sprintf("keyset: reading random salt: %v", err))
	}
	return salt
}

// WithFreshSalt returns a copy of p carrying a new random salt.
func (p KDFParams) WithFreshSalt() KDFParams {
	n := len(p.Salt)
	if n < MinSaltSize {
		n = DefaultSaltSize
	}
	p.Salt = NewSalt(n)
	return p
}

// Validate checks that p is usable and within the accepted bounds.
func (p KDFParams) Validate() error {
	if len(p.Salt) < MinSaltSize {
		return fmt.Errorf("%w: salt shorter than %d bytes", ErrBadKDF, MinSaltSize)
	}
	switch p.Algorithm {
	case PBKDF2SHA256:
		if p.Iterations == 0 || p.Iterations > maxPBKDF2Iter {
			return fmt.Errorf("%w: pbkdf2 iterations %d", ErrBadKDF, p.Iterations)
		}
	case Argon2id:
		if p.Iterations == 0 || p.Iterations > maxArgon2Time {
			return fmt.Errorf("%w: argon2id time %d", ErrBadKDF, p.Iterations)
		}
		if p.Threads == 0 {
			return fmt.Errorf("%w: argon2id threads must be positive", ErrBadKDF)
		}
		if p.MemoryKiB < 8*uint32(p.Threads) || p.MemoryKiB > maxArgon2MemKiB {
			return fmt.Errorf("%w: argon2id memory %d KiB", ErrBadKDF, p.MemoryKiB)
		}
	default:
		return fmt.Errorf("%w: unknown algorithm %d", ErrBadKDF, p.Algorithm)
	}
	return nil
}

// Derive stretches password into n bytes of key material.
func (p KDFParams) Derive(password []byte, n int) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch p.Algorithm {
	case PBKDF2SHA256:
		return pbkdf2.Key(password, p.Salt, int(p.Iterations), n, sha256.New), nil
	default:
		return argon2.IDKey(password, p.Salt, p.Iterations, p.MemoryKiB, p.Threads, uint32(n)), nil
	}
}

// DeriveKeySet derives a KeySet for cipher c directly from password.
func (p KDFParams) DeriveKeySet(password []byte, c Cipher) (*KeySet, error) {
	key, err := p.Derive(password, KeySize)
	if err != nil {
		return nil, err
	}
	defer Zero(key)
	return FromKey(c, key)
}

// AddASN1 appends p to b as
// SEQUENCE { INTEGER alg, OCTET STRING salt, INTEGER iter, INTEGER mem, INTEGER threads }.
func (p KDFParams) AddASN1(b *cryptobyte.Builder) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Uint64(uint64(p.Algorithm))
		b.AddASN1OctetString(p.Salt)
		b.AddASN1Uint64(uint64(p.Iterations))
		b.AddASN1Uint64(uint64(p.MemoryKiB))
		b.AddASN1Uint64(uint64(p.Threads))
	})
}

// MarshalBinary returns the DER form written by AddASN1.
func (p KDFParams) MarshalBinary() ([]byte, error) {
	var b cryptobyte.Builder
	p.AddASN1(&b)
	return b.Bytes()
}

// ReadKDFParams consumes one KDF parameter SEQUENCE from s and validates it.
func ReadKDFParams(s *cryptobyte.String) (KDFParams, error) {
	var (
		seq                 cryptobyte.String
		alg, iter, mem, thr uint64
		salt                []byte
	)
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) ||
		!seq.ReadASN1Integer(&alg) ||
		!seq.ReadASN1Bytes(&salt, cbasn1.OCTET_STRING) ||
		!seq.ReadASN1Integer(&iter) ||
		!seq.ReadASN1Integer(&mem) ||
		!seq.ReadASN1Integer(&thr) ||
		!seq.Empty() {
		return KDFParams{}, fault.Formatf("%w: malformed parameters", ErrBadKDF)
	}
	if alg > 0xff || iter > 0xffffffff || mem > 0xffffffff || thr > 0xff {
		return KDFParams{}, fault.Formatf("%w: parameter out of range", ErrBadKDF)
	}
	p := KDFParams{
		Algorithm:  KDFAlgorithm(alg),
		Salt:       append([]byte(nil), salt...),
		Iterations: uint32(iter),
		MemoryKiB:  uint32(mem),
		Threads:    uint8(thr),
	}
	if err := p.Validate(); err != nil {
		return KDFParams{}, fault.Format(err)
	}
	return p, nil
}

// ParseKDFParams decodes the output of MarshalBinary.
func ParseKDFParams(der []byte) (KDFParams, error) {
	s := cryptobyte.String(der)
	p, err := ReadKDFParams(&s)
	if err != nil {
		return KDFParams{}, err
	}
	if !s.Empty() {
		return KDFParams{}, fault.Formatf("%w: trailing data", ErrBadKDF)
	}
	return p, nil
}
