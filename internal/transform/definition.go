// Package transform layers digesting, compression and encryption over the
// byte stream of one archive entry, and records what it applied as a list of
// StreamDefinitions so that the read side can undo the layers in reverse.
package transform

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the role of one layer.
type Kind uint8

const (
	KindDigest Kind = iota + 1
	KindCompression
	KindEncryption
)

func (k Kind) String() string {
	switch k {
	case KindDigest:
		return "digest"
	case KindCompression:
		return "compression"
	case KindEncryption:
		return "encryption"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Algorithm numbers are scoped by Kind.
type Algorithm uint8

// Digest algorithms.
const (
	SHA512_256 Algorithm = iota + 1
	BLAKE2b256
	SHA3_256
)

// Compression algorithms.
const (
	Zstd Algorithm = iota + 1
	Flate
	Xz
)

// Encryption algorithms.
const (
	AES256CBC Algorithm = iota + 1
)

var (
	ErrUnknownAlgorithm = errors.New("transform: unknown algorithm")
	ErrBadDefinitions   = errors.New("transform: unsupported stream definitions")
	ErrDigestMismatch   = errors.New("transform: digest mismatch")
	ErrSizeMismatch     = errors.New("transform: size mismatch")
	ErrNotClosed        = errors.New("transform: stream not closed")
	ErrClosed           = errors.New("transform: write to closed stream")
	ErrNoKeySet         = errors.New("transform: encrypted stream needs a keyset")
)

// StreamDefinition records one applied layer.
type StreamDefinition struct {
	Kind      Kind
	Algorithm Algorithm
	// Params carries per-stream data needed to reverse the layer; for
	// encryption this is the key derivation salt.
	Params []byte
}

func (d StreamDefinition) String() string {
	return d.Kind.String() + ":" + d.name()
}

func (d StreamDefinition) name() string {
	switch d.Kind {
	case KindDigest:
		return digestName(d.Algorithm)
	case KindCompression:
		return compressionName(d.Algorithm)
	case KindEncryption:
		if d.Algorithm == AES256CBC {
			return "aes-256-cbc"
		}
	}
	return fmt.Sprintf("%d", uint8(d.Algorithm))
}

// Options select the algorithms used by WrapOutput.
type Options struct {
	Compression      Algorithm
	CompressionLevel int
	Digest           Algorithm
}

// DefaultOptions are zstd at its default level and SHA-512/256.
func DefaultOptions() Options {
	return Options{Compression: Zstd, Digest: SHA512_256}
}

func (o Options) withDefaults() Options {
	if o.Compression == 0 {
		o.Compression = Zstd
	}
	if o.Digest == 0 {
		o.Digest = SHA512_256
	}
	return o
}

// Validate checks that every selected algorithm is known.
func (o Options) Validate() error {
	o = o.withDefaults()
	if compressionName(o.Compression) == "" {
		return fmt.Errorf("%w: compression %d", ErrUnknownAlgorithm, o.Compression)
	}
	if digestName(o.Digest) == "" {
		return fmt.Errorf("%w: digest %d", ErrUnknownAlgorithm, o.Digest)
	}
	return nil
}

// ParseCompression maps a configuration name onto a compression Algorithm.
func ParseCompression(name string) (Algorithm, error) {
	for _, a := range []Algorithm{Zstd, Flate, Xz} {
		if strings.EqualFold(name, compressionName(a)) {
			return a, nil
		}
	}
	if name == "" {
		return Zstd, nil
	}
	return 0, fmt.Errorf("%w: compression %q", ErrUnknownAlgorithm, name)
}

// ParseDigest maps a configuration name onto a digest Algorithm.
func ParseDigest(name string) (Algorithm, error) {
	for _, a := range []Algorithm{SHA512_256, BLAKE2b256, SHA3_256} {
		if strings.EqualFold(name, digestName(a)) {
			return a, nil
		}
	}
	if name == "" {
		return SHA512_256, nil
	}
	return 0, fmt.Errorf("%w: digest %q", ErrUnknownAlgorithm, name)
}
