package transform

import (
	"crypto/sha512"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

func digestName(a Algorithm) string {
	switch a {
	case SHA512_256:
		return "sha512-256"
	case BLAKE2b256:
		return "blake2b-256"
	case SHA3_256:
		return "sha3-256"
	}
	return ""
}

func newDigest(a Algorithm) (hash.Hash, error) {
	switch a {
	case SHA512_256:
		return sha512.New512_256(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	case SHA3_256:
		return sha3.New256(), nil
	}
	return nil, ErrUnknownAlgorithm
}
