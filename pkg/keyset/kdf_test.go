package keyset

import (
	"testing"

	"github.com/Amaury/arkiv-lock/pkg/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cheapArgon() KDFParams {
	return KDFParams{Algorithm: Argon2id, Iterations: 1, MemoryKiB: 64, Threads: 1, Salt: NewSalt(16)}
}

func TestDeriveIsDeterministicPerSalt(t *testing.T) {
	for _, p := range []KDFParams{PBKDF2(1000), cheapArgon()} {
		t.Run(p.Algorithm.String(), func(t *testing.T) {
			a, err := p.Derive([]byte("pw"), 32)
			require.NoError(t, err)
			b, err := p.Derive([]byte("pw"), 32)
			require.NoError(t, err)
			assert.Equal(t, a, b)

			c, err := p.WithFreshSalt().Derive([]byte("pw"), 32)
			require.NoError(t, err)
			assert.NotEqual(t, a, c)

			d, err := p.Derive([]byte("other"), 32)
			require.NoError(t, err)
			assert.NotEqual(t, a, d)
		})
	}
}

func TestKDFParamsDERRoundTrip(t *testing.T) {
	p := cheapArgon()
	der, err := p.MarshalBinary()
	require.NoError(t, err)

	got, err := ParseKDFParams(der)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	again, err := got.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, der, again)
}

func TestParseKDFParamsRejects(t *testing.T) {
	p := PBKDF2(1000)
	der, err := p.MarshalBinary()
	require.NoError(t, err)

	_, err = ParseKDFParams(append(der, 0x05, 0x00))
	assert.True(t, fault.IsFormat(err))

	_, err = ParseKDFParams(der[:len(der)-1])
	assert.True(t, fault.IsFormat(err))

	huge := p
	huge.Iterations = maxPBKDF2Iter + 1
	der, err = huge.MarshalBinary()
	require.NoError(t, err)
	_, err = ParseKDFParams(der)
	assert.ErrorIs(t, err, ErrBadKDF)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultKDF().Validate())
	assert.Error(t, KDFParams{Algorithm: PBKDF2SHA256, Iterations: 1, Salt: []byte("short")}.Validate())
	assert.Error(t, KDFParams{Algorithm: Argon2id, Iterations: 1, MemoryKiB: 4, Threads: 1, Salt: NewSalt(16)}.Validate())
	assert.Error(t, KDFParams{Algorithm: 7, Iterations: 1, Salt: NewSalt(16)}.Validate())
}

func TestParseKDFAlgorithm(t *testing.T) {
	a, err := ParseKDFAlgorithm("PBKDF2")
	require.NoError(t, err)
	assert.Equal(t, PBKDF2SHA256, a)
	_, err = ParseKDFAlgorithm("scrypt")
	assert.Error(t, err)
}
