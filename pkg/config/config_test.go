package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amaury/arkiv-lock/internal/transform"
	"github.com/Amaury/arkiv-lock/pkg/keyset"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	opts, err := cfg.TransformOptions()
	require.NoError(t, err)
	assert.Equal(t, transform.DefaultOptions(), opts)

	cs, err := cfg.CipherSuite()
	require.NoError(t, err)
	assert.Equal(t, keyset.XChaCha20Poly1305, cs)

	kdf, err := cfg.KDFParams()
	require.NoError(t, err)
	assert.Equal(t, keyset.Argon2id, kdf.Algorithm)
	assert.Len(t, kdf.Salt, keyset.DefaultSaltSize)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, lvl)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
compression: xz
digest: blake2b-256
cipher: aes-256-gcm
kdf:
  algorithm: pbkdf2
  iterations: 1000
log_level: debug
`))
	require.NoError(t, err)

	opts, err := cfg.TransformOptions()
	require.NoError(t, err)
	assert.Equal(t, transform.Xz, opts.Compression)
	assert.Equal(t, transform.BLAKE2b256, opts.Digest)

	lo, err := cfg.LockOptions()
	require.NoError(t, err)
	assert.Equal(t, keyset.AES256GCM, lo.Cipher)
	assert.Equal(t, keyset.PBKDF2SHA256, lo.KDF.Algorithm)
	assert.Equal(t, uint32(1000), lo.KDF.Iterations)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, lvl)
}

func TestParseEmptyIsDefault(t *testing.T) {
	cfg, err := Parse([]byte("  \n"))
	require.NoError(t, err)
	assert.Equal(t, "zstd", cfg.Compression)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":         "compresion: zstd\n",
		"unknown compression": "compression: lz4\n",
		"unknown digest":      "digest: md5\n",
		"unknown cipher":      "cipher: des\n",
		"unknown kdf":         "kdf:\n  algorithm: scrypt\n",
		"kdf out of bounds":   "kdf:\n  algorithm: argon2id\n  iterations: 1000\n",
		"bad level":           "log_level: loud\n",
		"not yaml":            "compression: [zstd\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadAndFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arkiv.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compression: flate\ncompression_level: 9\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "flate", cfg.Compression)
	assert.Equal(t, 9, cfg.CompressionLevel)

	t.Setenv(EnvConfig, path)
	cfg, err = FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "flate", cfg.Compression)

	t.Setenv(EnvConfig, "")
	cfg, err = FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "zstd", cfg.Compression)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
	_, err = Load("")
	assert.Error(t, err)
}
