// Package config reads the algorithm and logging choices used when creating
// archives from a YAML document.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Amaury/arkiv-lock/internal/transform"
	"github.com/Amaury/arkiv-lock/pkg/keyset"
	"github.com/Amaury/arkiv-lock/pkg/lock"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "ARKIV_CONFIG"

// KDF selects the password stretching function for new locks.
type KDF struct {
	Algorithm  string `yaml:"algorithm"`
	Iterations uint32 `yaml:"iterations,omitempty"`
	MemoryKiB  uint32 `yaml:"memory_kib,omitempty"`
	Threads    uint8  `yaml:"threads,omitempty"`
}

// Config holds the tunables of archive creation. Reading never depends on
// it: everything a reader needs is recorded in the archive.
type Config struct {
	Compression      string `yaml:"compression"`
	CompressionLevel int    `yaml:"compression_level,omitempty"`
	Digest           string `yaml:"digest"`
	Cipher           string `yaml:"cipher"`
	KDF              KDF    `yaml:"kdf"`
	LogLevel         string `yaml:"log_level,omitempty"`
}

// Default returns zstd, SHA-512/256, XChaCha20-Poly1305 and Argon2id.
func Default() *Config {
	d := keyset.DefaultKDF()
	return &Config{
		Compression: "zstd",
		Digest:      "sha512-256",
		Cipher:      keyset.XChaCha20Poly1305.String(),
		KDF: KDF{
			Algorithm:  d.Algorithm.String(),
			Iterations: d.Iterations,
			MemoryKiB:  d.MemoryKiB,
			Threads:    d.Threads,
		},
		LogLevel: "warning",
	}
}

// Parse reads a YAML document on top of the defaults. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty or comment-only document decodes to io.EOF.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the YAML file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv loads the file named by ARKIV_CONFIG, or returns the defaults when
// the variable is unset.
func FromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfig))
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks every name and the KDF bounds.
func (c *Config) Validate() error {
	if _, err := c.TransformOptions(); err != nil {
		return err
	}
	if _, err := c.CipherSuite(); err != nil {
		return err
	}
	if _, err := c.KDFParams(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// TransformOptions converts the compression and digest names.
func (c *Config) TransformOptions() (transform.Options, error) {
	comp, err := transform.ParseCompression(c.Compression)
	if err != nil {
		return transform.Options{}, fmt.Errorf("config compression: %w", err)
	}
	dig, err := transform.ParseDigest(c.Digest)
	if err != nil {
		return transform.Options{}, fmt.Errorf("config digest: %w", err)
	}
	opts := transform.Options{Compression: comp, CompressionLevel: c.CompressionLevel, Digest: dig}
	return opts, opts.Validate()
}

// CipherSuite converts the cipher name.
func (c *Config) CipherSuite() (keyset.Cipher, error) {
	if c.Cipher == "" {
		return keyset.XChaCha20Poly1305, nil
	}
	cs, err := keyset.ParseCipher(c.Cipher)
	if err != nil {
		return 0, fmt.Errorf("config cipher: %w", err)
	}
	return cs, nil
}

// KDFParams returns the configured derivation with a fresh random salt.
// Unset Argon2id costs take the default values.
func (c *Config) KDFParams() (keyset.KDFParams, error) {
	alg, err := keyset.ParseKDFAlgorithm(c.KDF.Algorithm)
	if err != nil {
		return keyset.KDFParams{}, fmt.Errorf("config kdf: %w", err)
	}
	var p keyset.KDFParams
	switch alg {
	case keyset.PBKDF2SHA256:
		p = keyset.PBKDF2(int(c.KDF.Iterations))
	default:
		p = keyset.DefaultKDF()
		if c.KDF.Iterations != 0 {
			p.Iterations = c.KDF.Iterations
		}
		if c.KDF.MemoryKiB != 0 {
			p.MemoryKiB = c.KDF.MemoryKiB
		}
		if c.KDF.Threads != 0 {
			p.Threads = c.KDF.Threads
		}
	}
	if err := p.Validate(); err != nil {
		return keyset.KDFParams{}, fmt.Errorf("config kdf: %w", err)
	}
	return p, nil
}

// LockOptions bundles the KDF and cipher for lock constructors.
func (c *Config) LockOptions() (lock.Options, error) {
	kdf, err := c.KDFParams()
	if err != nil {
		return lock.Options{}, err
	}
	cs, err := c.CipherSuite()
	if err != nil {
		return lock.Options{}, err
	}
	return lock.Options{KDF: kdf, Cipher: cs}, nil
}

// Level parses LogLevel; empty means warning.
func (c *Config) Level() (logrus.Level, error) {
	if c.LogLevel == "" {
		return logrus.WarnLevel, nil
	}
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("config log_level: %w", err)
	}
	return lvl, nil
}
