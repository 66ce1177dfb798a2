package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"github.com/Amaury/arkiv-lock/pkg/fault"
	"github.com/Amaury/arkiv-lock/pkg/keyset"
)

const (
	streamSaltLen = 32
	cbcKeyLen     = 32
	cbcIVLen      = aes.BlockSize
	readChunk     = 4096
)

var streamKeyInfo = []byte("arkiv/stream/aes-256-cbc")

var (
	ErrPadding          = errors.New("transform: invalid padding")
	ErrCiphertextLength = errors.New("transform: ciphertext is not a whole number of blocks")
)

// newStreamSalt returns the per-stream salt recorded in the encryption
// definition.
func newStreamSalt() ([]byte, error) {
	salt := make([]byte, streamSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// streamBlock derives the AES-256 key and IV of one stream from the keyset.
func streamBlock(ks *keyset.KeySet, salt []byte) (cipher.Block, []byte, error) {
	if len(salt) != streamSaltLen {
		return nil, nil, fault.Formatf("%w: encryption salt is %d bytes", ErrBadDefinitions, len(salt))
	}
	keyiv, err := ks.DeriveKey(salt, streamKeyInfo, cbcKeyLen+cbcIVLen)
	if err != nil {
		return nil, nil, err
	}
	defer keyset.Zero(keyiv[:cbcKeyLen])
	block, err := aes.NewCipher(keyiv[:cbcKeyLen])
	if err != nil {
		return nil, nil, err
	}
	return block, keyiv[cbcKeyLen:], nil
}

// cbcPKCS7Writer buffers plaintext, encrypts full blocks as they become
// available, and on Close applies PKCS#7 padding and flushes the final
// encrypted blocks.
type cbcPKCS7Writer struct {
	w    io.Writer
	mode cipher.BlockMode
	buf  []byte
}

func newCBCPKCS7Writer(w io.Writer, mode cipher.BlockMode) *cbcPKCS7Writer {
	return &cbcPKCS7Writer{w: w, mode: mode}
}

// Write buffers p and encrypts any full blocks to the underlying writer.
func (c *cbcPKCS7Writer) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)

	blockSize := c.mode.BlockSize()
	n := len(c.buf) / blockSize * blockSize
	if n == 0 {
		return len(p), nil
	}

	enc := make([]byte, n)
	c.mode.CryptBlocks(enc, c.buf[:n])
	if _, err := c.w.Write(enc); err != nil {
		return 0, err
	}

	// Keep the remainder (less than one block) for the next write or Close.
	c.buf = append(c.buf[:0], c.buf[n:]...)
	return len(p), nil
}

// Close pads the remaining bytes and flushes them. A full block of padding is
// added when the plaintext is block aligned.
func (c *cbcPKCS7Writer) Close() error {
	blockSize := c.mode.BlockSize()
	padLen := blockSize - len(c.buf)%blockSize
	for i := 0; i < padLen; i++ {
		c.buf = append(c.buf, byte(padLen))
	}

	enc := make([]byte, len(c.buf))
	c.mode.CryptBlocks(enc, c.buf)
	c.buf = c.buf[:0]
	_, err := c.w.Write(enc)
	return err
}

// cbcPKCS7Reader decrypts ciphertext blocks and strips PKCS#7 padding. The
// last block is held back until the source reports EOF, because only then is
// it known to carry the padding.
type cbcPKCS7Reader struct {
	r     io.Reader
	mode  cipher.BlockMode
	chunk []byte
	buf   []byte
	out   []byte
	fin   bool
}

func newCBCPKCS7Reader(r io.Reader, mode cipher.BlockMode) *cbcPKCS7Reader {
	return &cbcPKCS7Reader{r: r, mode: mode, chunk: make([]byte, readChunk)}
}

func (c *cbcPKCS7Reader) Read(p []byte) (int, error) {
	for len(c.out) == 0 {
		if c.fin {
			return 0, io.EOF
		}
		if err := c.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.out)
	c.out = c.out[n:]
	return n, nil
}

func (c *cbcPKCS7Reader) fill() error {
	blockSize := c.mode.BlockSize()
	nr, err := c.r.Read(c.chunk)
	c.buf = append(c.buf, c.chunk[:nr]...)
	if err == io.EOF {
		if len(c.buf) == 0 || len(c.buf)%blockSize != 0 {
			return fault.Crypto(ErrCiphertextLength)
		}
		dec := make([]byte, len(c.buf))
		c.mode.CryptBlocks(dec, c.buf)
		c.buf = nil
		out, err := pkcs7Unpad(dec, blockSize)
		if err != nil {
			return err
		}
		c.out = out
		c.fin = true
		return nil
	}
	if err != nil {
		return err
	}

	// Decrypt everything but the last full block.
	n := (len(c.buf) - 1) / blockSize * blockSize
	if n <= 0 {
		return nil
	}
	dec := make([]byte, n)
	c.mode.CryptBlocks(dec, c.buf[:n])
	c.buf = append(c.buf[:0], c.buf[n:]...)
	c.out = dec
	return nil
}

func pkcs7Unpad(dec []byte, blockSize int) ([]byte, error) {
	if len(dec) < blockSize {
		return nil, fault.Cryptof("%w: short final block", ErrPadding)
	}
	padLen := int(dec[len(dec)-1])
	if padLen == 0 || padLen > blockSize {
		return nil, fault.Cryptof("%w: range", ErrPadding)
	}
	for i := 0; i < padLen; i++ {
		if dec[len(dec)-1-i] != byte(padLen) {
			return nil, fault.Cryptof("%w: content", ErrPadding)
		}
	}
	return dec[:len(dec)-padLen], nil
}
