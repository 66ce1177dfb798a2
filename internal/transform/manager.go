package transform

import (
	"bytes"
	"crypto/cipher"
	"hash"
	"io"

	"github.com/Amaury/arkiv-lock/pkg/fault"
	"github.com/Amaury/arkiv-lock/pkg/keyset"
)

// Manager builds write and read pipelines for the entries of one archive.
// A Manager without a keyset passes bytes through untouched.
type Manager struct {
	ks   *keyset.KeySet
	opts Options
}

// NewManager returns a Manager encrypting with ks, or a pass-through Manager
// when ks is nil.
func NewManager(ks *keyset.KeySet, opts Options) *Manager {
	return &Manager{ks: ks, opts: opts.withDefaults()}
}

// Encrypting reports whether output streams are transformed.
func (m *Manager) Encrypting() bool { return m.ks != nil }

// Result summarises a finished output stream.
type Result struct {
	RawSize    int64
	StoredSize int64
	Digest     []byte
}

// Output is the writable end of an entry pipeline. Bytes written to it flow
// through the digest, then the compressor, then the cipher, and finally to
// the wrapped writer. Close flushes every layer but never closes the wrapped
// writer.
type Output struct {
	head    io.Writer
	layers  []io.WriteCloser
	digest  hash.Hash
	sink    *countingWriter
	defs    []StreamDefinition
	raw     int64
	closed  bool
	closeEr error
}

// WrapOutput starts a pipeline over w. compress is ignored by a pass-through
// Manager.
func (m *Manager) WrapOutput(w io.Writer, compress bool) (*Output, error) {
	o := &Output{sink: &countingWriter{w: w}}
	o.head = o.sink
	if m.ks == nil {
		return o, nil
	}
	if err := m.opts.Validate(); err != nil {
		return nil, fault.Logic(err)
	}

	// Built from the sink outwards; definitions are recorded in the order
	// the layers see the data, which is the reverse.
	var applied []StreamDefinition

	salt, err := newStreamSalt()
	if err != nil {
		return nil, err
	}
	block, iv, err := streamBlock(m.ks, salt)
	if err != nil {
		return nil, err
	}
	enc := newCBCPKCS7Writer(o.head, cipher.NewCBCEncrypter(block, iv))
	o.layers = append(o.layers, enc)
	o.head = enc
	applied = append(applied, StreamDefinition{Kind: KindEncryption, Algorithm: AES256CBC, Params: salt})

	if compress {
		cw, err := newCompressor(o.head, m.opts.Compression, m.opts.CompressionLevel)
		if err != nil {
			return nil, fault.Logic(err)
		}
		o.layers = append(o.layers, cw)
		o.head = cw
		applied = append(applied, StreamDefinition{Kind: KindCompression, Algorithm: m.opts.Compression})
	}

	if o.digest, err = newDigest(m.opts.Digest); err != nil {
		return nil, fault.Logic(err)
	}
	applied = append(applied, StreamDefinition{Kind: KindDigest, Algorithm: m.opts.Digest})

	for i := len(applied) - 1; i >= 0; i-- {
		o.defs = append(o.defs, applied[i])
	}
	return o, nil
}

func (o *Output) Write(p []byte) (int, error) {
	if o.closed {
		return 0, fault.Logic(ErrClosed)
	}
	n, err := o.head.Write(p)
	o.raw += int64(n)
	if o.digest != nil {
		o.digest.Write(p[:n])
	}
	return n, err
}

// Close flushes the layers from the outermost inwards. It is idempotent and
// returns the first error of the first call.
func (o *Output) Close() error {
	if o.closed {
		return o.closeEr
	}
	o.closed = true
	for i := len(o.layers) - 1; i >= 0; i-- {
		if err := o.layers[i].Close(); err != nil && o.closeEr == nil {
			o.closeEr = err
		}
	}
	return o.closeEr
}

// Analyse reports the layers that were applied, in application order, and
// the sizes and digest of the finished stream. The stream must be closed.
func (o *Output) Analyse() ([]StreamDefinition, Result, error) {
	if !o.closed {
		return nil, Result{}, fault.Logic(ErrNotClosed)
	}
	res := Result{RawSize: o.raw, StoredSize: o.sink.n}
	if o.digest != nil {
		res.Digest = o.digest.Sum(nil)
	}
	defs := make([]StreamDefinition, len(o.defs))
	copy(defs, o.defs)
	return defs, res, nil
}

// Expect carries what the writer recorded about an entry.
type Expect struct {
	// RawSize is checked at EOF unless negative.
	RawSize int64
	// Digest is checked at EOF when the definitions include a digest layer.
	Digest []byte
}

// WrapInput rebuilds the read pipeline for defs over r, undoing the layers in
// reverse order. Size and digest are verified when the caller reaches EOF.
func (m *Manager) WrapInput(r io.Reader, defs []StreamDefinition, expect Expect) (io.ReadCloser, error) {
	if err := checkOrder(defs); err != nil {
		return nil, err
	}
	v := &verifyReader{expect: expect}
	// Errors of the underlying reader are remembered so that they reach the
	// caller unclassified, whatever the layers above make of them.
	source := &sourceReader{r: r}
	var src io.Reader = source
	for i := len(defs) - 1; i >= 0; i-- {
		d := defs[i]
		switch d.Kind {
		case KindEncryption:
			if m.ks == nil {
				return nil, fault.Logic(ErrNoKeySet)
			}
			if d.Algorithm != AES256CBC {
				return nil, fault.Formatf("%w: encryption %d", ErrUnknownAlgorithm, d.Algorithm)
			}
			block, iv, err := streamBlock(m.ks, d.Params)
			if err != nil {
				return nil, err
			}
			src = newCBCPKCS7Reader(src, cipher.NewCBCDecrypter(block, iv))
		case KindCompression:
			rc, err := newDecompressor(src, d.Algorithm)
			switch {
			case err == ErrUnknownAlgorithm:
				return nil, fault.Formatf("%w: compression %d", ErrUnknownAlgorithm, d.Algorithm)
			case err != nil && source.err != nil:
				return nil, source.err
			case err != nil:
				return nil, fault.Format(err)
			}
			v.closers = append(v.closers, rc)
			src = formatReader{r: rc, source: source}
		case KindDigest:
			h, err := newDigest(d.Algorithm)
			if err != nil {
				return nil, fault.Formatf("%w: digest %d", ErrUnknownAlgorithm, d.Algorithm)
			}
			v.digest = h
		}
	}
	v.r = src
	return v, nil
}

// checkOrder accepts the layer sequences WrapOutput produces: an optional
// digest, then an optional compression, then an optional encryption, each at
// most once. Compression and digest layers need encryption.
func checkOrder(defs []StreamDefinition) error {
	last := Kind(0)
	for _, d := range defs {
		if d.Kind <= last || d.Kind > KindEncryption {
			return fault.Formatf("%w: %s after %s", ErrBadDefinitions, d.Kind, last)
		}
		last = d.Kind
	}
	if len(defs) > 0 && last != KindEncryption {
		return fault.Formatf("%w: unencrypted layers", ErrBadDefinitions)
	}
	return nil
}

// verifyReader is the outermost read layer.
type verifyReader struct {
	r       io.Reader
	digest  hash.Hash
	expect  Expect
	n       int64
	closers []io.Closer
	checked bool
}

func (v *verifyReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	v.n += int64(n)
	if v.digest != nil {
		v.digest.Write(p[:n])
	}
	if v.expect.RawSize >= 0 && v.n > v.expect.RawSize {
		return n, fault.Formatf("%w: more than %d bytes", ErrSizeMismatch, v.expect.RawSize)
	}
	if err == io.EOF && !v.checked {
		v.checked = true
		if verr := v.verify(); verr != nil {
			return n, verr
		}
	}
	return n, err
}

func (v *verifyReader) verify() error {
	if v.expect.RawSize >= 0 && v.n != v.expect.RawSize {
		return fault.Formatf("%w: got %d bytes, want %d", ErrSizeMismatch, v.n, v.expect.RawSize)
	}
	if v.digest != nil && !bytes.Equal(v.digest.Sum(nil), v.expect.Digest) {
		return fault.Format(ErrDigestMismatch)
	}
	return nil
}

func (v *verifyReader) Close() error {
	var first error
	for i := len(v.closers) - 1; i >= 0; i-- {
		if err := v.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	v.closers = nil
	return first
}

// sourceReader records the first failure of the stored bytes' reader.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF && s.err == nil {
		s.err = err
	}
	return n, err
}

// formatReader classifies decompression failures as format errors. A
// failure caused by the source is returned as the source reported it.
type formatReader struct {
	r      io.Reader
	source *sourceReader
}

func (f formatReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err == nil || err == io.EOF {
		return n, err
	}
	if f.source.err != nil {
		return n, f.source.err
	}
	if !fault.IsLogic(err) && !fault.IsCrypto(err) && !fault.IsFormat(err) {
		err = fault.Format(err)
	}
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
