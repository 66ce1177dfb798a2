package transform

import (
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

func compressionName(a Algorithm) string {
	switch a {
	case Zstd:
		return "zstd"
	case Flate:
		return "flate"
	case Xz:
		return "xz"
	}
	return ""
}

// newCompressor returns a compressing writer over w. Encoders run
// synchronously; no goroutines outlive the call.
func newCompressor(w io.Writer, a Algorithm, level int) (io.WriteCloser, error) {
	switch a {
	case Zstd:
		// Empty entries still get a frame.
		opts := []zstd.EOption{zstd.WithEncoderConcurrency(1), zstd.WithZeroFrames(true)}
		if level != 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		}
		return zstd.NewWriter(w, opts...)
	case Flate:
		if level == 0 {
			level = flate.DefaultCompression
		}
		return flate.NewWriter(w, level)
	case Xz:
		return xz.NewWriter(w)
	}
	return nil, ErrUnknownAlgorithm
}

// newDecompressor returns a decompressing reader over r.
func newDecompressor(r io.Reader, a Algorithm) (io.ReadCloser, error) {
	switch a {
	case Zstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{dec}, nil
	case Flate:
		return flate.NewReader(r), nil
	case Xz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	}
	return nil, ErrUnknownAlgorithm
}

// zstdReadCloser adapts Decoder.Close, which returns nothing.
type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
