package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"

	"github.com/Amaury/arkiv-lock/pkg/fault"
)

// countingReader tracks the position of the tar reader inside the source
// and keeps the first error of the source. It does not implement io.Seeker,
// so tar reads every byte it skips and the count stays exact.
type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && err != io.EOF && c.err == nil {
		c.err = err
	}
	return n, err
}

// scanRecords walks the tar container once and locates every record's
// payload. It enforces the record ordering rules but reads no payload.
func scanRecords(src io.ReaderAt, size int64) ([]record, error) {
	cr := &countingReader{r: io.NewSectionReader(src, 0, size)}
	tr := tar.NewReader(cr)

	var recs []record
	seen := make(map[string]struct{})
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if cr.err != nil {
			return nil, fmt.Errorf("archive: reading record %d: %w", len(recs), cr.err)
		}
		// Names are checked where they are used, by Extract.
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return nil, fault.Formatf("archive: reading record %d: %w", len(recs), err)
		}
		// Check the record against those seen so far.
		kind, err := recordKind(hdr)
		if err != nil {
			return nil, err
		}
		if n := len(recs); n > 0 && recs[n-1].kind == kindDirectory {
			return nil, fault.Format(ErrDirectoryNotLast)
		}
		if _, dup := seen[hdr.Name]; dup {
			return nil, fault.Formatf("%w: record %q appears twice", ErrBadMetadata, hdr.Name)
		}
		seen[hdr.Name] = struct{}{}
		recs = append(recs, record{
			name:   hdr.Name,
			kind:   kind,
			offset: cr.n,
			size:   hdr.Size,
			hdr:    hdr,
		})
	}

	// Plain and sealed records never share a container.
	var plain, sealed int
	for _, r := range recs {
		switch r.kind {
		case kindEntry:
			plain++
		case kindSealed:
			sealed++
		}
	}
	encrypted := len(recs) > 0 && recs[len(recs)-1].kind == kindDirectory
	switch {
	case plain > 0 && (sealed > 0 || encrypted):
		return nil, fault.Format(ErrMixedRecords)
	case sealed > 0 && !encrypted:
		return nil, fault.Format(ErrMissingDirectory)
	}
	return recs, nil
}
