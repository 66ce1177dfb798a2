package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Amaury/arkiv-lock/internal/directory"
	"github.com/Amaury/arkiv-lock/internal/transform"
	"github.com/Amaury/arkiv-lock/pkg/fault"
	"github.com/Amaury/arkiv-lock/pkg/keyset"
	"github.com/Amaury/arkiv-lock/pkg/lock"
)

var (
	ErrLockMismatch = errors.New("archive: lock does not match the archive")
	ErrLocked       = errors.New("archive: lock must be unlocked first")
)

// Entry describes one logical file of an opened archive.
type Entry struct {
	Name       string
	Size       int64
	StoredSize int64
	Mode       fs.FileMode
	ModTime    time.Time
	// Digest and Layers are empty for plaintext archives. Layers names the
	// applied transforms in application order, as "kind:algorithm".
	Digest []byte
	Layers []string
}

// Reader gives access to the entries of an archive. Entries of an encrypted
// archive become readable once its lock is unlocked. Entry streams read
// from the source independently and may be used concurrently, but the
// Reader itself and its lock are not safe for concurrent use.
type Reader struct {
	src    io.ReaderAt
	closer io.Closer
	log    *logrus.Logger

	records  []record
	byStored map[string]int

	lock    *lock.Lock
	secured []byte
	dirRec  *record

	dir     *directory.Directory
	manager *transform.Manager
	loadErr error
}

// NewReader scans the archive held in src. For an encrypted archive the
// embedded lock is decoded; pass WithLock to supply an equal lock instance
// instead, for example one that is already unlocked. A lock given for a
// plaintext archive is ignored.
func NewReader(src io.ReaderAt, size int64, opts ...Option) (*Reader, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	// Walk the container once to locate every record.
	recs, err := scanRecords(src, size)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		src:      src,
		log:      o.log,
		records:  recs,
		byStored: make(map[string]int, len(recs)),
	}
	for i, rec := range recs {
		r.byStored[rec.name] = i
	}

	// No directory record means a plaintext archive.
	if len(recs) == 0 || recs[len(recs)-1].kind != kindDirectory {
		if o.lock != nil {
			r.log.Debug("archive: lock ignored for plaintext archive")
		}
		if err := r.loadPlain(); err != nil {
			return nil, err
		}
		return r, nil
	}

	// Decode the lock stored with the directory.
	r.dirRec = &r.records[len(recs)-1]
	lockBytes, err := paxBytes(r.dirRec.hdr, paxLock)
	if err != nil {
		return nil, err
	}
	if r.secured, err = paxBytes(r.dirRec.hdr, paxKeySet); err != nil {
		return nil, err
	}
	embedded, err := lock.Decode(lockBytes)
	if err != nil {
		return nil, err
	}
	r.lock = embedded
	if o.lock != nil {
		if !o.lock.Equal(embedded) {
			return nil, fault.Logic(ErrLockMismatch)
		}
		r.lock = o.lock
	}

	// Load the directory now or once the lock is opened.
	if r.lock.IsLocked() {
		r.lock.OnUnlock(r.loadDirectory)
	} else {
		ks, _ := r.lock.KeySet()
		r.loadDirectory(ks)
	}
	r.log.WithFields(logrus.Fields{
		"lock":    r.lock.Type().String(),
		"records": len(recs),
		"locked":  r.lock.IsLocked(),
	}).Debug("archive: encrypted archive opened")
	return r, nil
}

// OpenFile opens the archive at path. Close releases the file.
func OpenFile(path string, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	r, err := NewReader(f, fi.Size(), opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// loadPlain builds the listing of a plaintext archive from its records.
func (r *Reader) loadPlain() error {
	dir := &directory.Directory{Version: directory.Version}
	for i, rec := range r.records {
		err := dir.Add(directory.Entry{
			Name:       rec.name,
			StoredName: rec.name,
			Sequence:   uint64(i),
			RawSize:    rec.size,
			StoredSize: rec.size,
			Mode:       fs.FileMode(rec.hdr.Mode).Perm(),
			ModTime:    rec.hdr.ModTime,
		})
		if err != nil {
			return fault.Format(err)
		}
	}
	r.dir = dir
	r.manager = transform.NewManager(nil, transform.DefaultOptions())
	return nil
}

// loadDirectory runs once the lock's keyset is known. Failures are kept and
// reported by every later data access.
func (r *Reader) loadDirectory(lockKS *keyset.KeySet) {
	r.dir, r.manager, r.loadErr = r.readDirectory(lockKS)
	if r.loadErr != nil {
		r.log.WithError(r.loadErr).Warn("archive: directory could not be loaded")
		return
	}
	r.log.WithField("entries", len(r.dir.Entries)).Debug("archive: directory loaded")
}

func (r *Reader) readDirectory(lockKS *keyset.KeySet) (*directory.Directory, *transform.Manager, error) {
	// Recover the archive keyset, then decrypt and parse the directory.
	archiveKS, err := keyset.Unsecure(r.secured, lockKS)
	if err != nil {
		return nil, nil, err
	}
	sealed := make([]byte, r.dirRec.size)
	if _, err := r.src.ReadAt(sealed, r.dirRec.offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("archive: reading directory: %w", err)
	}
	plain, err := archiveKS.DecryptBytes(sealed)
	if err != nil {
		return nil, nil, err
	}
	dir, err := directory.Unmarshal(plain)
	if err != nil {
		return nil, nil, err
	}
	if err := r.checkDirectory(dir); err != nil {
		return nil, nil, err
	}
	return dir, transform.NewManager(archiveKS, transform.DefaultOptions()), nil
}

// checkDirectory requires a one to one match between listed entries and
// sealed records.
func (r *Reader) checkDirectory(dir *directory.Directory) error {
	if len(dir.Entries) != len(r.records)-1 {
		return fault.Formatf("%w: %d entries for %d records", ErrEntryMismatch, len(dir.Entries), len(r.records)-1)
	}
	for _, e := range dir.Entries {
		i, ok := r.byStored[e.StoredName]
		if !ok || r.records[i].kind != kindSealed {
			return fault.Formatf("%w: no record for %q", ErrEntryMismatch, e.Name)
		}
		if r.records[i].size != e.StoredSize {
			return fault.Formatf("%w: size of %q", ErrEntryMismatch, e.Name)
		}
	}
	return nil
}

// Encrypted reports whether the archive is protected by a lock.
func (r *Reader) Encrypted() bool { return r.dirRec != nil }

// Lock returns the lock protecting the archive, or nil for a plaintext
// archive. Unlock it to make the entries readable.
func (r *Reader) Lock() *lock.Lock { return r.lock }

// PhysicalNames lists the record names as stored in the container,
// directory record included.
func (r *Reader) PhysicalNames() []string {
	names := make([]string, len(r.records))
	for i, rec := range r.records {
		names[i] = rec.name
	}
	return names
}

func (r *Reader) ready() error {
	if !r.Encrypted() {
		return r.loadErr
	}
	if r.lock.IsLocked() {
		return fault.Logic(ErrLocked)
	}
	// The lock keeps one unlock notification. When another reader sharing
	// the lock took it, load the directory now.
	if r.dir == nil && r.loadErr == nil {
		ks, err := r.lock.KeySet()
		if err != nil {
			return err
		}
		r.loadDirectory(ks)
	}
	return r.loadErr
}

// Entries lists the entries in creation order.
func (r *Reader) Entries() ([]Entry, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	out := make([]Entry, len(r.dir.Entries))
	for i, e := range r.dir.Entries {
		out[i] = Entry{
			Name:       e.Name,
			Size:       e.RawSize,
			StoredSize: e.StoredSize,
			Mode:       e.Mode,
			ModTime:    e.ModTime,
			Digest:     e.Digest,
			Layers:     layerNames(e.Definitions),
		}
	}
	return out, nil
}

func layerNames(defs []transform.StreamDefinition) []string {
	if len(defs) == 0 {
		return nil
	}
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.String()
	}
	return names
}

// Names lists the entry names in creation order.
func (r *Reader) Names() ([]string, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.dir.Names(), nil
}

// Open returns a stream of the entry's content. Size and digest are
// verified when the stream reaches EOF.
func (r *Reader) Open(name string) (io.ReadCloser, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	e, ok := r.dir.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("archive: entry %q: %w", name, fs.ErrNotExist)
	}
	rec := r.records[r.byStored[e.StoredName]]
	section := io.NewSectionReader(r.src, rec.offset, rec.size)
	return r.manager.WrapInput(section, e.Definitions, transform.Expect{RawSize: e.RawSize, Digest: e.Digest})
}

// ReadFile returns the whole content of the entry.
func (r *Reader) ReadFile(name string) ([]byte, error) {
	rc, err := r.Open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Close releases the file opened by OpenFile.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}
