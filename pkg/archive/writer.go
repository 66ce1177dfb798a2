// Package archive writes and reads lock-protected archives: a tar container
// whose members are independently digested, compressed and encrypted entry
// streams, closed by an encrypted directory record that carries the lock.
package archive

import (
	"archive/tar"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
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
	ErrClosed         = errors.New("archive: closed")
	ErrEntryOpen      = errors.New("archive: another entry is open")
	ErrDuplicateEntry = errors.New("archive: duplicate entry name")
	ErrEmptyName      = errors.New("archive: empty entry name")
)

// Writer appends entries to an archive. Only one entry may be open at a
// time. A Writer is not safe for concurrent use.
type Writer struct {
	tw     *tar.Writer
	closer io.Closer
	log    *logrus.Logger

	lock      *lock.Lock
	archiveKS *keyset.KeySet
	secured   []byte
	manager   *transform.Manager

	dir *directory.Directory
	// physical holds the record names written so far.
	physical map[string]struct{}
	seq      uint64
	open     *EntryWriter
	closed   bool
}

// NewWriter starts an archive on w. A nil lock produces a plaintext archive;
// otherwise l must be fresh and is consumed, so it can protect no other
// archive. Nothing is written to w until the first entry is closed.
func NewWriter(w io.Writer, l *lock.Lock, opts ...Option) (*Writer, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	tops, err := o.cfg.TransformOptions()
	if err != nil {
		return nil, err
	}

	aw := &Writer{
		tw:       tar.NewWriter(w),
		log:      o.log,
		dir:      directory.New(),
		physical: make(map[string]struct{}),
	}
	// Without a lock the entries are stored as they are.
	if l == nil {
		aw.manager = transform.NewManager(nil, tops)
		aw.log.Debug("archive: plaintext writer")
		return aw, nil
	}

	// Claim the lock, then fetch its keyset.
	if err := l.MarkAsUsed(); err != nil {
		return nil, err
	}
	lockKS, err := l.KeySet()
	if err != nil {
		return nil, err
	}
	cs, err := o.cfg.CipherSuite()
	if err != nil {
		return nil, err
	}
	// Entries and directory are encrypted with a keyset of their own, stored
	// secured under the lock's keyset.
	if aw.archiveKS, err = keyset.New(cs); err != nil {
		return nil, err
	}
	if aw.secured, err = aw.archiveKS.Secure(lockKS); err != nil {
		return nil, err
	}
	aw.lock = l
	aw.manager = transform.NewManager(aw.archiveKS, tops)
	aw.log.WithFields(logrus.Fields{
		"lock":     l.Type().String(),
		"archive":  aw.dir.ArchiveID.String(),
		"compress": tops.Compression,
	}).Debug("archive: encrypted writer")
	return aw, nil
}

// Create creates or truncates the file at path and starts an archive on it.
// The file is closed by Close.
func Create(path string, l *lock.Lock, opts ...Option) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, l, opts...)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	w.closer = f
	return w, nil
}

// Encrypted reports whether entries are protected by a lock.
func (w *Writer) Encrypted() bool { return w.lock != nil }

// Len returns the number of entries written so far.
func (w *Writer) Len() int { return len(w.dir.Entries) }

// EntryWriter is the writable stream of one open entry. Closing it closes
// the entry.
type EntryWriter struct {
	w     *Writer
	entry directory.Entry
	buf   bytes.Buffer
	out   *transform.Output
	done  bool
}

// Open starts the entry name. compress selects the compression layer of
// encrypted archives and is ignored for plaintext ones.
func (w *Writer) Open(name string, compress bool, opts ...EntryOption) (*EntryWriter, error) {
	switch {
	case w.closed:
		return nil, fault.Logic(ErrClosed)
	case w.open != nil:
		return nil, fault.Logicf("%w: %q", ErrEntryOpen, w.open.entry.Name)
	case name == "":
		return nil, fault.Logic(ErrEmptyName)
	case w.dir.Has(name):
		return nil, fault.Logicf("%w: %q", ErrDuplicateEntry, name)
	case w.Encrypted() && w.taken(name):
		// A logical name may never show up as a physical one.
		return nil, fault.Logicf("%w: %q", ErrReservedName, name)
	}

	eo := entryOptions{mode: 0o644, modTime: time.Now()}
	for _, opt := range opts {
		opt(&eo)
	}

	seq := w.seq
	w.seq++
	ew := &EntryWriter{
		w: w,
		entry: directory.Entry{
			Name:       name,
			StoredName: name,
			Sequence:   seq,
			Mode:       eo.mode,
			ModTime:    eo.modTime.Truncate(time.Second),
		},
	}
	if w.Encrypted() {
		ew.entry.StoredName = physicalName(sealedName(w.dir.ArchiveID, seq), func(n string) bool {
			return n == name || w.dir.Has(n) || w.taken(n)
		})
	}
	out, err := w.manager.WrapOutput(&ew.buf, compress)
	if err != nil {
		return nil, err
	}
	ew.out = out
	w.open = ew

	w.log.WithFields(logrus.Fields{"entry": name, "seq": seq}).Debug("archive: entry opened")
	return ew, nil
}

// Write appends to the entry.
func (e *EntryWriter) Write(p []byte) (int, error) {
	if e.done {
		return 0, fault.Logicf("%w: entry %q", ErrClosed, e.entry.Name)
	}
	return e.out.Write(p)
}

// Close finishes the entry and writes it to the archive. Further calls are
// no-ops.
func (e *EntryWriter) Close() error {
	if e.done {
		return nil
	}
	e.done = true
	return e.w.finishEntry(e)
}

// CloseEntry closes the currently open entry. Without an open entry it does
// nothing, unless the archive itself is closed.
func (w *Writer) CloseEntry() error {
	switch {
	case w.closed:
		return fault.Logic(ErrClosed)
	case w.open == nil:
		return nil
	}
	return w.open.Close()
}

func (w *Writer) taken(name string) bool {
	_, ok := w.physical[name]
	return ok
}

// finishEntry flushes the transform layers and writes the buffered payload
// as one physical record. The writer returns to the no-entry state even on
// failure; a failed entry is not listed.
func (w *Writer) finishEntry(e *EntryWriter) error {
	w.open = nil
	// Flush the layers and collect what was applied.
	if err := e.out.Close(); err != nil {
		return fmt.Errorf("archive: finishing entry %q: %w", e.entry.Name, err)
	}
	defs, res, err := e.out.Analyse()
	if err != nil {
		return err
	}

	// Sealed records carry no metadata of their own.
	kind := kindEntry
	mode, mtime := int64(e.entry.Mode), e.entry.ModTime
	if w.Encrypted() {
		kind = kindSealed
		mode, mtime = sealedMode, sealedModTime
	}
	hdr := recordHeader(e.entry.StoredName, kind, int64(e.buf.Len()), mode, mtime)
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archive: writing entry %q: %w", e.entry.Name, err)
	}
	if _, err := w.tw.Write(e.buf.Bytes()); err != nil {
		return fmt.Errorf("archive: writing entry %q: %w", e.entry.Name, err)
	}
	w.physical[e.entry.StoredName] = struct{}{}

	// Record the entry in the directory.
	e.entry.RawSize = res.RawSize
	e.entry.StoredSize = res.StoredSize
	e.entry.Digest = res.Digest
	e.entry.Definitions = defs
	if err := w.dir.Add(e.entry); err != nil {
		return err
	}
	e.buf = bytes.Buffer{}

	w.log.WithFields(logrus.Fields{
		"entry":       e.entry.Name,
		"seq":         e.entry.Sequence,
		"raw_size":    res.RawSize,
		"stored_size": res.StoredSize,
	}).Debug("archive: entry closed")
	return nil
}

// Close closes any open entry, appends the directory record when the
// archive is encrypted and not empty, and finishes the container. Closing a
// closed Writer is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	var errs []error
	if w.open != nil {
		errs = append(errs, w.open.Close())
	}
	w.closed = true

	// An encrypted archive without entries has nothing to list.
	if w.Encrypted() && len(w.dir.Entries) > 0 {
		errs = append(errs, w.writeDirectory())
	}
	if err := w.tw.Close(); err != nil {
		errs = append(errs, fmt.Errorf("archive: finishing container: %w", err))
	}
	if w.closer != nil {
		errs = append(errs, w.closer.Close())
	}
	// Wipe the archive key.
	if w.archiveKS != nil {
		w.archiveKS.Zero()
	}
	return errors.Join(errs...)
}

func (w *Writer) writeDirectory() error {
	// Serialise then encrypt the directory.
	plain, err := w.dir.MarshalBinary()
	if err != nil {
		return err
	}
	sealed, err := w.archiveKS.EncryptBytes(plain)
	if err != nil {
		return err
	}

	// The directory name is chosen last, clear of every logical name.
	name := physicalName(directoryName, func(n string) bool { return w.dir.Has(n) || w.taken(n) })
	hdr := recordHeader(name, kindDirectory, int64(len(sealed)), sealedMode, sealedModTime)
	// The lock and the secured archive keyset travel with the directory.
	hdr.PAXRecords[paxLock] = base64.StdEncoding.EncodeToString(w.lock.EncodedBytes())
	hdr.PAXRecords[paxKeySet] = base64.StdEncoding.EncodeToString(w.secured)
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archive: writing directory: %w", err)
	}
	if _, err := w.tw.Write(sealed); err != nil {
		return fmt.Errorf("archive: writing directory: %w", err)
	}
	w.log.WithFields(logrus.Fields{
		"entries": len(w.dir.Entries),
		"size":    len(sealed),
	}).Debug("archive: directory written")
	return nil
}
