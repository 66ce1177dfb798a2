// Package directory holds the table of contents of an encrypted archive and
// its protobuf wire encoding.
package directory

import (
	"errors"
	"io/fs"
	"time"

	"github.com/google/uuid"

	"github.com/Amaury/arkiv-lock/internal/transform"
	"github.com/Amaury/arkiv-lock/pkg/fault"
)

// Version is the only directory layout this package reads and writes.
const Version = 1

var (
	ErrDuplicateName     = errors.New("directory: duplicate entry name")
	ErrDuplicateSequence = errors.New("directory: duplicate sequence number")
	ErrUnknownVersion    = errors.New("directory: unknown version")
	ErrMalformed         = errors.New("directory: malformed encoding")
)

// Entry describes one logical file of the archive.
type Entry struct {
	// Name is the logical path supplied by the writer.
	Name string
	// StoredName is the physical record name in the container.
	StoredName string
	Sequence   uint64
	RawSize    int64
	StoredSize int64
	Digest     []byte
	// Definitions are in application order.
	Definitions []transform.StreamDefinition
	Mode        fs.FileMode
	ModTime     time.Time
}

// Directory is append-only: entries keep creation order.
type Directory struct {
	Version   uint64
	ArchiveID uuid.UUID
	Entries   []Entry

	byName map[string]int
}

// New returns an empty directory with a fresh archive identifier.
func New() *Directory {
	return &Directory{Version: Version, ArchiveID: uuid.New(), byName: map[string]int{}}
}

// Add appends e. Names must be unique.
func (d *Directory) Add(e Entry) error {
	if d.byName == nil {
		d.reindex()
	}
	if _, ok := d.byName[e.Name]; ok {
		return fault.Logicf("%w: %q", ErrDuplicateName, e.Name)
	}
	d.byName[e.Name] = len(d.Entries)
	d.Entries = append(d.Entries, e)
	return nil
}

// Lookup returns the entry called name.
func (d *Directory) Lookup(name string) (Entry, bool) {
	if d.byName == nil {
		d.reindex()
	}
	i, ok := d.byName[name]
	if !ok {
		return Entry{}, false
	}
	return d.Entries[i], true
}

// Has reports whether an entry called name exists.
func (d *Directory) Has(name string) bool {
	_, ok := d.Lookup(name)
	return ok
}

// Names returns the logical names in creation order.
func (d *Directory) Names() []string {
	names := make([]string, len(d.Entries))
	for i, e := range d.Entries {
		names[i] = e.Name
	}
	return names
}

func (d *Directory) reindex() {
	d.byName = make(map[string]int, len(d.Entries))
	for i, e := range d.Entries {
		d.byName[e.Name] = i
	}
}
