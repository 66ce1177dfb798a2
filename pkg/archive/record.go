package archive

import (
	"archive/tar"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Amaury/arkiv-lock/pkg/fault"
)

// FormatVersion is written into every physical record.
const FormatVersion = 1

// PAX records carried by every physical record. Keys under the ARKIV.
// namespace that are not listed here are rejected.
const (
	paxNamespace = "ARKIV."
	paxKind      = "ARKIV.kind"
	paxVersion   = "ARKIV.version"
	paxLock      = "ARKIV.lock"
	paxKeySet    = "ARKIV.keyset"
)

// Record kinds. Plaintext archives hold only "entry" records; encrypted
// archives hold "sealed" records followed by exactly one "directory" record.
const (
	kindEntry     = "entry"
	kindSealed    = "sealed"
	kindDirectory = "directory"
)

const (
	// Sealed entry names are built from the archive id and the sequence
	// number.
	storedNameFormat = "%s-%06d"
	directoryName    = "directory"
	sealedMode       = 0o600
)

// Sealed records carry no real timestamp.
var sealedModTime = time.Unix(0, 0).UTC()

var (
	ErrNotArkiv         = errors.New("archive: not an arkiv record")
	ErrUnknownRecord    = errors.New("archive: unknown record kind")
	ErrUnknownPAX       = errors.New("archive: unknown ARKIV record key")
	ErrUnknownVersion   = errors.New("archive: unsupported format version")
	ErrDirectoryNotLast = errors.New("archive: directory record is not the last record")
	ErrMissingDirectory = errors.New("archive: sealed records without a directory")
	ErrMixedRecords     = errors.New("archive: plaintext and sealed records mixed")
	ErrBadMetadata      = errors.New("archive: malformed record metadata")
	ErrEntryMismatch    = errors.New("archive: directory does not match the stored records")
	ErrReservedName     = errors.New("archive: name is used by a stored record")
)

// record is one physical tar member located by a scan.
type record struct {
	name   string
	kind   string
	offset int64
	size   int64
	hdr    *tar.Header
}

// recordHeader builds the tar header of a physical record.
func recordHeader(name, kind string, size int64, mode int64, mtime time.Time) *tar.Header {
	return &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     size,
		Mode:     mode,
		ModTime:  mtime,
		Format:   tar.FormatPAX,
		PAXRecords: map[string]string{
			paxKind:    kind,
			paxVersion: strconv.Itoa(FormatVersion),
		},
	}
}

// recordKind validates the ARKIV.* records of hdr and returns its kind.
func recordKind(hdr *tar.Header) (string, error) {
	kind, ok := hdr.PAXRecords[paxKind]
	if !ok {
		return "", fault.Formatf("%w: %q", ErrNotArkiv, hdr.Name)
	}
	for k := range hdr.PAXRecords {
		if !strings.HasPrefix(k, paxNamespace) {
			continue
		}
		switch k {
		case paxKind, paxVersion:
		case paxLock, paxKeySet:
			if kind != kindDirectory {
				return "", fault.Formatf("%w: %s on %s record", ErrUnknownPAX, k, kind)
			}
		default:
			return "", fault.Formatf("%w: %s", ErrUnknownPAX, k)
		}
	}
	switch kind {
	case kindEntry, kindSealed, kindDirectory:
	default:
		return "", fault.Formatf("%w: %q", ErrUnknownRecord, kind)
	}
	if v := hdr.PAXRecords[paxVersion]; v != strconv.Itoa(FormatVersion) {
		return "", fault.Formatf("%w: %q", ErrUnknownVersion, v)
	}
	if hdr.Typeflag != tar.TypeReg {
		return "", fault.Formatf("%w: %q has type %q", ErrNotArkiv, hdr.Name, hdr.Typeflag)
	}
	return kind, nil
}

// paxBytes decodes a base64 PAX value of the directory record.
func paxBytes(hdr *tar.Header, key string) ([]byte, error) {
	v, ok := hdr.PAXRecords[key]
	if !ok {
		return nil, fault.Formatf("%w: missing %s", ErrBadMetadata, key)
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fault.Formatf("%w: %s: %v", ErrBadMetadata, key, err)
	}
	return b, nil
}

// physicalName returns base, extended with underscores until taken reports
// it free.
func physicalName(base string, taken func(string) bool) string {
	name := base
	for taken(name) {
		name += "_"
	}
	return name
}

func sealedName(id fmt.Stringer, seq uint64) string {
	return fmt.Sprintf(storedNameFormat, id, seq)
}
