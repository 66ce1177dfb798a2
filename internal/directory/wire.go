package directory

import (
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Amaury/arkiv-lock/internal/transform"
	"github.com/Amaury/arkiv-lock/pkg/fault"
)

// Field numbers. Unknown fields are skipped on decode.
const (
	fieldVersion   protowire.Number = 1
	fieldArchiveID protowire.Number = 2
	fieldEntry     protowire.Number = 3

	fieldName       protowire.Number = 1
	fieldStoredName protowire.Number = 2
	fieldSequence   protowire.Number = 3
	fieldRawSize    protowire.Number = 4
	fieldStoredSize protowire.Number = 5
	fieldDigest     protowire.Number = 6
	fieldDefinition protowire.Number = 7
	fieldMode       protowire.Number = 8
	fieldModTime    protowire.Number = 9

	fieldKind      protowire.Number = 1
	fieldAlgorithm protowire.Number = 2
	fieldParams    protowire.Number = 3
)

// MarshalBinary encodes the directory. The encoding is deterministic.
func (d *Directory) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, d.Version)
	b = protowire.AppendTag(b, fieldArchiveID, protowire.BytesType)
	b = protowire.AppendBytes(b, d.ArchiveID[:])
	for i := range d.Entries {
		b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, appendEntry(nil, &d.Entries[i]))
	}
	return b, nil
}

func appendEntry(b []byte, e *Entry) []byte {
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, e.Name)
	b = protowire.AppendTag(b, fieldStoredName, protowire.BytesType)
	b = protowire.AppendString(b, e.StoredName)
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Sequence)
	b = protowire.AppendTag(b, fieldRawSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.RawSize))
	b = protowire.AppendTag(b, fieldStoredSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.StoredSize))
	if len(e.Digest) > 0 {
		b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Digest)
	}
	for _, def := range e.Definitions {
		var db []byte
		db = protowire.AppendTag(db, fieldKind, protowire.VarintType)
		db = protowire.AppendVarint(db, uint64(def.Kind))
		db = protowire.AppendTag(db, fieldAlgorithm, protowire.VarintType)
		db = protowire.AppendVarint(db, uint64(def.Algorithm))
		if len(def.Params) > 0 {
			db = protowire.AppendTag(db, fieldParams, protowire.BytesType)
			db = protowire.AppendBytes(db, def.Params)
		}
		b = protowire.AppendTag(b, fieldDefinition, protowire.BytesType)
		b = protowire.AppendBytes(b, db)
	}
	b = protowire.AppendTag(b, fieldMode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Mode))
	if !e.ModTime.IsZero() {
		b = protowire.AppendTag(b, fieldModTime, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.ModTime.UnixNano()))
	}
	return b
}

// Unmarshal decodes a directory and checks its invariants. Every failure is
// a format error.
func Unmarshal(b []byte) (*Directory, error) {
	d := &Directory{byName: map[string]int{}}
	var sawVersion, sawID bool
	seqs := map[uint64]struct{}{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			d.Version, sawVersion = v, true
		case num == fieldArchiveID && typ == protowire.BytesType:
			id, err := uuid.FromBytes(raw)
			if err != nil {
				return fmt.Errorf("%w: archive id: %v", ErrMalformed, err)
			}
			d.ArchiveID, sawID = id, true
		case num == fieldEntry && typ == protowire.BytesType:
			e, err := parseEntry(raw)
			if err != nil {
				return err
			}
			if _, dup := seqs[e.Sequence]; dup {
				return fmt.Errorf("%w: %d", ErrDuplicateSequence, e.Sequence)
			}
			seqs[e.Sequence] = struct{}{}
			if _, dup := d.byName[e.Name]; dup {
				return fmt.Errorf("%w: %q", ErrDuplicateName, e.Name)
			}
			d.byName[e.Name] = len(d.Entries)
			d.Entries = append(d.Entries, e)
		case num == fieldVersion || num == fieldArchiveID || num == fieldEntry:
			return fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)
		}
		return nil
	})
	if err != nil {
		return nil, fault.Format(err)
	}
	if !sawVersion || !sawID {
		return nil, fault.Formatf("%w: missing header fields", ErrMalformed)
	}
	if d.Version != Version {
		return nil, fault.Formatf("%w: %d", ErrUnknownVersion, d.Version)
	}
	return d, nil
}

func parseEntry(b []byte) (Entry, error) {
	var e Entry
	var sawName bool
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		if !expectedType(num, typ, fieldModTime, fieldName, fieldStoredName, fieldDigest, fieldDefinition) {
			return fmt.Errorf("%w: entry field %d has wire type %d", ErrMalformed, num, typ)
		}
		switch num {
		case fieldName:
			e.Name, sawName = string(raw), true
		case fieldStoredName:
			e.StoredName = string(raw)
		case fieldSequence:
			e.Sequence = v
		case fieldRawSize:
			e.RawSize = int64(v)
		case fieldStoredSize:
			e.StoredSize = int64(v)
		case fieldDigest:
			e.Digest = append([]byte(nil), raw...)
		case fieldDefinition:
			def, err := parseDefinition(raw)
			if err != nil {
				return err
			}
			e.Definitions = append(e.Definitions, def)
		case fieldMode:
			e.Mode = fs.FileMode(v)
		case fieldModTime:
			e.ModTime = time.Unix(0, protowire.DecodeZigZag(v))
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	if !sawName || e.Name == "" {
		return Entry{}, fmt.Errorf("%w: entry without name", ErrMalformed)
	}
	if e.RawSize < 0 || e.StoredSize < 0 {
		return Entry{}, fmt.Errorf("%w: negative size for %q", ErrMalformed, e.Name)
	}
	return e, nil
}

func parseDefinition(b []byte) (transform.StreamDefinition, error) {
	var def transform.StreamDefinition
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		if !expectedType(num, typ, fieldParams, fieldParams) {
			return fmt.Errorf("%w: definition field %d has wire type %d", ErrMalformed, num, typ)
		}
		switch num {
		case fieldKind:
			if v > 0xff {
				return fmt.Errorf("%w: kind %d", ErrMalformed, v)
			}
			def.Kind = transform.Kind(v)
		case fieldAlgorithm:
			if v > 0xff {
				return fmt.Errorf("%w: algorithm %d", ErrMalformed, v)
			}
			def.Algorithm = transform.Algorithm(v)
		case fieldParams:
			def.Params = append([]byte(nil), raw...)
		}
		return nil
	})
	return def, err
}

// expectedType reports whether a known field carries its declared wire type:
// the listed numbers are length-delimited, every other field up to last is a
// varint. Fields beyond last are unknown and accepted.
func expectedType(num protowire.Number, typ protowire.Type, last protowire.Number, bytesFields ...protowire.Number) bool {
	if num > last {
		return true
	}
	for _, f := range bytesFields {
		if num == f {
			return typ == protowire.BytesType
		}
	}
	return typ == protowire.VarintType
}

// walk calls fn for each field of a message. raw is set for length-delimited
// fields and v for varints; values of other wire types are skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}
