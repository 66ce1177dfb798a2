package directory

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"pgregory.net/rapid"

	"github.com/Amaury/arkiv-lock/internal/transform"
	"github.com/Amaury/arkiv-lock/pkg/fault"
)

func sampleEntry(name string, seq uint64) Entry {
	return Entry{
		Name:       name,
		StoredName: fmt.Sprintf("entry-%06d", seq),
		Sequence:   seq,
		RawSize:    1234,
		StoredSize: 512,
		Digest:     []byte{1, 2, 3, 4},
		Definitions: []transform.StreamDefinition{
			{Kind: transform.KindDigest, Algorithm: transform.SHA512_256},
			{Kind: transform.KindCompression, Algorithm: transform.Zstd},
			{Kind: transform.KindEncryption, Algorithm: transform.AES256CBC, Params: make([]byte, 32)},
		},
		Mode:    0o640,
		ModTime: time.Unix(1700000000, 42),
	}
}

func TestAddLookupNames(t *testing.T) {
	d := New()
	require.NoError(t, d.Add(sampleEntry("b.txt", 0)))
	require.NoError(t, d.Add(sampleEntry("a/c.txt", 1)))

	err := d.Add(sampleEntry("b.txt", 2))
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.True(t, fault.IsLogic(err))

	e, ok := d.Lookup("a/c.txt")
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.Sequence)
	assert.False(t, d.Has("missing"))
	assert.Equal(t, []string{"b.txt", "a/c.txt"}, d.Names())
}

func TestWireRoundTrip(t *testing.T) {
	d := New()
	require.NoError(t, d.Add(sampleEntry("one", 0)))
	require.NoError(t, d.Add(Entry{Name: "empty", StoredName: "entry-000001", Sequence: 1}))

	b, err := d.MarshalBinary()
	require.NoError(t, err)
	got, err := Unmarshal(b)
	require.NoError(t, err)

	assert.Equal(t, d.ArchiveID, got.ArchiveID)
	assert.Equal(t, uint64(Version), got.Version)
	require.Len(t, got.Entries, 2)
	want := d.Entries[0]
	have := got.Entries[0]
	assert.True(t, want.ModTime.Equal(have.ModTime))
	want.ModTime, have.ModTime = time.Time{}, time.Time{}
	assert.Equal(t, want, have)
	assert.True(t, got.Entries[1].ModTime.IsZero())

	again, err := got.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

func TestWireRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := &Directory{Version: Version, ArchiveID: uuid.New()}
		names := rapid.SliceOfNDistinct(rapid.StringN(1, 20, -1), 0, 8, func(s string) string { return s }).Draw(t, "names")
		for i, n := range names {
			e := Entry{
				Name:       n,
				StoredName: rapid.String().Draw(t, "stored"),
				Sequence:   uint64(i),
				RawSize:    rapid.Int64Range(0, 1<<40).Draw(t, "raw"),
				StoredSize: rapid.Int64Range(0, 1<<40).Draw(t, "stored"),
				Mode:       0o644,
			}
			if err := d.Add(e); err != nil {
				t.Fatal(err)
			}
		}
		b, err := d.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		got, err := Unmarshal(b)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Entries) != len(d.Entries) {
			t.Fatalf("got %d entries, want %d", len(got.Entries), len(d.Entries))
		}
		for i := range d.Entries {
			if got.Entries[i].Name != d.Entries[i].Name || got.Entries[i].RawSize != d.Entries[i].RawSize {
				t.Fatalf("entry %d differs", i)
			}
		}
	})
}

func encodeEntries(id uuid.UUID, version uint64, entries ...Entry) []byte {
	d := &Directory{Version: version, ArchiveID: id, Entries: entries}
	b, _ := d.MarshalBinary()
	return b
}

func TestUnmarshalRejects(t *testing.T) {
	id := uuid.New()
	good := encodeEntries(id, Version, sampleEntry("x", 0))

	var wrongType []byte
	wrongType = protowire.AppendTag(wrongType, fieldVersion, protowire.BytesType)
	wrongType = protowire.AppendBytes(wrongType, []byte{1})

	var badID []byte
	badID = protowire.AppendTag(badID, fieldVersion, protowire.VarintType)
	badID = protowire.AppendVarint(badID, Version)
	badID = protowire.AppendTag(badID, fieldArchiveID, protowire.BytesType)
	badID = protowire.AppendBytes(badID, []byte{1, 2, 3})

	cases := map[string]struct {
		in   []byte
		want error
	}{
		"truncated":          {good[:len(good)-3], ErrMalformed},
		"garbage":            {[]byte{0xff, 0xff, 0xff}, ErrMalformed},
		"empty":              {nil, ErrMalformed},
		"unknown version":    {encodeEntries(id, 7), ErrUnknownVersion},
		"duplicate name":     {encodeEntries(id, Version, sampleEntry("x", 0), sampleEntry("x", 1)), ErrDuplicateName},
		"duplicate sequence": {encodeEntries(id, Version, sampleEntry("x", 3), sampleEntry("y", 3)), ErrDuplicateSequence},
		"nameless entry":     {encodeEntries(id, Version, Entry{Sequence: 1}), ErrMalformed},
		"wrong wire type":    {wrongType, ErrMalformed},
		"bad archive id":     {badID, ErrMalformed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal(tc.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, fault.IsFormat(err))
		})
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	b := encodeEntries(uuid.New(), Version, sampleEntry("x", 0))
	b = protowire.AppendTag(b, 99, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 7)
	b = protowire.AppendTag(b, 100, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	d, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, d.Names())
}
