package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amaury/arkiv-lock/pkg/fault"
)

func makeTree(t *testing.T) string {
	root := filepath.Join(t.TempDir(), "tree")
	files := map[string]string{
		"a.txt":         "alpha",
		"sub/b.txt":     "bravo",
		"sub/deep/c.md": "charlie",
	}
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o640))
	}
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.txt"), time.Now(), time.Unix(1600000000, 0)))
	return root
}

func TestAddTreeExtractRoundTrip(t *testing.T) {
	root := makeTree(t)
	path := filepath.Join(t.TempDir(), "out.arkiv")

	l := newPasswordLock(t)
	w, err := Create(path, l, quiet())
	require.NoError(t, err)
	require.NoError(t, AddTree(w, root, root))
	require.NoError(t, w.Close())

	r, err := OpenFile(path, quiet())
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Lock().UnlockPassword(password))

	names, err := r.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"tree/a.txt", "tree/sub/b.txt", "tree/sub/deep/c.md"}, names)

	dest := t.TempDir()
	require.NoError(t, Extract(r, dest, []string{"tree/sub/"}))
	_, err = os.Stat(filepath.Join(dest, "tree", "a.txt"))
	assert.True(t, os.IsNotExist(err))
	got, err := os.ReadFile(filepath.Join(dest, "tree", "sub", "deep", "c.md"))
	require.NoError(t, err)
	assert.Equal(t, "charlie", string(got))

	require.NoError(t, Extract(r, dest, nil))
	fi, err := os.Stat(filepath.Join(dest, "tree", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), fi.Mode().Perm())
	assert.True(t, fi.ModTime().Equal(time.Unix(1600000000, 0)))

	var out bytes.Buffer
	require.NoError(t, List(r, &out, []string{"tree/a"}))
	line := strings.TrimSpace(out.String())
	assert.True(t, strings.HasPrefix(line, "-rw-r-----"), line)
	assert.True(t, strings.HasSuffix(line, " tree/a.txt"), line)
	assert.Contains(t, line, " 5 ")
}

func TestExtractRejectsEscapingNames(t *testing.T) {
	for _, name := range []string{"../evil", "/etc/passwd", "a/../../evil"} {
		data := writeArchive(t, nil, []file{{name: "ok", data: []byte("fine")}, {name: name, data: []byte("bad")}})
		r := openArchive(t, data)

		dest := t.TempDir()
		err := Extract(r, dest, nil)
		require.ErrorIs(t, err, ErrUnsafePath, name)
		assert.True(t, fault.IsFormat(err))

		_, err = os.Stat(filepath.Join(dest, "ok"))
		assert.True(t, os.IsNotExist(err), "nothing is written before names are checked")
	}
}

func TestExtractLockedArchive(t *testing.T) {
	data := writeArchive(t, newPasswordLock(t), sampleFiles())
	r := openArchive(t, data)
	err := Extract(r, t.TempDir(), nil)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestCreateRejectsUsedLock(t *testing.T) {
	l := newPasswordLock(t)
	require.NoError(t, l.MarkAsUsed())

	path := filepath.Join(t.TempDir(), "never.arkiv")
	_, err := Create(path, l, quiet())
	require.Error(t, err)
	assert.True(t, fault.IsLogic(err))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestListIsInNameOrder(t *testing.T) {
	files := []file{
		{name: "zeta", data: []byte("z")},
		{name: "Alpha", data: []byte("A")},
		{name: "alpha/beta", data: []byte("ab")},
		{name: "alpha", data: []byte("a")},
	}
	data := writeArchive(t, newPasswordLock(t), files)
	r := openArchive(t, data)
	require.NoError(t, r.Lock().UnlockPassword(password))

	var out bytes.Buffer
	require.NoError(t, List(r, &out, nil))
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	for i, want := range []string{"Alpha", "alpha", "alpha/beta", "zeta"} {
		assert.True(t, strings.HasSuffix(lines[i], " "+want), lines[i])
	}

	// Entries keep the order they were written in.
	names, err := r.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "Alpha", "alpha/beta", "alpha"}, names)
}
