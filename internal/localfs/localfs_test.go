package localfs

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemFS(t *testing.T) *FS {
	t.Helper()
	f, err := New(afero.NewMemMapFs(), "/sync")
	require.NoError(t, err)
	return f
}

func TestFS_CreateStatList(t *testing.T) {
	f := newMemFS(t)
	mod := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	e, err := f.Create("docs/a.txt", []byte("hello"), mod)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", e.Name)
	assert.Equal(t, int64(5), e.Size)
	assert.True(t, e.ModTime.Equal(mod))

	_, err = f.Mkdir("docs/sub")
	require.NoError(t, err)

	entries, err := f.List("docs")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "docs/a.txt", entries[0].Path)
	assert.True(t, entries[1].Dir)

	_, ok, err := f.Stat("missing.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	// no temp files are left behind
	for _, e := range entries {
		assert.NotContains(t, e.Name, ".tmp")
	}
}

func TestFS_HashIsCachedBySizeAndMtime(t *testing.T) {
	f := newMemFS(t)
	mod := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err := f.Create("a.txt", []byte("abc"), mod)
	require.NoError(t, err)

	h1, err := f.Hash("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", h1)
	assert.Equal(t, 1, f.hashes.Len())

	h2, err := f.Hash("a.txt")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, f.hashes.Len())

	_, err = f.Create("a.txt", []byte("abcd"), mod)
	require.NoError(t, err)
	h3, err := f.Hash("a.txt")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestFS_WriteAtomicFailureKeepsOriginal(t *testing.T) {
	f := newMemFS(t)
	_, err := f.Create("a.txt", []byte("original"), time.Now())
	require.NoError(t, err)

	boom := errors.New("network dropped")
	_, err = f.WriteAtomic("a.txt", time.Now(), func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	data, err := f.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	entries, err := f.List("")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFS_OpenContent(t *testing.T) {
	f := newMemFS(t)
	mod := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err := f.Create("dir/b.bin", []byte("0123456789"), mod)
	require.NoError(t, err)

	c, err := f.Open("dir/b.bin")
	require.NoError(t, err)
	defer c.Close()

	d := c.Descriptor()
	assert.Equal(t, "b.bin", d.Name)
	assert.Equal(t, int64(10), d.Size)
	assert.True(t, d.ModTime.Equal(mod))
	assert.NotEmpty(t, d.Hash)

	buf := make([]byte, 4)
	_, err = c.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(buf))
}

func TestFS_RenameRefusesOverwrite(t *testing.T) {
	f := newMemFS(t)
	_, err := f.Create("a.txt", []byte("a"), time.Now())
	require.NoError(t, err)
	_, err = f.Create("b.txt", []byte("b"), time.Now())
	require.NoError(t, err)

	err = f.Rename("a.txt", "b.txt")
	var ioe *IOError
	assert.ErrorAs(t, err, &ioe)

	require.NoError(t, f.Rename("a.txt", "sub/c.txt"))
	data, err := f.ReadFile("sub/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
}

func TestFS_RemoveMissingIsNoop(t *testing.T) {
	f := newMemFS(t)
	assert.NoError(t, f.Remove("nope"))
	assert.Error(t, f.RemoveAll(""))
}

func TestFS_Rel(t *testing.T) {
	f := newMemFS(t)
	rel, err := f.Rel("/sync/a/b")
	require.NoError(t, err)
	assert.Equal(t, "a/b", rel)

	_, err = f.Rel("/elsewhere")
	assert.Error(t, err)
}

func TestMarkers(t *testing.T) {
	assert.Equal(t, "a/file.conflict.txt", MarkedPath("a/file.txt", Conflict))
	assert.Equal(t, "noext.conflict", MarkedPath("noext", Conflict))

	cases := map[string]string{
		"a/file.conflict.txt":                          "a/file.txt",
		"file.conflict.20250712234500.txt":             "file.txt",
		"noext.conflict":                               "noext",
		"file.conflict.20250712234500":                 "file",
		"archive.conflict.tar":                         "archive.tar",
		"a/b/report.final.conflict.20260101000000.pdf": "a/b/report.final.pdf",
	}
	for in, want := range cases {
		assert.True(t, IsMarkedPath(in), in)
		assert.Equal(t, want, UnmarkedPath(in), in)
	}

	assert.False(t, IsMarkedPath("x.conflicts.txt"))
	assert.False(t, IsMarkedPath("plain.txt"))
}

func TestFS_SetMarkerRotates(t *testing.T) {
	f := newMemFS(t)
	f.Now = func() time.Time { return time.Date(2026, 7, 12, 23, 45, 0, 0, time.UTC) }

	_, err := f.Create("f.txt", []byte("one"), time.Now())
	require.NoError(t, err)
	marked, err := f.SetMarker("f.txt", Conflict)
	require.NoError(t, err)
	assert.Equal(t, "f.conflict.txt", marked)

	_, err = f.Create("f.txt", []byte("two"), time.Now())
	require.NoError(t, err)
	_, err = f.SetMarker("f.txt", Conflict)
	require.NoError(t, err)

	rotated, err := f.ReadFile("f.conflict.20260712234500.txt")
	require.NoError(t, err)
	assert.Equal(t, "one", string(rotated))
	latest, err := f.ReadFile("f.conflict.txt")
	require.NoError(t, err)
	assert.Equal(t, "two", string(latest))

	_, err = f.SetMarker("missing.txt", Conflict)
	assert.Error(t, err)
}
