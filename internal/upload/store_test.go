package upload

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/drivesync/internal/ranges"
	"github.com/openmined/drivesync/internal/remote"
	"github.com/openmined/drivesync/internal/remote/memdrive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localContent stands in for a file opened from the sync root.
type localContent struct {
	remote.Content
	path string
}

func (c localContent) Descriptor() remote.ContentDescriptor {
	d := c.Content.Descriptor()
	d.Path = c.path
	return d
}

func newLocalContent(name string, data []byte, modTime time.Time) localContent {
	return localContent{
		Content: remote.BytesContent(name, data, modTime),
		path:    filepath.Join("/sync", name),
	}
}

func TestSessionStore_SaveLoadRemove(t *testing.T) {
	store, err := NewSessionStore(filepath.Join(t.TempDir(), "resume"))
	require.NoError(t, err)

	desc := newLocalContent("a.bin", payload(40), mod).Descriptor()
	next := ranges.Range{Lower: 26, Upper: 39, Total: 40}
	us := &remote.UploadSession{UploadURL: "mem://upload/x", Expiry: mod.Add(time.Hour), NextExpected: &next}
	key := RecordKey(remote.ByPath("docs"), desc)

	rec := newRecord(key, desc, remote.ByPath("docs"), remote.ConflictReplace, 26, us, 26, mod)
	require.NoError(t, store.Save(rec))

	got, err := store.Load(key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Matches(desc))
	assert.Equal(t, remote.ByPath("docs"), got.Parent)
	assert.Equal(t, remote.ConflictReplace, got.Conflict)
	assert.Equal(t, uint64(26), got.Position)
	assert.Equal(t, next, *got.Session.NextExpected)
	assert.True(t, got.ModTime.Equal(mod))

	touched := desc
	touched.ModTime = mod.Add(time.Second)
	assert.False(t, got.Matches(touched))

	require.NoError(t, store.Remove(key))
	require.NoError(t, store.Remove(key))
	got, err = store.Load(key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionStore_CorruptRecordIsDropped(t *testing.T) {
	store, err := NewSessionStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(store.path("bad"), []byte("{not json"), 0o644))
	got, err := store.Load("bad")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoFileExists(t, store.path("bad"))
}

func TestSessionStore_Prune(t *testing.T) {
	store, err := NewSessionStore(t.TempDir())
	require.NoError(t, err)

	for i, expiry := range []time.Time{mod.Add(-time.Minute), mod.Add(time.Hour)} {
		desc := newLocalContent(string(rune('a'+i))+".bin", payload(40), mod).Descriptor()
		us := &remote.UploadSession{UploadURL: "mem://upload/x", Expiry: expiry}
		require.NoError(t, store.Save(newRecord(RecordKey(remote.Root(), desc), desc, remote.Root(), remote.ConflictFail, 26, us, 0, mod)))
	}

	removed, err := store.Prune(mod)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSession_PersistsProgress(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)
	store, err := NewSessionStore(t.TempDir())
	require.NoError(t, err)

	content := newLocalContent("big.bin", payload(67), mod)
	key := RecordKey(remote.ByPath("docs"), content.Descriptor())

	var positions []uint64
	d.OnFragment = func(r ranges.Range) {
		if rec, _ := store.Load(key); rec != nil {
			positions = append(positions, rec.Position)
		}
	}

	opts := testOptions()
	opts.Store = store
	s, err := Create(ctx, d, content, remote.ByPath("docs"), remote.ConflictFail, opts)
	require.NoError(t, err)

	rec, err := store.Load(key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(0), rec.Position)

	_, err = s.UploadFragments(ctx, content)
	require.NoError(t, err)

	// OnFragment runs before the session records the reply
	assert.Equal(t, []uint64{0, 26, 52}, positions)
	rec, err = store.Load(key)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUploader_SimpleBelowThreshold(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)
	u := &Uploader{Service: d, Threshold: 100, ChunkSize: 26, Retrier: fastRetrier()}

	item, err := u.Upload(ctx, remote.BytesContent("small.txt", payload(100), mod), remote.ByPath("docs"), remote.ConflictFail)
	require.NoError(t, err)
	assert.Equal(t, int64(100), item.Size)
	assert.Equal(t, 1, d.Calls(memdrive.OpUploadSimple))
	assert.Equal(t, 0, d.Calls(memdrive.OpCreateUploadSession))
}

func TestUploader_ResumableAboveThreshold(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)
	u := &Uploader{Service: d, Threshold: 66, ChunkSize: 26, Retrier: fastRetrier()}

	item, err := u.Upload(ctx, remote.BytesContent("big.bin", payload(67), mod), remote.ByPath("docs"), remote.ConflictFail)
	require.NoError(t, err)
	assert.Equal(t, int64(67), item.Size)
	assert.Equal(t, 0, d.Calls(memdrive.OpUploadSimple))
	assert.Equal(t, threeRanges, d.Fragments())
}

func TestUploader_ResumesRecordedSession(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)
	store, err := NewSessionStore(t.TempDir())
	require.NoError(t, err)

	data := payload(67)
	content := newLocalContent("big.bin", data, mod)
	opts := testOptions()
	opts.Store = store

	// an earlier run created the session, sent one fragment and died
	s, err := Create(ctx, d, content, remote.ByPath("docs"), remote.ConflictFail, opts)
	require.NoError(t, err)
	_, err = d.UploadFragment(ctx, s.remote, threeRanges[0], bytes.NewReader(data[:26]))
	require.NoError(t, err)

	u := &Uploader{Service: d, Threshold: 10, ChunkSize: 26, Store: store, Retrier: fastRetrier()}
	item, err := u.Upload(ctx, content, remote.ByPath("docs"), remote.ConflictFail)
	require.NoError(t, err)
	assert.Equal(t, content.Descriptor().Hash, item.Hash)

	assert.Equal(t, 1, d.Calls(memdrive.OpCreateUploadSession))
	assert.Equal(t, threeRanges, d.Fragments())
	got, _ := d.Read("docs/big.bin")
	assert.Equal(t, data, got)

	rec, err := store.Load(RecordKey(remote.ByPath("docs"), content.Descriptor()))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUploader_StaleRecordStartsOver(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)
	store, err := NewSessionStore(t.TempDir())
	require.NoError(t, err)

	data := payload(67)
	opts := testOptions()
	opts.Store = store
	_, err = Create(ctx, d, newLocalContent("big.bin", data, mod), remote.ByPath("docs"), remote.ConflictFail, opts)
	require.NoError(t, err)

	// the file changed since the session was recorded
	changed := newLocalContent("big.bin", data, mod.Add(time.Minute))
	u := &Uploader{Service: d, Threshold: 10, ChunkSize: 26, Store: store, Retrier: fastRetrier()}
	_, err = u.Upload(ctx, changed, remote.ByPath("docs"), remote.ConflictFail)
	require.NoError(t, err)

	assert.Equal(t, 2, d.Calls(memdrive.OpCreateUploadSession))
	assert.Equal(t, 0, d.Calls(memdrive.OpGetUploadSession))
}

func TestUploader_ExpiredServerSessionStartsOver(t *testing.T) {
	ctx := context.Background()
	d := newDrive(t)
	store, err := NewSessionStore(t.TempDir())
	require.NoError(t, err)

	content := newLocalContent("big.bin", payload(67), mod)
	opts := testOptions()
	opts.Store = store
	_, err = Create(ctx, d, content, remote.ByPath("docs"), remote.ConflictFail, opts)
	require.NoError(t, err)
	d.ExpireSessions()

	u := &Uploader{Service: d, Threshold: 10, ChunkSize: 26, Store: store, Retrier: fastRetrier()}
	_, err = u.Upload(ctx, content, remote.ByPath("docs"), remote.ConflictFail)
	require.NoError(t, err)

	assert.Equal(t, 1, d.Calls(memdrive.OpGetUploadSession))
	assert.Equal(t, 2, d.Calls(memdrive.OpCreateUploadSession))
}
