package graph

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openmined/drivesync/internal/ranges"
	"github.com/openmined/drivesync/internal/remote"
	"github.com/openmined/drivesync/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "secret-token"

type fakeGraph struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	requests []string
	authSeen map[string]string
	uploaded []byte
	ranges   []string
	patches  []string
}

func newFakeGraph(t *testing.T, handle func(f *fakeGraph, w http.ResponseWriter, r *http.Request)) (*fakeGraph, *Client) {
	f := &fakeGraph{t: t, authSeen: map[string]string{}}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.authSeen[r.URL.Path] = r.Header.Get("Authorization")
		f.mu.Unlock()
		assert.Equal(t, utils.HWID, r.Header.Get(HeaderDeviceID))
		handle(f, w, r)
	}))
	t.Cleanup(f.srv.Close)

	c, err := New(&Config{Endpoint: f.srv.URL + "/v1.0/", DriveID: "d1", Token: testToken})
	require.NoError(t, err)
	return f, c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{}
	assert.ErrorIs(t, cfg.Validate(), ErrNoToken)

	cfg = &Config{Token: "t"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultEndpoint, cfg.Endpoint)

	cfg = &Config{Token: "t", Endpoint: "not a url"}
	assert.Error(t, cfg.Validate())
}

func TestItemAndChildPaths(t *testing.T) {
	assert.Equal(t, "/root", itemPath(remote.Root()))
	assert.Equal(t, "/root:/docs/a%20b.txt:", itemPath(remote.ByPath("docs/a b.txt")))
	assert.Equal(t, "/items/ABC%21", itemPath(remote.ByID("ABC!")))
	assert.Equal(t, "/special/approot", itemPath(remote.Special("approot")))

	assert.Equal(t, "/root:/x.txt:", childPath(remote.Root(), "x.txt"))
	assert.Equal(t, "/root:/docs/x.txt:", childPath(remote.ByPath("/docs/"), "x.txt"))
	assert.Equal(t, "/items/p1:/x%23.txt:", childPath(remote.ByID("p1"), "x#.txt"))
	assert.Equal(t, "/special/approot:/x.txt:", childPath(remote.Special("approot"), "x.txt"))
}

func TestClient_GetItem(t *testing.T) {
	f, c := newFakeGraph(t, func(f *fakeGraph, w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/drives/d1/root:/docs/a b.txt:", r.URL.Path)
		writeJSON(w, http.StatusOK, `{
			"id": "F1", "name": "a b.txt", "size": 5, "eTag": "e1",
			"lastModifiedDateTime": "2026-03-01T10:00:00Z",
			"parentReference": {"id": "P1"},
			"file": {"hashes": {"sha1Hash": "AAF4C61DDCC5E8A2DABEDE0F3B482CD9AEA9434D"}}
		}`)
	})

	item, err := c.GetItem(context.Background(), remote.ByPath("docs/a b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "F1", item.ID)
	assert.Equal(t, "P1", item.ParentID)
	assert.False(t, item.Folder)
	assert.Equal(t, int64(5), item.Size)
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", item.Hash)
	assert.True(t, item.LastModified.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, "Bearer "+testToken, f.authSeen["/v1.0/drives/d1/root:/docs/a b.txt:"])
}

func TestClient_ListChildrenFollowsNextLink(t *testing.T) {
	_, c := newFakeGraph(t, func(f *fakeGraph, w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1.0/drives/d1/items/P1/children":
			assert.Equal(t, "2", r.URL.Query().Get("$top"))
			writeJSON(w, http.StatusOK, fmt.Sprintf(`{
				"value": [{"id": "A", "name": "a", "folder": {"childCount": 1}}, {"id": "B", "name": "b.txt", "size": 3}],
				"@odata.nextLink": "%s/v1.0/drives/d1/items/P1/children/page2"
			}`, f.srv.URL))
		case "/v1.0/drives/d1/items/P1/children/page2":
			assert.Empty(t, r.URL.Query().Get("$top"))
			writeJSON(w, http.StatusOK, `{"value": [{"id": "C", "name": "c.txt", "size": 1}]}`)
		default:
			t.Errorf("unexpected %s", r.URL.Path)
		}
	})

	items, err := c.ListChildren(context.Background(), remote.ByID("P1"), remote.ListOptions{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.True(t, items[0].Folder)
	assert.Equal(t, "b.txt", items[1].Name)
	assert.Equal(t, "C", items[2].ID)
}

func TestClient_ErrorMapping(t *testing.T) {
	_, c := newFakeGraph(t, func(f *fakeGraph, w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1.0/drives/d1/items/missing":
			writeJSON(w, http.StatusNotFound, `{"error": {"code": "itemNotFound", "message": "gone"}}`)
		case "/v1.0/drives/d1/items/busy":
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/v1.0/drives/d1/items/taken":
			writeJSON(w, http.StatusConflict, `{"error": {"code": "nameAlreadyExists", "message": "exists"}}`)
		}
	})
	ctx := context.Background()

	_, err := c.GetItem(ctx, remote.ByID("missing"))
	require.Error(t, err)
	assert.True(t, remote.IsNotFound(err))
	var re *remote.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "itemNotFound", re.Code)
	assert.Equal(t, "gone", re.Message)
	assert.Equal(t, OpGetItem, re.Op)

	err = c.DeleteItem(ctx, remote.ByID("busy"))
	require.ErrorAs(t, err, &re)
	assert.Equal(t, remote.KindRateLimited, re.Kind)
	assert.Equal(t, 7*time.Second, re.RetryAfter)
	assert.True(t, remote.IsTransient(err))

	_, err = c.RenameItem(ctx, remote.ByID("taken"), "x")
	assert.True(t, remote.IsConflict(err))
}

func TestClient_TransportErrorIsTransient(t *testing.T) {
	f, c := newFakeGraph(t, func(f *fakeGraph, w http.ResponseWriter, r *http.Request) {})
	f.srv.Close()

	_, err := c.GetItem(context.Background(), remote.Root())
	require.Error(t, err)
	assert.True(t, remote.IsTransient(err))
}

func TestClient_CreateFolderRenameMove(t *testing.T) {
	f, c := newFakeGraph(t, func(f *fakeGraph, w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.Method + " " + r.URL.Path {
		case "POST /v1.0/drives/d1/items/P1/children":
			assert.JSONEq(t, `{"name": "new", "folder": {"childCount": 0}, "@microsoft.graph.conflictBehavior": "fail"}`, string(body))
			writeJSON(w, http.StatusCreated, `{"id": "N1", "name": "new", "folder": {}}`)
		case "GET /v1.0/drives/d1/root:/dest:":
			writeJSON(w, http.StatusOK, `{"id": "D1", "name": "dest", "folder": {}}`)
		case "PATCH /v1.0/drives/d1/items/F1":
			f.mu.Lock()
			f.patches = append(f.patches, string(body))
			f.mu.Unlock()
			writeJSON(w, http.StatusOK, `{"id": "F1", "name": "renamed.txt", "parentReference": {"id": "D1"}}`)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})
	ctx := context.Background()

	folder, err := c.CreateFolder(ctx, "new", remote.ByID("P1"), remote.ConflictFail)
	require.NoError(t, err)
	assert.True(t, folder.Folder)

	_, err = c.RenameItem(ctx, remote.ByID("F1"), "renamed.txt")
	require.NoError(t, err)
	moved, err := c.MoveItem(ctx, remote.ByID("F1"), remote.ByPath("/dest"))
	require.NoError(t, err)
	assert.Equal(t, "D1", moved.ParentID)

	require.Len(t, f.patches, 2)
	assert.JSONEq(t, `{"name": "renamed.txt"}`, f.patches[0])
	assert.JSONEq(t, `{"parentReference": {"id": "D1"}}`, f.patches[1])
}

func TestClient_UploadSimple(t *testing.T) {
	_, c := newFakeGraph(t, func(f *fakeGraph, w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1.0/drives/d1/items/P1:/notes.txt:/content", r.URL.Path)
		assert.Equal(t, "replace", r.URL.Query().Get(conflictKey))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "hello", string(body))
		writeJSON(w, http.StatusCreated, `{"id": "F9", "name": "notes.txt", "size": 5}`)
	})

	item, err := c.UploadSimple(context.Background(),
		remote.BytesContent("notes.txt", []byte("hello"), time.Now()),
		remote.ByID("P1"), remote.ConflictReplace)
	require.NoError(t, err)
	assert.Equal(t, "F9", item.ID)
}

func TestClient_UploadSession(t *testing.T) {
	data := []byte("0123456789abcdefghij") // 20 bytes
	f, c := newFakeGraph(t, func(f *fakeGraph, w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "POST /v1.0/drives/d1/root:/docs/big.bin:/createUploadSession":
			body, _ := io.ReadAll(r.Body)
			assert.Contains(t, string(body), `"@microsoft.graph.conflictBehavior":"rename"`)
			writeJSON(w, http.StatusOK, fmt.Sprintf(`{
				"uploadUrl": "%s/upload/s1",
				"expirationDateTime": "2030-01-01T00:00:00Z",
				"nextExpectedRanges": ["0-"]
			}`, f.srv.URL))
		case "GET /upload/s1":
			f.mu.Lock()
			next := len(f.uploaded)
			f.mu.Unlock()
			writeJSON(w, http.StatusOK, fmt.Sprintf(`{"expirationDateTime": "2030-01-01T00:00:00Z", "nextExpectedRanges": ["%d-"]}`, next))
		case "PUT /upload/s1":
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.ranges = append(f.ranges, r.Header.Get("Content-Range"))
			f.uploaded = append(f.uploaded, body...)
			done := len(f.uploaded) == 20
			next := len(f.uploaded)
			f.mu.Unlock()
			if done {
				writeJSON(w, http.StatusCreated, `{"id": "BIG", "name": "big.bin", "size": 20}`)
				return
			}
			writeJSON(w, http.StatusAccepted, fmt.Sprintf(`{"nextExpectedRanges": ["%d-19"]}`, next))
		case "DELETE /upload/s1":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})
	ctx := context.Background()

	desc := remote.ContentDescriptor{Name: "big.bin", Size: 20, ModTime: time.Now()}
	us, err := c.CreateUploadSession(ctx, desc, remote.ByPath("docs"), remote.ConflictRename)
	require.NoError(t, err)
	require.NotNil(t, us.NextExpected)
	assert.Equal(t, ranges.Range{Lower: 0, Upper: 19, Total: 20}, *us.NextExpected)
	assert.Equal(t, 2030, us.Expiry.Year())

	plan, err := ranges.Plan(8, 20)
	require.NoError(t, err)

	res, err := c.UploadFragment(ctx, us, plan[0], bytes.NewReader(data[0:8]))
	require.NoError(t, err)
	assert.False(t, res.Completed())
	assert.Equal(t, ranges.Range{Lower: 8, Upper: 19, Total: 20}, *res.NextExpected)

	state, err := c.GetUploadSession(ctx, us)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), state.NextExpected.Lower)

	_, err = c.UploadFragment(ctx, us, plan[1], bytes.NewReader(data[8:16]))
	require.NoError(t, err)
	res, err = c.UploadFragment(ctx, us, plan[2], bytes.NewReader(data[16:]))
	require.NoError(t, err)
	require.True(t, res.Completed())
	assert.Equal(t, "BIG", res.Item.ID)

	assert.Equal(t, data, f.uploaded)
	assert.Equal(t, []string{"bytes 0-7/20", "bytes 8-15/20", "bytes 16-19/20"}, f.ranges)
	assert.Empty(t, f.authSeen["/upload/s1"], "session urls carry no token")

	require.NoError(t, c.CancelUploadSession(ctx, us))
}

func TestClient_UploadFragmentShortBody(t *testing.T) {
	_, c := newFakeGraph(t, func(f *fakeGraph, w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected, got %s", r.URL.Path)
	})
	us := &remote.UploadSession{UploadURL: "http://unused", Meta: map[string]string{metaSize: "20"}}
	_, err := c.UploadFragment(context.Background(), us, ranges.Range{Lower: 0, Upper: 9, Total: 20}, strings.NewReader("abc"))
	assert.True(t, remote.IsKind(err, remote.KindBadRequest))
}

func TestClient_RangeNotSatisfiable(t *testing.T) {
	f, c := newFakeGraph(t, func(f *fakeGraph, w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusRequestedRangeNotSatisfiable, `{"error": {"code": "invalidRange", "message": "expected 8"}}`)
	})
	us := &remote.UploadSession{UploadURL: f.srv.URL + "/upload/s1", Meta: map[string]string{metaSize: "20"}}

	_, err := c.UploadFragment(context.Background(), us, ranges.Range{Lower: 0, Upper: 7, Total: 20}, strings.NewReader("01234567"))
	require.Error(t, err)
	assert.True(t, remote.IsRangeNotSatisfiable(err))
	assert.False(t, remote.IsTransient(err))
}

func TestClient_Download(t *testing.T) {
	_, c := newFakeGraph(t, func(f *fakeGraph, w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1.0/drives/d1/items/F1/content":
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, "file body")
		case "/v1.0/drives/d1/items/F2/content":
			writeJSON(w, http.StatusForbidden, `{"error": {"code": "accessDenied", "message": "no"}}`)
		}
	})
	ctx := context.Background()

	var buf bytes.Buffer
	n, err := c.Download(ctx, remote.ByID("F1"), &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
	assert.Equal(t, "file body", buf.String())

	buf.Reset()
	_, err = c.Download(ctx, remote.ByID("F2"), &buf)
	assert.True(t, remote.IsKind(err, remote.KindForbidden))
	assert.Zero(t, buf.Len(), "error bodies must not reach the writer")
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-1", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage", now))
}
