package blobstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// fakeGCS serves the subset of the GCS JSON API the store calls.
type fakeGCS struct {
	bucket   string
	pageSize int

	mu      sync.Mutex
	objects map[string]bool
	deletes []string
}

func newFakeGCS(bucket string, names ...string) *fakeGCS {
	f := &fakeGCS{bucket: bucket, pageSize: 2, objects: map[string]bool{}}
	for _, n := range names {
		f.objects[n] = true
	}
	return f
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest, ok := strings.CutPrefix(r.URL.Path, "/storage/v1/b/")
	if !ok {
		writeGCSError(w, http.StatusNotFound)
		return
	}
	bucket, rest, _ := strings.Cut(rest, "/")
	if bucket != f.bucket {
		writeGCSError(w, http.StatusNotFound)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case rest == "" && r.Method == http.MethodGet:
		writeGCSJSON(w, map[string]any{"kind": "storage#bucket", "name": bucket})

	case rest == "o" && r.Method == http.MethodGet:
		f.list(w, r)

	case strings.HasPrefix(rest, "o/"):
		name := strings.TrimPrefix(rest, "o/")
		if !f.objects[name] {
			writeGCSError(w, http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeGCSJSON(w, map[string]any{"kind": "storage#object", "name": name, "bucket": bucket})
		case http.MethodDelete:
			delete(f.objects, name)
			f.deletes = append(f.deletes, name)
			w.WriteHeader(http.StatusNoContent)
		default:
			writeGCSError(w, http.StatusMethodNotAllowed)
		}

	default:
		writeGCSError(w, http.StatusNotFound)
	}
}

func (f *fakeGCS) list(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	var names []string
	for n := range f.objects {
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	start, _ := strconv.Atoi(r.URL.Query().Get("pageToken"))
	end := min(start+f.pageSize, len(names))

	items := []map[string]any{}
	for _, n := range names[start:end] {
		items = append(items, map[string]any{"kind": "storage#object", "name": n, "bucket": f.bucket})
	}
	resp := map[string]any{"kind": "storage#objects", "items": items}
	if end < len(names) {
		resp["nextPageToken"] = strconv.Itoa(end)
	}
	writeGCSJSON(w, resp)
}

func writeGCSJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeGCSError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": http.StatusText(code)},
	})
}

func newTestGCSStore(t *testing.T, fake *fakeGCS, bucket, prefix string) *GCSStore {
	t.Helper()

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewGCSStore(client, bucket, prefix)
}

func TestGCSStoreVerify(t *testing.T) {
	fake := newFakeGCS("catalog-files")

	ok := newTestGCSStore(t, fake, "catalog-files", "")
	assert.NoError(t, ok.Verify(context.Background()))

	missing := newTestGCSStore(t, fake, "no-such-bucket", "")
	err := missing.Verify(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gs://no-such-bucket")
}

func TestGCSStoreList(t *testing.T) {
	fake := newFakeGCS("catalog-files",
		"catalog/a.txt",
		"catalog/dir/",
		"catalog/dir/b.txt",
		"catalog/dir/c.txt",
		"other/x.txt",
	)
	store := newTestGCSStore(t, fake, "catalog-files", "/catalog/")

	keys, err := store.List(context.Background())
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"a.txt", "dir/b.txt", "dir/c.txt"}, keys)
}

func TestGCSStoreListWithoutPrefix(t *testing.T) {
	fake := newFakeGCS("catalog-files", "a.txt", "dir/b.txt")
	store := newTestGCSStore(t, fake, "catalog-files", "")

	keys, err := store.List(context.Background())
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"a.txt", "dir/b.txt"}, keys)
}

func TestGCSStoreExists(t *testing.T) {
	fake := newFakeGCS("catalog-files", "catalog/dir/a.txt")
	store := newTestGCSStore(t, fake, "catalog-files", "catalog")

	exists, err := store.Exists(context.Background(), "dir/a.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.Exists(context.Background(), "dir/gone.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGCSStoreDeleteIsIdempotent(t *testing.T) {
	fake := newFakeGCS("catalog-files", "catalog/dir/a.txt")
	store := newTestGCSStore(t, fake, "catalog-files", "catalog")

	require.NoError(t, store.Delete(context.Background(), "dir/a.txt"))
	require.NoError(t, store.Delete(context.Background(), "dir/a.txt"))
	require.NoError(t, store.Delete(context.Background(), "never-existed.txt"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"catalog/dir/a.txt"}, fake.deletes)
	assert.Empty(t, fake.objects)
}
