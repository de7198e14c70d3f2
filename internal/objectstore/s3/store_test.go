package s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hmssql/georouter/internal/objectstore"
)

// fakeS3 serves path-style GET and HEAD requests for a fixed set of objects.
func fakeS3(t *testing.T, bucket string, objects map[string][]byte) *httptest.Server {
	t.Helper()
	lastModified := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC).Format(http.TimeFormat)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/forbidden/db" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		prefix := "/" + bucket + "/"
		if len(r.URL.Path) <= len(prefix) || r.URL.Path[:len(prefix)] != prefix {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchBucket</Code><Message>The specified bucket does not exist</Message></Error>`)
			}
			return
		}
		data, ok := objects[r.URL.Path[len(prefix):]]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			}
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Last-Modified", lastModified)
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestStore(t *testing.T, endpoint, bucket string) *Store {
	t.Helper()
	store, err := New(context.Background(), Config{
		Bucket:          bucket,
		Region:          "us-east-1",
		Endpoint:        endpoint,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("New without a bucket succeeded")
	}
}

func TestGetAndHead(t *testing.T) {
	srv := fakeS3(t, "geo", map[string][]byte{"GeoLite2-City.mmdb": []byte("mmdb-bytes")})
	store := newTestStore(t, srv.URL, "geo")
	ctx := context.Background()

	if got := store.Bucket(); got != "geo" {
		t.Errorf("Bucket() = %q, want geo", got)
	}

	rc, err := store.Get(ctx, "GeoLite2-City.mmdb")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("Close body: %v", err)
	}
	if string(data) != "mmdb-bytes" {
		t.Errorf("Get body = %q, want mmdb-bytes", data)
	}

	meta, err := store.Head(ctx, "GeoLite2-City.mmdb")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if meta.Size != int64(len("mmdb-bytes")) {
		t.Errorf("Size = %d, want %d", meta.Size, len("mmdb-bytes"))
	}
	if meta.ETag != `"abc123"` {
		t.Errorf("ETag = %s, want \"abc123\"", meta.ETag)
	}
	if want := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(); meta.LastModified != want {
		t.Errorf("LastModified = %d, want %d", meta.LastModified, want)
	}
}

func TestNotFoundMapping(t *testing.T) {
	srv := fakeS3(t, "geo", nil)
	store := newTestStore(t, srv.URL, "geo")
	ctx := context.Background()

	_, err := store.Get(ctx, "missing.mmdb")
	if !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("Get: %v, want ErrNotFound", err)
	}

	var objErr *objectstore.ObjectError
	if !errors.As(err, &objErr) {
		t.Fatalf("Get error %T is not an *ObjectError", err)
	}
	if objErr.Op != "Get" || objErr.Key != "missing.mmdb" {
		t.Errorf("ObjectError op/key = %s/%s, want Get/missing.mmdb", objErr.Op, objErr.Key)
	}

	if _, err = store.Head(ctx, "missing.mmdb"); !errors.Is(err, objectstore.ErrNotFound) {
		t.Errorf("Head: %v, want ErrNotFound", err)
	}
}

func TestAccessDeniedMapping(t *testing.T) {
	srv := fakeS3(t, "geo", nil)
	store := newTestStore(t, srv.URL, "forbidden")

	if _, err := store.Head(context.Background(), "db"); !errors.Is(err, objectstore.ErrAccessDenied) {
		t.Errorf("Head: %v, want ErrAccessDenied", err)
	}
}

func TestClosedStore(t *testing.T) {
	srv := fakeS3(t, "geo", map[string][]byte{"db": []byte("x")})
	store := newTestStore(t, srv.URL, "geo")
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := store.Get(context.Background(), "db"); !errors.Is(err, objectstore.ErrClosed) {
		t.Errorf("Get after Close: %v, want ErrClosed", err)
	}
	if _, err := store.Head(context.Background(), "db"); !errors.Is(err, objectstore.ErrClosed) {
		t.Errorf("Head after Close: %v, want ErrClosed", err)
	}
}
