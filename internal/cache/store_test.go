package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type storageFactory func(t *testing.T) Storage

func storageBackends() map[string]storageFactory {
	return map[string]storageFactory{
		"memory": func(t *testing.T) Storage {
			return NewMemoryStorage()
		},
		"disk": func(t *testing.T) Storage {
			return newTestFileStorage(t, false)
		},
		"disk-zstd": func(t *testing.T) Storage {
			return newTestFileStorage(t, true)
		},
		"sqlite": func(t *testing.T) Storage {
			store, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), true)
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func TestStoragePutAndMatch(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bucket, err := factory(t).Open(ctx, "flutter-app-cache")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}

			storedAt := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)
			resp := &Response{
				URL:      "https://app.local/main.dart.js",
				Status:   http.StatusOK,
				Header:   http.Header{"Content-Type": []string{"text/javascript"}},
				Body:     []byte(strings.Repeat("main();", 256)),
				StoredAt: storedAt,
			}
			if err := bucket.Put(ctx, resp.URL, resp); err != nil {
				t.Fatalf("put error: %v", err)
			}

			got, err := bucket.Match(ctx, resp.URL)
			if err != nil {
				t.Fatalf("match error: %v", err)
			}
			if string(got.Body) != string(resp.Body) {
				t.Fatalf("cached payload mismatch: %q", string(got.Body))
			}
			if got.Status != http.StatusOK || got.URL != resp.URL {
				t.Fatalf("unexpected response metadata: %+v", got)
			}
			if got.Header.Get("Content-Type") != "text/javascript" {
				t.Fatalf("header lost: %v", got.Header)
			}
			if !got.StoredAt.Equal(storedAt) {
				t.Fatalf("stored_at mismatch: expected %v got %v", storedAt, got.StoredAt)
			}
		})
	}
}

func TestStorageMatchMissing(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			bucket, err := factory(t).Open(context.Background(), "flutter-app-cache")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			if _, err := bucket.Match(context.Background(), "https://app.local/missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStorageDeleteEntryAndKeys(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bucket, err := factory(t).Open(ctx, "flutter-temp-cache")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			for _, key := range []string{"https://app.local/a", "https://app.local/b"} {
				if err := bucket.Put(ctx, key, &Response{URL: key, Status: 200, Body: []byte(key)}); err != nil {
					t.Fatalf("put error: %v", err)
				}
			}
			// 重复写入同一 key 不应产生重复条目。
			if err := bucket.Put(ctx, "https://app.local/a", &Response{Status: 200, Body: []byte("again")}); err != nil {
				t.Fatalf("put error: %v", err)
			}

			keys, err := bucket.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			if len(keys) != 2 {
				t.Fatalf("expected 2 keys, got %v", keys)
			}

			removed, err := bucket.Delete(ctx, "https://app.local/a")
			if err != nil || !removed {
				t.Fatalf("delete error: removed=%v err=%v", removed, err)
			}
			removed, err = bucket.Delete(ctx, "https://app.local/a")
			if err != nil || removed {
				t.Fatalf("second delete should report missing: removed=%v err=%v", removed, err)
			}
			if _, err := bucket.Match(ctx, "https://app.local/a"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found after delete, got %v", err)
			}
		})
	}
}

func TestStorageDeleteBucket(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := factory(t)
			bucket, err := storage.Open(ctx, "flutter-app-manifest")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			if err := bucket.Put(ctx, "manifest", &Response{Status: 200, Body: []byte("{}")}); err != nil {
				t.Fatalf("put error: %v", err)
			}

			if ok, err := storage.Has(ctx, "flutter-app-manifest"); err != nil || !ok {
				t.Fatalf("bucket should exist: ok=%v err=%v", ok, err)
			}
			deleted, err := storage.Delete(ctx, "flutter-app-manifest")
			if err != nil || !deleted {
				t.Fatalf("delete bucket: deleted=%v err=%v", deleted, err)
			}
			if ok, _ := storage.Has(ctx, "flutter-app-manifest"); ok {
				t.Fatalf("bucket should be gone")
			}
			deleted, err = storage.Delete(ctx, "flutter-app-manifest")
			if err != nil || deleted {
				t.Fatalf("deleting a missing bucket should report false: deleted=%v err=%v", deleted, err)
			}

			fresh, err := storage.Open(ctx, "flutter-app-manifest")
			if err != nil {
				t.Fatalf("reopen error: %v", err)
			}
			keys, err := fresh.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			if len(keys) != 0 {
				t.Fatalf("reopened bucket should be empty, got %v", keys)
			}
		})
	}
}

func TestStalePutDoesNotResurrectDeletedBucket(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := factory(t)
			stale, err := storage.Open(ctx, "flutter-app-cache")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			if _, err := storage.Delete(ctx, "flutter-app-cache"); err != nil {
				t.Fatalf("delete bucket: %v", err)
			}

			err = stale.Put(ctx, "https://app.example/main.dart.js", &Response{Status: 200, Body: []byte("late")})
			if !errors.Is(err, ErrBucketDeleted) {
				t.Fatalf("put into deleted bucket should fail with ErrBucketDeleted, got %v", err)
			}
			if ok, _ := storage.Has(ctx, "flutter-app-cache"); ok {
				t.Fatalf("stale put must not recreate the bucket")
			}
			if _, err := stale.Match(ctx, "https://app.example/main.dart.js"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("stale handle should see an empty bucket, got %v", err)
			}
			if keys, err := stale.Keys(ctx); err != nil || len(keys) != 0 {
				t.Fatalf("stale handle keys: %v err=%v", keys, err)
			}
		})
	}
}

func TestStorageRejectsInvalidBucketNames(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			storage := factory(t)
			for _, bucket := range []string{"", "../escape", "a/b", " padded"} {
				if _, err := storage.Open(context.Background(), bucket); !errors.Is(err, ErrInvalidBucket) {
					t.Fatalf("expected ErrInvalidBucket for %q, got %v", bucket, err)
				}
			}
		})
	}
}

func TestFileStorageDetectsCorruptBody(t *testing.T) {
	storage := newTestFileStorage(t, false)
	ctx := context.Background()
	bucket, err := storage.Open(ctx, "flutter-app-cache")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	key := "https://app.local/flutter.js"
	if err := bucket.Put(ctx, key, &Response{Status: 200, Body: []byte("original")}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	fb := bucket.(*fileBucket)
	_, bodyPath := fb.entryPaths(key)
	if err := os.WriteFile(bodyPath, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper error: %v", err)
	}

	if _, err := bucket.Match(ctx, key); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestOpenBackendByName(t *testing.T) {
	for _, name := range []string{BackendMemory, BackendDisk, BackendSQLite} {
		storage, err := OpenBackend(name, BackendOptions{Path: t.TempDir()})
		if err != nil {
			t.Fatalf("open backend %s: %v", name, err)
		}
		_ = storage.Close()
	}
	if _, err := OpenBackend("redis", BackendOptions{}); err == nil {
		t.Fatalf("unknown backend should fail")
	}
	if !IsBackend("SQLite") {
		t.Fatalf("backend lookup should be case-insensitive")
	}
}

func TestResponseCloneIsDeep(t *testing.T) {
	original := &Response{Status: 200, Header: http.Header{"Etag": []string{"a"}}, Body: []byte("abc")}
	cloned := original.Clone()
	cloned.Body[0] = 'x'
	cloned.Header.Set("Etag", "b")
	if string(original.Body) != "abc" || original.Header.Get("Etag") != "a" {
		t.Fatalf("clone shares state with original")
	}
	if !original.OK() || (&Response{Status: 304}).OK() {
		t.Fatalf("OK should reflect 2xx status")
	}
}

// newTestFileStorage returns a disk Storage backed by a temporary directory.
func newTestFileStorage(t *testing.T, compress bool) Storage {
	t.Helper()
	store, err := NewFileStorage(t.TempDir(), compress)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
