package assetcache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/babycare/shellcache/internal/cache"
	"github.com/babycare/shellcache/internal/manifest"
)

const testOrigin = "https://app.example"

var errOffline = errors.New("network unreachable")

// fakeNetwork 按路径返回预置正文，记录每个 URL 的请求次数。
type fakeNetwork struct {
	mu       sync.Mutex
	bodies   map[string]string
	statuses map[string]int
	calls    map[string]int
	reloads  map[string]bool
	offline  atomic.Bool
	gate     chan struct{}
	total    atomic.Int32
}

func newFakeNetwork(bodies map[string]string) *fakeNetwork {
	return &fakeNetwork{
		bodies:   bodies,
		statuses: map[string]int{},
		calls:    map[string]int{},
		reloads:  map[string]bool{},
	}
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	n.total.Add(1)
	if n.gate != nil {
		<-n.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.offline.Load() {
		return nil, errOffline
	}
	path := strings.TrimPrefix(req.URL, testOrigin)
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[path]++
	if req.Reload {
		n.reloads[path] = true
	}
	body, ok := n.bodies[path]
	status := http.StatusOK
	if custom, set := n.statuses[path]; set {
		status = custom
	} else if !ok {
		status = http.StatusNotFound
	}
	return &cache.Response{
		URL:    req.URL,
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}, nil
}

func (n *fakeNetwork) set(path, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies[path] = body
}

func (n *fakeNetwork) callCount(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

type recordingHost struct {
	skipWaiting atomic.Int32
	claims      atomic.Int32
}

func (h *recordingHost) SkipWaiting() { h.skipWaiting.Add(1) }
func (h *recordingHost) Claim()       { h.claims.Add(1) }

// faultyStorage 在指定桶的 Put 上注入错误或 panic。
type faultyStorage struct {
	cache.Storage
	failBucket string
	failAfter  int
	panics     bool
	puts       atomic.Int32
}

func (s *faultyStorage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	bucket, err := s.Storage.Open(ctx, name)
	if err != nil || name != s.failBucket {
		return bucket, err
	}
	return &faultyBucket{Bucket: bucket, owner: s}, nil
}

type faultyBucket struct {
	cache.Bucket
	owner *faultyStorage
}

func (b *faultyBucket) Put(ctx context.Context, key string, resp *cache.Response) error {
	if int(b.owner.puts.Add(1)) > b.owner.failAfter {
		if b.owner.panics {
			panic("disk exploded")
		}
		return errors.New("disk full")
	}
	return b.Bucket.Put(ctx, key, resp)
}

func testManifest(t *testing.T, resources map[string]string) manifest.Manifest {
	t.Helper()
	m, err := manifest.New(resources, []string{"/", "main.dart.js", "index.html", "assets/AssetManifest.json"})
	require.NoError(t, err)
	return m
}

func baseResources() map[string]string {
	return map[string]string{
		"/":                         "root-1",
		"index.html":                "root-1",
		"main.dart.js":              "aaa",
		"assets/AssetManifest.json": "am-1",
		"assets/fonts/Roboto.ttf":   "font-1",
		"icons/Icon-192.png":        "icon-1",
	}
}

func baseNetwork() *fakeNetwork {
	return newFakeNetwork(map[string]string{
		"/":                          "<html>v1</html>",
		"/index.html":                "<html>v1</html>",
		"/main.dart.js":              "main v1",
		"/assets/AssetManifest.json": "{}",
		"/assets/fonts/Roboto.ttf":   "font v1",
		"/icons/Icon-192.png":        "icon v1",
	})
}

func newTestManager(t *testing.T, storage cache.Storage, network Fetcher, host Host, m manifest.Manifest) *Manager {
	t.Helper()
	mgr, err := New(Options{
		Storage:  storage,
		Fetcher:  network,
		Host:     host,
		Manifest: m,
		Origin:   testOrigin,
	})
	require.NoError(t, err)
	return mgr
}

func bucketKeys(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	bucket, err := storage.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := bucket.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

func cachedBody(t *testing.T, storage cache.Storage, name, key string) string {
	t.Helper()
	bucket, err := storage.Open(context.Background(), name)
	require.NoError(t, err)
	resp, err := bucket.Match(context.Background(), key)
	require.NoError(t, err)
	return string(resp.Body)
}

func putEntry(t *testing.T, storage cache.Storage, name, key, body string) {
	t.Helper()
	bucket, err := storage.Open(context.Background(), name)
	require.NoError(t, err)
	require.NoError(t, bucket.Put(context.Background(), key, &cache.Response{
		URL:    key,
		Status: http.StatusOK,
		Body:   []byte(body),
	}))
}

func bucketExists(t *testing.T, storage cache.Storage, name string) bool {
	t.Helper()
	ok, err := storage.Has(context.Background(), name)
	require.NoError(t, err)
	return ok
}

// installAndActivate 运行一次完整的 install → activate 周期。
func installAndActivate(t *testing.T, mgr *Manager) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mgr.Install(ctx))
	require.NoError(t, mgr.Activate(ctx))
}
