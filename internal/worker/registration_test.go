package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babycare/shellcache/internal/assetcache"
	"github.com/babycare/shellcache/internal/cache"
	"github.com/babycare/shellcache/internal/manifest"
)

const origin = "https://app.example"

type site struct {
	mu     sync.Mutex
	bodies map[string]string
	down   map[string]bool
}

func newSite() *site {
	return &site{
		bodies: map[string]string{
			"/":             "<html>v1</html>",
			"/main.dart.js": "main v1",
			"/flutter.js":   "loader",
			"/logo.png":     "png",
		},
		down: map[string]bool{},
	}
}

func (s *site) Fetch(_ context.Context, req *assetcache.Request) (*cache.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := strings.TrimPrefix(req.URL, origin)
	if s.down[path] {
		return nil, errors.New("connection refused")
	}
	body, ok := s.bodies[path]
	if !ok {
		return &cache.Response{URL: req.URL, Status: http.StatusNotFound}, nil
	}
	return &cache.Response{URL: req.URL, Status: http.StatusOK, Body: []byte(body)}, nil
}

func (s *site) set(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[path] = body
}

func (s *site) fail(path string, down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[path] = down
}

func manifestV(t *testing.T, mainHash string) manifest.Manifest {
	t.Helper()
	m, err := manifest.New(map[string]string{
		"/":            "root",
		"main.dart.js": mainHash,
		"flutter.js":   "loader",
		"logo.png":     "logo",
	}, []string{"/", "main.dart.js", "flutter.js"})
	require.NoError(t, err)
	return m
}

func newRegistration(t *testing.T, storage cache.Storage, fetcher assetcache.Fetcher) *Registration {
	t.Helper()
	reg, err := NewRegistration(Options{Storage: storage, Fetcher: fetcher, Origin: origin})
	require.NoError(t, err)
	return reg
}

// failingPuts 让内容桶的写入在开关打开时失败。
type failingPuts struct {
	cache.Storage
	broken atomic.Bool
}

func (s *failingPuts) Open(ctx context.Context, name string) (cache.Bucket, error) {
	bucket, err := s.Storage.Open(ctx, name)
	if err != nil || name != assetcache.DefaultContentCache {
		return bucket, err
	}
	return &failingBucket{Bucket: bucket, owner: s}, nil
}

type failingBucket struct {
	cache.Bucket
	owner *failingPuts
}

func (b *failingBucket) Put(ctx context.Context, key string, resp *cache.Response) error {
	if b.owner.broken.Load() {
		return errors.New("disk full")
	}
	return b.Bucket.Put(ctx, key, resp)
}

func TestFetchWithoutControllerIsNotHandled(t *testing.T) {
	reg := newRegistration(t, cache.NewMemoryStorage(), newSite())

	result, err := reg.Fetch(context.Background(), &assetcache.Request{URL: origin + "/main.dart.js"})
	require.NoError(t, err)
	assert.False(t, result.Handled)
	assert.False(t, reg.Status().Controlling)
}

func TestFirstUpdateInstallsActivatesAndClaims(t *testing.T) {
	reg := newRegistration(t, cache.NewMemoryStorage(), newSite())
	m := manifestV(t, "aaa")

	updated, err := reg.Update(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, updated)

	status := reg.Status()
	assert.Equal(t, StateActivated, status.State)
	assert.Equal(t, m.Version(), status.ActiveVersion)
	assert.Empty(t, status.WaitingVersion)
	assert.True(t, status.Controlling)
	assert.Equal(t, 1, status.Updates)
	assert.Empty(t, status.LastError)

	result, err := reg.Fetch(context.Background(), &assetcache.Request{URL: origin + "/main.dart.js"})
	require.NoError(t, err)
	assert.True(t, result.Handled)
	assert.Equal(t, assetcache.SourceCache, result.Source)
}

func TestUpdateWithSameManifestIsNoop(t *testing.T) {
	reg := newRegistration(t, cache.NewMemoryStorage(), newSite())

	_, err := reg.Update(context.Background(), manifestV(t, "aaa"))
	require.NoError(t, err)
	updated, err := reg.Update(context.Background(), manifestV(t, "aaa"))
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, 1, reg.Status().Updates)
}

func TestUpgradeMakesPreviousWorkerRedundant(t *testing.T) {
	storage := cache.NewMemoryStorage()
	s := newSite()
	reg := newRegistration(t, storage, s)

	_, err := reg.Update(context.Background(), manifestV(t, "aaa"))
	require.NoError(t, err)
	first := reg.Active()

	s.set("/main.dart.js", "main v2")
	updated, err := reg.Update(context.Background(), manifestV(t, "bbb"))
	require.NoError(t, err)
	assert.True(t, updated)

	assert.Equal(t, StateRedundant, first.State())
	assert.Equal(t, StateActivated, reg.Active().State())
	assert.Same(t, reg.Active(), reg.Controller())

	result, err := reg.Fetch(context.Background(), &assetcache.Request{URL: origin + "/main.dart.js"})
	require.NoError(t, err)
	assert.Equal(t, "main v2", string(result.Response.Body))
}

func TestInstallFailureKeepsActiveWorker(t *testing.T) {
	s := newSite()
	reg := newRegistration(t, cache.NewMemoryStorage(), s)

	v1 := manifestV(t, "aaa")
	_, err := reg.Update(context.Background(), v1)
	require.NoError(t, err)

	s.fail("/main.dart.js", true)
	_, err = reg.Update(context.Background(), manifestV(t, "bbb"))
	require.ErrorIs(t, err, assetcache.ErrInstallFailed)

	status := reg.Status()
	assert.Equal(t, v1.Version(), status.ActiveVersion)
	assert.NotEmpty(t, status.LastError)
	assert.Empty(t, status.Installing)

	s.fail("/main.dart.js", false)
	updated, err := reg.Update(context.Background(), manifestV(t, "bbb"))
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Empty(t, reg.Status().LastError)
}

func TestActivateFailureWipesAndRecoversOnNextUpdate(t *testing.T) {
	memory := cache.NewMemoryStorage()
	storage := &failingPuts{Storage: memory}
	reg := newRegistration(t, storage, newSite())
	m := manifestV(t, "aaa")

	storage.broken.Store(true)
	_, err := reg.Update(context.Background(), m)
	require.ErrorIs(t, err, assetcache.ErrActivateFailed)
	assert.Nil(t, reg.Controller())
	assert.Nil(t, reg.Active())

	names, err := memory.Names(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)

	storage.broken.Store(false)
	updated, err := reg.Update(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.NotNil(t, reg.Controller())
}

func TestPostMessage(t *testing.T) {
	s := newSite()
	reg := newRegistration(t, cache.NewMemoryStorage(), s)

	require.ErrorIs(t, reg.PostMessage(context.Background(), assetcache.MessageDownloadOffline), ErrNoActiveWorker)

	_, err := reg.Update(context.Background(), manifestV(t, "aaa"))
	require.NoError(t, err)

	require.NoError(t, reg.PostMessage(context.Background(), assetcache.MessageSkipWaiting))
	require.NoError(t, reg.PostMessage(context.Background(), " downloadOffline\n"))
	require.ErrorIs(t, reg.PostMessage(context.Background(), "reload"), assetcache.ErrUnknownMessage)

	snap, err := reg.Active().Manager().Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Missing)
}

type sequenceSource struct {
	mu        sync.Mutex
	manifests []manifest.Manifest
	calls     int
	err       error
}

func (s *sequenceSource) Load(context.Context) (manifest.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return manifest.Manifest{}, s.err
	}
	idx := s.calls
	if idx >= len(s.manifests) {
		idx = len(s.manifests) - 1
	}
	s.calls++
	return s.manifests[idx], nil
}

func (s *sequenceSource) Describe() string { return "sequence" }

func TestCheckRecordsSourceErrors(t *testing.T) {
	reg := newRegistration(t, cache.NewMemoryStorage(), newSite())
	source := &sequenceSource{err: errors.New("upstream down")}

	_, err := reg.Check(context.Background(), source)
	require.Error(t, err)
	status := reg.Status()
	assert.Contains(t, status.LastError, "upstream down")
	assert.False(t, status.LastCheck.IsZero())
}

func TestRunPicksUpNewVersions(t *testing.T) {
	s := newSite()
	reg := newRegistration(t, cache.NewMemoryStorage(), s)
	v2 := manifestV(t, "bbb")
	source := &sequenceSource{manifests: []manifest.Manifest{manifestV(t, "aaa"), v2}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx, source, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return reg.Status().ActiveVersion == v2.Version()
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	assert.Equal(t, 2, reg.Status().Updates)
}

func TestConcurrentUpdatesInstallOnce(t *testing.T) {
	reg := newRegistration(t, cache.NewMemoryStorage(), newSite())
	m := manifestV(t, "aaa")

	var wg sync.WaitGroup
	var applied atomic.Int32
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			updated, err := reg.Update(context.Background(), m)
			assert.NoError(t, err)
			if updated {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())
}

func TestNewRegistrationValidatesOptions(t *testing.T) {
	_, err := NewRegistration(Options{Fetcher: newSite(), Origin: origin})
	assert.Error(t, err)
	_, err = NewRegistration(Options{Storage: cache.NewMemoryStorage(), Origin: origin})
	assert.Error(t, err)
	_, err = NewRegistration(Options{Storage: cache.NewMemoryStorage(), Fetcher: newSite(), Origin: "app"})
	assert.Error(t, err)
}
