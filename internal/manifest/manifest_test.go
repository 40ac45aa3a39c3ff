package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServiceWorkerExtractsResourcesAndCore(t *testing.T) {
	m, err := LoadFile(filepath.Join("testdata", ServiceWorkerFile))
	require.NoError(t, err)

	assert.Len(t, m.Resources, 45)
	assert.Equal(t, []string{
		"main.dart.js",
		"index.html",
		"flutter_bootstrap.js",
		"assets/AssetManifest.bin.json",
		"assets/FontManifest.json",
	}, m.Core)

	fingerprint, ok := m.Fingerprint(EntryKey)
	require.True(t, ok)
	assert.Equal(t, "74f5d6390614e9fbb283956bdff8d13d", fingerprint)
}

func TestLoadJSONManifest(t *testing.T) {
	m, err := LoadFile(filepath.Join("testdata", "manifest.json"))
	require.NoError(t, err)
	assert.Len(t, m.Core, 5)
	assert.Contains(t, m.Keys(), "assets/assets/icons/bottle.png")
}

func TestValidateRejectsBadManifests(t *testing.T) {
	cases := map[string]struct {
		resources map[string]string
		core      []string
	}{
		"empty":           {resources: map[string]string{}},
		"absolute path":   {resources: map[string]string{"/main.dart.js": "a"}},
		"url key":         {resources: map[string]string{"https://x/main.dart.js": "a"}},
		"no fingerprint":  {resources: map[string]string{"main.dart.js": ""}},
		"core not listed": {resources: map[string]string{"main.dart.js": "a"}, core: []string{"index.html"}},
		"duplicated core": {resources: map[string]string{"main.dart.js": "a"}, core: []string{"main.dart.js", "main.dart.js"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(tc.resources, tc.core)
			assert.ErrorIs(t, err, ErrInvalidManifest)
		})
	}
}

func TestVersionIsStableAndContentDerived(t *testing.T) {
	a, err := New(map[string]string{"main.dart.js": "aaa", "/": "1"}, []string{"main.dart.js"})
	require.NoError(t, err)
	b, err := New(map[string]string{"/": "1", "main.dart.js": "aaa"}, []string{"main.dart.js"})
	require.NoError(t, err)
	c, err := New(map[string]string{"/": "1", "main.dart.js": "bbb"}, []string{"main.dart.js"})
	require.NoError(t, err)

	assert.Equal(t, a.Version(), b.Version())
	assert.True(t, a.Equal(b))
	assert.NotEqual(t, a.Version(), c.Version())
	assert.False(t, a.Equal(c))
}

func TestResourcesRoundTrip(t *testing.T) {
	m, err := New(map[string]string{"main.dart.js": "aaa", "/": "1"}, nil)
	require.NoError(t, err)

	payload, err := m.MarshalResources()
	require.NoError(t, err)
	decoded, err := UnmarshalResources(payload)
	require.NoError(t, err)
	assert.Equal(t, m.Resources, decoded)

	_, err = UnmarshalResources([]byte("null"))
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestDiffResources(t *testing.T) {
	diff := DiffResources(
		map[string]string{"main.dart.js": "aaa", "old.js": "1", "index.html": "x"},
		map[string]string{"main.dart.js": "bbb", "new.js": "2", "index.html": "x"},
	)
	assert.Equal(t, []string{"new.js"}, diff.Added)
	assert.Equal(t, []string{"main.dart.js"}, diff.Changed)
	assert.Equal(t, []string{"old.js"}, diff.Removed)
	assert.Equal(t, 1, diff.Unchanged)
}

func TestUpstreamSourceFetchesWorkerScript(t *testing.T) {
	script, err := os.ReadFile(filepath.Join("testdata", ServiceWorkerFile))
	require.NoError(t, err)

	var cacheControl string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+ServiceWorkerFile {
			http.NotFound(w, r)
			return
		}
		cacheControl = r.Header.Get("Cache-Control")
		_, _ = w.Write(script)
	}))
	defer upstream.Close()

	source := NewUpstreamSource(upstream.Client(), upstream.URL+"/")
	m, err := source.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, m.Core, 5)
	assert.Equal(t, "no-cache", cacheControl)
	assert.Contains(t, source.Describe(), ServiceWorkerFile)
}

func TestUpstreamSourceReportsBadStatus(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	_, err := NewUpstreamSource(upstream.Client(), upstream.URL).Load(context.Background())
	assert.Error(t, err)
}
