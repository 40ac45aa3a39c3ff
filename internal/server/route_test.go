package server

import (
	"testing"

	"github.com/babycare/shellcache/internal/config"
)

func TestSiteRouteParsesConfig(t *testing.T) {
	route := testRoute(t, 5000)

	if route.Origin != "https://app.example.com" {
		t.Fatalf("unexpected origin: %s", route.Origin)
	}
	if route.UpstreamURL.String() != "https://cdn.example.com/web" {
		t.Errorf("unexpected upstream URL: %s", route.UpstreamURL)
	}
	if route.ListenPort != 5000 {
		t.Fatalf("route listen port mismatch: %d", route.ListenPort)
	}
}

func TestSiteRouteMatchesHostHeader(t *testing.T) {
	route := testRoute(t, 5000)

	cases := map[string]bool{
		"app.example.com":      true,
		"APP.example.com.":     true,
		"app.example.com:8443": true,
		"localhost:5000":       true,
		"127.0.0.1":            true,
		"[::1]:5000":           true,
		"cdn.example.com":      false,
		"":                     false,
	}
	for host, want := range cases {
		if got := route.Matches(host); got != want {
			t.Errorf("Matches(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestSiteRouteRejectsInvalidConfig(t *testing.T) {
	if _, err := NewSiteRoute(nil); err == nil {
		t.Fatalf("nil config should fail")
	}
	cfg := &config.Config{Global: config.GlobalConfig{Origin: "https://app.example.com", Upstream: "cdn"}}
	if _, err := NewSiteRoute(cfg); err == nil {
		t.Fatalf("upstream without host should fail")
	}
}
