package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/babycare/shellcache/internal/config"
)

// SiteRoute 将站点配置与派生属性（解析后的 Origin/Upstream URL、可接受的 Host）
// 聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type SiteRoute struct {
	// Origin 是页面访问网关使用的公开地址（scheme://host[:port]）。
	Origin      string
	OriginURL   *url.URL
	UpstreamURL *url.URL
	// ListenPort 记录当前 CLI 监听端口，方便日志/转发头输出。
	ListenPort int

	hosts map[string]struct{}
}

// NewSiteRoute 根据配置构建站点路由。调用方应在启动阶段创建一次并复用。
func NewSiteRoute(cfg *config.Config) (*SiteRoute, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	originURL, err := url.Parse(cfg.Global.Origin)
	if err != nil || originURL.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", cfg.Global.Origin)
	}
	upstreamURL, err := url.Parse(cfg.Global.Upstream)
	if err != nil || upstreamURL.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", cfg.Global.Upstream)
	}

	route := &SiteRoute{
		Origin:      originURL.Scheme + "://" + strings.ToLower(originURL.Host),
		OriginURL:   originURL,
		UpstreamURL: upstreamURL,
		ListenPort:  cfg.Global.ListenPort,
		hosts:       map[string]struct{}{},
	}
	// 公开域名之外，本机地址也视为同一站点，便于健康检查与本地调试。
	for _, host := range []string{originURL.Host, "localhost", "127.0.0.1", "::1"} {
		if normalized, _ := normalizeHost(host); normalized != "" {
			route.hosts[normalized] = struct{}{}
		}
	}
	return route, nil
}

// Matches 判断 Host 或 Host:port 是否属于本站点，端口不参与比较。
func (r *SiteRoute) Matches(host string) bool {
	if r == nil {
		return false
	}
	normalized, _ := normalizeHost(host)
	if normalized == "" {
		return false
	}
	_, ok := r.hosts[normalized]
	return ok
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[:idx], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.Trim(host, "[]")
	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
