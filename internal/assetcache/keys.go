package assetcache

import (
	"strings"

	"github.com/babycare/shellcache/internal/manifest"
)

// versionQuery 是 Flutter 给资源追加的缓存破坏参数。
const versionQuery = "?v="

// resourceURL 将清单 key 还原为绝对 URL，入口文档 "/" 对应 origin 根路径。
func (m *Manager) resourceURL(key string) string {
	if key == manifest.EntryKey {
		return m.origin + "/"
	}
	return m.origin + "/" + key
}

// entryKey 将缓存条目的 URL 归一化为清单 key，activate 与 downloadOffline 共用。
// 不属于本 origin 的 URL 原样返回，它不会命中任何清单 key。
func (m *Manager) entryKey(rawURL string) string {
	if rawURL == m.origin {
		return manifest.EntryKey
	}
	if !strings.HasPrefix(rawURL, m.origin+"/") {
		return rawURL
	}
	key := rawURL[len(m.origin)+1:]
	if key == "" {
		return manifest.EntryKey
	}
	return key
}

// requestKey 计算被拦截请求对应的清单 key：去掉 ?v= 后缀，origin 本身、
// 同源 fragment 导航与空路径都视为入口文档。第二个返回值为 false 表示跨域请求。
func (m *Manager) requestKey(rawURL string) (string, bool) {
	if rawURL == m.origin || strings.HasPrefix(rawURL, m.origin+"/#") {
		return manifest.EntryKey, true
	}
	if !strings.HasPrefix(rawURL, m.origin+"/") {
		return "", false
	}
	key := rawURL[len(m.origin)+1:]
	if before, _, found := strings.Cut(key, versionQuery); found {
		key = before
	}
	if key == "" {
		return manifest.EntryKey, true
	}
	return key, true
}

// requestIdentity 是请求在缓存中的 key：绝对 URL，去掉 fragment，origin 补全为根路径。
func (m *Manager) requestIdentity(rawURL string) string {
	if idx := strings.IndexByte(rawURL, '#'); idx >= 0 {
		rawURL = rawURL[:idx]
	}
	if rawURL == m.origin {
		return m.origin + "/"
	}
	return rawURL
}
