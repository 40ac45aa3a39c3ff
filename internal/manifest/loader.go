package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ServiceWorkerFile 是 Flutter web 构建产物中内嵌清单的 worker 脚本名。
const ServiceWorkerFile = "flutter_service_worker.js"

var (
	resourcesPattern = regexp.MustCompile(`(?s)const\s+RESOURCES\s*=\s*(\{.*?\})\s*;`)
	corePattern      = regexp.MustCompile(`(?s)const\s+CORE\s*=\s*(\[.*?\])\s*;`)
)

// Source 提供当前部署的清单，用于更新检查。
type Source interface {
	Load(ctx context.Context) (Manifest, error)
	Describe() string
}

// LoadFile 读取 JSON 清单（{"resources": {...}, "core": [...]}）或生成的 worker 脚本。
func LoadFile(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("读取清单失败: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".js") {
		return ParseServiceWorker(data)
	}
	return ParseJSON(data)
}

// ParseJSON 解析 JSON 形式的清单。
func ParseJSON(data []byte) (Manifest, error) {
	var raw Manifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return New(raw.Resources, raw.Core)
}

// ParseServiceWorker 从 flutter_service_worker.js 中提取 RESOURCES 与 CORE 常量。
// 两个常量在生成脚本中均为合法 JSON 字面量。
func ParseServiceWorker(src []byte) (Manifest, error) {
	resMatch := resourcesPattern.FindSubmatch(src)
	if resMatch == nil {
		return Manifest{}, fmt.Errorf("%w: RESOURCES constant not found", ErrInvalidManifest)
	}
	var resources map[string]string
	if err := json.Unmarshal(resMatch[1], &resources); err != nil {
		return Manifest{}, fmt.Errorf("%w: RESOURCES: %v", ErrInvalidManifest, err)
	}

	var core []string
	if coreMatch := corePattern.FindSubmatch(src); coreMatch != nil {
		if err := json.Unmarshal(coreMatch[1], &core); err != nil {
			return Manifest{}, fmt.Errorf("%w: CORE: %v", ErrInvalidManifest, err)
		}
	}
	return New(resources, core)
}

// FileSource 每次检查时重新读取本地文件。
type FileSource struct {
	Path string
}

func (s FileSource) Load(ctx context.Context) (Manifest, error) {
	if err := ctx.Err(); err != nil {
		return Manifest{}, err
	}
	return LoadFile(s.Path)
}

func (s FileSource) Describe() string {
	return "file:" + s.Path
}

// UpstreamSource 从源站拉取 worker 脚本，与浏览器的 worker 更新检查一致。
type UpstreamSource struct {
	Client *http.Client
	URL    string
}

// NewUpstreamSource 以 upstream 根地址构造来源，脚本位于 <upstream>/flutter_service_worker.js。
func NewUpstreamSource(client *http.Client, upstream string) UpstreamSource {
	return UpstreamSource{
		Client: client,
		URL:    strings.TrimSuffix(upstream, "/") + "/" + ServiceWorkerFile,
	}
}

func (s UpstreamSource) Load(ctx context.Context) (Manifest, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return Manifest{}, err
	}
	// worker 脚本的更新检查总是绕过 HTTP 缓存。
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return Manifest{}, fmt.Errorf("fetch %s: %w", s.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Manifest{}, fmt.Errorf("fetch %s: status=%d body=%s", s.URL, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Manifest{}, fmt.Errorf("read %s: %w", s.URL, err)
	}
	return ParseServiceWorker(data)
}

func (s UpstreamSource) Describe() string {
	return "upstream:" + s.URL
}
