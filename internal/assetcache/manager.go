package assetcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/babycare/shellcache/internal/cache"
	"github.com/babycare/shellcache/internal/logging"
	"github.com/babycare/shellcache/internal/manifest"
)

const tracerName = "github.com/babycare/shellcache/internal/assetcache"

// 默认桶名与 Flutter 生成的 worker 保持一致，便于对照浏览器端状态。
const (
	DefaultContentCache  = "flutter-app-cache"
	DefaultTempCache     = "flutter-temp-cache"
	DefaultManifestCache = "flutter-app-manifest"

	// ManifestRecordKey 是 manifest 记录缓存中唯一条目的 key。
	ManifestRecordKey = "manifest"
)

var (
	// ErrInstallFailed 表示 core 资源未能全部拉取，安装需由宿主重试。
	ErrInstallFailed = errors.New("install failed")
	// ErrActivateFailed 表示激活过程中断，三个桶均已被清空。
	ErrActivateFailed = errors.New("activate failed")
	// ErrUnknownMessage 表示收到无法识别的消息命令。
	ErrUnknownMessage = errors.New("unknown message")
	// ErrBadResponse 表示批量写入时某个资源返回了非 2xx 响应。
	ErrBadResponse = errors.New("bad response")
)

// Request 描述一次被拦截（或需要发往网络）的请求。URL 必须为绝对地址。
type Request struct {
	Method string
	URL    string
	Header http.Header
	// Reload 对应 fetch 的 cache: 'reload'，要求网络层绕过所有 HTTP 缓存。
	Reload bool
}

// Fetcher 是网络层。网络失败返回 error；任何 HTTP 状态码都以响应返回。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}

// Host 暴露宿主运行时的控制能力。
type Host interface {
	// SkipWaiting 让当前 worker 无需等待旧 worker 释放即可激活。
	SkipWaiting()
	// Claim 让当前 worker 立即接管已打开页面的请求。
	Claim()
}

type nopHost struct{}

func (nopHost) SkipWaiting() {}
func (nopHost) Claim()       {}

// BucketNames 指定三个命名桶。
type BucketNames struct {
	Content  string
	Temp     string
	Manifest string
}

// DefaultBucketNames 返回与 Flutter worker 一致的桶名。
func DefaultBucketNames() BucketNames {
	return BucketNames{
		Content:  DefaultContentCache,
		Temp:     DefaultTempCache,
		Manifest: DefaultManifestCache,
	}
}

func (n BucketNames) withDefaults() BucketNames {
	defaults := DefaultBucketNames()
	if n.Content == "" {
		n.Content = defaults.Content
	}
	if n.Temp == "" {
		n.Temp = defaults.Temp
	}
	if n.Manifest == "" {
		n.Manifest = defaults.Manifest
	}
	return n
}

// Options 汇总构造 Manager 所需的依赖。
type Options struct {
	Storage  cache.Storage
	Fetcher  Fetcher
	Host     Host
	Manifest manifest.Manifest
	// Origin 是应用对外的 origin（scheme://host[:port]），所有缓存 key 都相对它计算。
	Origin string
	Names  BucketNames
	Logger *logrus.Logger
	// Concurrency 限制 install/downloadOffline 的并发拉取数，<=0 时使用 6。
	Concurrency int
}

// Manager 是单个 worker 版本的资产缓存管理器。
type Manager struct {
	storage     cache.Storage
	fetcher     Fetcher
	host        Host
	manifest    manifest.Manifest
	origin      string
	names       BucketNames
	logger      *logrus.Logger
	tracer      trace.Tracer
	concurrency int

	misses singleflight.Group
}

// New 校验依赖并构造 Manager。
func New(opts Options) (*Manager, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if err := opts.Manifest.Validate(); err != nil {
		return nil, err
	}
	origin, err := NormalizeOrigin(opts.Origin)
	if err != nil {
		return nil, err
	}

	host := opts.Host
	if host == nil {
		host = nopHost{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 6
	}

	return &Manager{
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		host:        host,
		manifest:    opts.Manifest,
		origin:      origin,
		names:       opts.Names.withDefaults(),
		logger:      logger,
		tracer:      otel.Tracer(tracerName),
		concurrency: concurrency,
	}, nil
}

// NormalizeOrigin 将 "https://App.local:8443/" 规范化为 "https://app.local:8443"。
func NormalizeOrigin(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("invalid origin %q: scheme must be http or https", raw)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid origin %q: host required", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", fmt.Errorf("invalid origin %q: path not allowed", raw)
	}
	return parsed.Scheme + "://" + strings.ToLower(parsed.Host), nil
}

// Manifest 返回当前版本的资源清单。
func (m *Manager) Manifest() manifest.Manifest {
	return m.manifest
}

// Version 返回清单版本。
func (m *Manager) Version() string {
	return m.manifest.Version()
}

// Origin 返回规范化后的 origin。
func (m *Manager) Origin() string {
	return m.origin
}

// Names 返回三个桶名。
func (m *Manager) Names() BucketNames {
	return m.names
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
