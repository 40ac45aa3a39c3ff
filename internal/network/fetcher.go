// Package network is the gateway's view of "the network": it resolves
// requests addressed to the public origin against the real upstream that
// hosts the web bundle.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/babycare/shellcache/internal/assetcache"
	"github.com/babycare/shellcache/internal/cache"
	"github.com/babycare/shellcache/internal/logging"
	"github.com/babycare/shellcache/internal/server"
	"github.com/babycare/shellcache/internal/version"
)

// ErrForeignURL 表示请求地址不属于网关的公开 origin，无法映射到上游。
var ErrForeignURL = errors.New("url outside public origin")

// Options 配置 Fetcher。
type Options struct {
	Client         *http.Client
	Origin         string
	Upstream       string
	MaxRetries     int
	InitialBackoff time.Duration
	Logger         *logrus.Logger
}

// Fetcher 实现 assetcache.Fetcher：把公开 origin 下的请求转发到上游并完整读取响应。
type Fetcher struct {
	client     *http.Client
	origin     string
	upstream   *url.URL
	maxRetries int
	backoff    time.Duration
	logger     *logrus.Logger
	tracer     trace.Tracer
	sleep      func(ctx context.Context, d time.Duration) error
}

var _ assetcache.Fetcher = (*Fetcher)(nil)

// New 校验 origin/upstream 并构造 Fetcher。
func New(opts Options) (*Fetcher, error) {
	origin, err := assetcache.NormalizeOrigin(opts.Origin)
	if err != nil {
		return nil, err
	}
	upstream, err := url.Parse(strings.TrimRight(opts.Upstream, "/"))
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", opts.Upstream)
	}
	client := opts.Client
	if client == nil {
		client = server.NewUpstreamClient(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Fetcher{
		client:     client,
		origin:     origin,
		upstream:   upstream,
		maxRetries: retries,
		backoff:    backoff,
		logger:     logger,
		tracer:     otel.Tracer("github.com/babycare/shellcache/internal/network"),
		sleep:      sleepContext,
	}, nil
}

// UpstreamURL 将公开 origin 下的绝对地址映射到上游地址。
func (f *Fetcher) UpstreamURL(rawURL string) (string, error) {
	if idx := strings.IndexByte(rawURL, '#'); idx >= 0 {
		rawURL = rawURL[:idx]
	}
	var rest string
	switch {
	case rawURL == f.origin:
		rest = "/"
	case strings.HasPrefix(rawURL, f.origin+"/"), strings.HasPrefix(rawURL, f.origin+"?"):
		rest = rawURL[len(f.origin):]
	default:
		return "", fmt.Errorf("%w: %s", ErrForeignURL, rawURL)
	}
	if strings.HasPrefix(rest, "?") {
		rest = "/" + rest
	}
	return strings.TrimRight(f.upstream.String(), "/") + rest, nil
}

// Fetch 请求上游。传输错误与 5xx 会按指数退避重试；重试耗尽后传输错误返回 error，
// 其它情况都以响应返回。
func (f *Fetcher) Fetch(ctx context.Context, req *assetcache.Request) (resp *cache.Response, err error) {
	target, err := f.UpstreamURL(req.URL)
	if err != nil {
		return nil, err
	}

	ctx, span := f.tracer.Start(ctx, "network.fetch", trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("url.full", target), attribute.Bool("shellcache.reload", req.Reload))

	for attempt := 0; ; attempt++ {
		resp, err = f.do(ctx, req, target)
		retryable := err != nil || resp.Status >= http.StatusInternalServerError
		if !retryable || attempt >= f.maxRetries || ctx.Err() != nil {
			return resp, err
		}

		wait := f.backoff << attempt
		fields := logrus.Fields{
			"action":  "upstream_retry",
			"url":     target,
			"attempt": attempt + 1,
			"wait_ms": wait.Milliseconds(),
		}
		if err != nil {
			fields["error"] = err.Error()
		} else {
			fields["upstream_status"] = resp.Status
		}
		f.logger.WithContext(ctx).WithFields(fields).Warn("upstream_retry")

		if sleepErr := f.sleep(ctx, wait); sleepErr != nil {
			if err == nil {
				return resp, nil
			}
			return nil, err
		}
	}
}

func (f *Fetcher) do(ctx context.Context, req *assetcache.Request, target string) (*cache.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, http.NoBody)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		server.CopyHeaders(httpReq.Header, req.Header)
	}
	// 由 Transport 负责透明解压，缓存中保存解压后的正文。
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", version.UserAgent())
	}
	if req.Reload {
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
		httpReq.Header.Del("If-None-Match")
		httpReq.Header.Del("If-Modified-Since")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := http.Header{}
	server.CopyHeaders(header, httpResp.Header)
	header.Del("Content-Length")
	return &cache.Response{
		URL:      req.URL,
		Status:   httpResp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
