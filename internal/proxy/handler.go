package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/babycare/shellcache/internal/assetcache"
	"github.com/babycare/shellcache/internal/logging"
	"github.com/babycare/shellcache/internal/server"
	"github.com/babycare/shellcache/internal/version"
)

// Interceptor 是页面请求的拦截者，通常为 worker.Registration。
// 返回未拦截的结果时请求按原样透传到上游。
type Interceptor interface {
	Fetch(ctx context.Context, req *assetcache.Request) (assetcache.FetchResult, error)
}

// Handler 负责 orchestrate “交给当前 worker 拦截 → 命中时直接返回 → 否则透传上游”，
// 对外暴露 Fiber handler，透传请求复用共享 http.Client。
type Handler struct {
	client      *http.Client
	logger      *logrus.Logger
	interceptor Interceptor
}

// NewHandler constructs a proxy handler with shared HTTP client/logger/interceptor.
func NewHandler(client *http.Client, logger *logrus.Logger, interceptor Interceptor) *Handler {
	if client == nil {
		client = server.NewUpstreamClient(nil)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		client:      client,
		logger:      logger,
		interceptor: interceptor,
	}
}

// Handle 先让 worker 处理请求，未被拦截时 streaming 透传，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if h.interceptor != nil {
		req := &assetcache.Request{
			Method: c.Method(),
			URL:    route.Origin + requestTarget(c),
			Header: fiberHeadersAsHTTP(c),
		}
		result, err := h.interceptor.Fetch(ctx, req)
		if err != nil {
			h.logResult(ctx, c, result, requestID, 0, started, err)
			return h.writeError(c, requestID, fiber.StatusBadGateway, "upstream_failed")
		}
		if result.Handled {
			return h.serveResult(ctx, c, result, requestID, started)
		}
	}

	return h.passThrough(ctx, c, route, requestID, started)
}

func (h *Handler) serveResult(
	ctx context.Context,
	c fiber.Ctx,
	result assetcache.FetchResult,
	requestID string,
	started time.Time,
) error {
	resp := result.Response
	if resp == nil {
		err := errors.New("worker returned no response")
		h.logResult(ctx, c, result, requestID, 0, started, err)
		return h.writeError(c, requestID, fiber.StatusBadGateway, "upstream_failed")
	}

	copyResponseHeaders(c, resp.Header)
	c.Response().Header.Del(fiber.HeaderContentLength)
	c.Set("X-Shellcache-Source", string(result.Source))
	c.Set("X-Shellcache-Key", result.Key)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)

	err := c.Send(resp.Body)
	h.logResult(ctx, c, result, requestID, resp.Status, started, err)
	return err
}

func (h *Handler) passThrough(
	ctx context.Context,
	c fiber.Ctx,
	route *server.SiteRoute,
	requestID string,
	started time.Time,
) error {
	req, err := h.buildUpstreamRequest(ctx, c, route)
	if err != nil {
		h.logResult(ctx, c, assetcache.FetchResult{}, requestID, 0, started, err)
		return h.writeError(c, requestID, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logResult(ctx, c, assetcache.FetchResult{}, requestID, 0, started, err)
		return h.writeError(c, requestID, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	return h.consumeUpstream(ctx, c, resp, requestID, started)
}

func (h *Handler) consumeUpstream(
	ctx context.Context,
	c fiber.Ctx,
	resp *http.Response,
	requestID string,
	started time.Time,
) error {
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Shellcache-Source", "passthrough")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(ctx, c, assetcache.FetchResult{}, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(ctx, c, assetcache.FetchResult{}, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(ctx context.Context, c fiber.Ctx, route *server.SiteRoute) (*http.Request, error) {
	target := upstreamTarget(route, requestTarget(c))
	req, err := http.NewRequestWithContext(ctx, c.Method(), target, bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = route.UpstreamURL.Host
	req.Header.Set("Host", route.UpstreamURL.Host)
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", routePort(route))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

// upstreamTarget 将页面路径拼接到 upstream 前缀之后，query 原样保留。
// requestTarget 返回 origin-form 的路径与查询串，absolute-form 请求行也会被还原成 "/path?query"。
func requestTarget(c fiber.Ctx) string {
	return string(c.Request().URI().RequestURI())
}

func upstreamTarget(route *server.SiteRoute, target string) string {
	base := strings.TrimSuffix(route.UpstreamURL.String(), "/")
	if target == "" {
		target = "/"
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return base + target
}

func (h *Handler) writeError(c fiber.Ctx, requestID string, status int, code string) error {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	ctx context.Context,
	c fiber.Ctx,
	result assetcache.FetchResult,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		c.Method(),
		string(c.Request().URI().Path()),
		result.Key,
		string(result.Source),
		result.Source == assetcache.SourceCache || result.Source == assetcache.SourceFallback,
	)
	fields["action"] = "proxy"
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	entry := h.logger.WithContext(ctx).WithFields(fields)
	if err != nil {
		entry.WithField("error", err.Error()).Error("proxy_failed")
		return
	}
	entry.Info("proxy_complete")
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func routePort(route *server.SiteRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}
