package assetcache

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/babycare/shellcache/internal/cache"
	"github.com/babycare/shellcache/internal/manifest"
)

// Source 标识被拦截请求的响应来源。
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "cache-fallback"
)

// FetchResult 是一次拦截的结果。Handled 为 false 时调用方应按普通网络请求处理。
type FetchResult struct {
	Handled  bool
	Key      string
	Source   Source
	Response *cache.Response
}

// Fetch 拦截页面请求：仅处理清单内资源的 GET 请求，入口文档走 online-first，
// 其余资源走 cache-first 并在未命中时懒加载写入缓存。
func (m *Manager) Fetch(ctx context.Context, req *Request) (result FetchResult, err error) {
	if req == nil || (req.Method != "" && req.Method != http.MethodGet) {
		return FetchResult{}, nil
	}
	key, ok := m.requestKey(req.URL)
	if !ok {
		return FetchResult{}, nil
	}
	if _, listed := m.manifest.Fingerprint(key); !listed {
		return FetchResult{}, nil
	}

	ctx, span := m.tracer.Start(ctx, "assetcache.fetch")
	defer func() {
		span.SetAttributes(
			attribute.String("shellcache.key", key),
			attribute.String("shellcache.source", string(result.Source)),
		)
		finishSpan(span, err)
	}()

	if key == manifest.EntryKey {
		return m.onlineFirst(ctx, key, req)
	}
	return m.cacheFirst(ctx, key, req)
}

func (m *Manager) cacheFirst(ctx context.Context, key string, req *Request) (FetchResult, error) {
	content, err := m.storage.Open(ctx, m.names.Content)
	if err != nil {
		return FetchResult{}, err
	}
	identity := m.requestIdentity(req.URL)

	cached, err := content.Match(ctx, identity)
	switch {
	case err == nil:
		return FetchResult{Handled: true, Key: key, Source: SourceCache, Response: cached}, nil
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	case errors.Is(err, cache.ErrCorrupt):
		m.logger.WithContext(ctx).WithError(err).WithFields(logrus.Fields{"action": "fetch", "key": key}).Warn("cache_entry_corrupt")
		_, _ = content.Delete(ctx, identity)
	default:
		m.logger.WithContext(ctx).WithError(err).WithFields(logrus.Fields{"action": "fetch", "key": key}).Warn("cache_match_failed")
	}

	// 同一 URL 的并发未命中共享一次网络请求。共享请求不跟随任何单个调用方取消，
	// 每个调用方只在自己的 ctx 结束时提前返回。
	shared := context.WithoutCancel(ctx)
	ch := m.misses.DoChan(identity, func() (any, error) {
		resp, err := m.fetcher.Fetch(shared, req)
		if err != nil {
			return nil, err
		}
		if resp.OK() {
			if putErr := content.Put(shared, identity, resp.Clone()); putErr != nil {
				m.logger.WithContext(shared).WithError(putErr).WithFields(logrus.Fields{"action": "fetch", "key": key}).Warn("cache_put_failed")
			}
		}
		return resp, nil
	})

	select {
	case <-ctx.Done():
		return FetchResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return FetchResult{}, res.Err
		}
		resp, _ := res.Val.(*cache.Response)
		return FetchResult{Handled: true, Key: key, Source: SourceNetwork, Response: resp.Clone()}, nil
	}
}

// onlineFirst 优先访问网络并刷新缓存；网络失败时回退到缓存，缓存也没有则返回原始网络错误。
func (m *Manager) onlineFirst(ctx context.Context, key string, req *Request) (FetchResult, error) {
	identity := m.requestIdentity(req.URL)

	resp, fetchErr := m.fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		if content, err := m.storage.Open(ctx, m.names.Content); err == nil {
			if putErr := content.Put(ctx, identity, resp.Clone()); putErr != nil {
				m.logger.WithContext(ctx).WithError(putErr).WithFields(logrus.Fields{"action": "fetch", "key": key}).Warn("cache_put_failed")
			}
		}
		return FetchResult{Handled: true, Key: key, Source: SourceNetwork, Response: resp}, nil
	}

	content, err := m.storage.Open(ctx, m.names.Content)
	if err != nil {
		return FetchResult{}, fetchErr
	}
	cached, err := content.Match(ctx, identity)
	if err != nil {
		return FetchResult{}, fetchErr
	}
	m.logger.WithContext(ctx).WithFields(logrus.Fields{
		"action": "fetch",
		"key":    key,
		"error":  fetchErr.Error(),
	}).Info("online_first_fallback")
	return FetchResult{Handled: true, Key: key, Source: SourceFallback, Response: cached}, nil
}
