package assetcache

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/babycare/shellcache/internal/cache"
	"github.com/babycare/shellcache/internal/logging"
)

// Install 以绕过缓存的方式拉取全部 core 资源并写入 temp 桶。
// 任一资源失败则整体失败，temp 桶不写入任何条目。
func (m *Manager) Install(ctx context.Context) (err error) {
	ctx, span := m.tracer.Start(ctx, "assetcache.install")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(
		attribute.String("shellcache.version", m.Version()),
		attribute.Int("shellcache.core_resources", len(m.manifest.Core)),
	)

	started := time.Now()
	m.host.SkipWaiting()

	temp, err := m.storage.Open(ctx, m.names.Temp)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrInstallFailed, m.names.Temp, err)
	}

	requests := make([]*Request, 0, len(m.manifest.Core))
	for _, key := range m.manifest.Core {
		requests = append(requests, &Request{
			Method: http.MethodGet,
			URL:    m.resourceURL(key),
			Reload: true,
		})
	}
	if err := m.addAll(ctx, temp, requests); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	fields := logging.LifecycleFields("install", m.Version(), m.origin)
	fields["resources"] = len(requests)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	m.logger.WithContext(ctx).WithFields(fields).Info("install_complete")
	return nil
}

// addAll 并发拉取全部请求，只有全部成功（2xx）后才依次写入 bucket。
func (m *Manager) addAll(ctx context.Context, bucket cache.Bucket, requests []*Request) error {
	if len(requests) == 0 {
		return nil
	}
	responses := make([]*cache.Response, len(requests))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.concurrency)
	for i, req := range requests {
		group.Go(func() error {
			resp, err := m.fetcher.Fetch(groupCtx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			if !resp.OK() {
				return fmt.Errorf("%w: %s status %d", ErrBadResponse, req.URL, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for i, req := range requests {
		if err := bucket.Put(ctx, m.requestIdentity(req.URL), responses[i]); err != nil {
			return fmt.Errorf("put %s: %w", req.URL, err)
		}
	}
	return nil
}
