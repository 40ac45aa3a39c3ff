package assetcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/babycare/shellcache/internal/cache"
	"github.com/babycare/shellcache/internal/logging"
	"github.com/babycare/shellcache/internal/manifest"
)

// Activate 将 temp 桶合并进内容缓存并记录当前清单。
//
// 没有已保存清单时（首次安装或清单被清空），内容缓存被整体重建；否则只淘汰
// 清单中已移除或指纹变化的条目，未变化的条目原样保留。任何错误（包括 panic）
// 都会清空三个桶并返回 ErrActivateFailed，下一次 install+activate 从干净状态开始。
func (m *Manager) Activate(ctx context.Context) (err error) {
	ctx, span := m.tracer.Start(ctx, "assetcache.activate")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(attribute.String("shellcache.version", m.Version()))

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			m.wipe(ctx, err)
			err = fmt.Errorf("%w: %w", ErrActivateFailed, err)
		}
	}()

	result, err := m.reconcile(ctx)
	if err != nil {
		return err
	}

	fields := logging.LifecycleFields("activate", m.Version(), m.origin)
	fields["first_install"] = result.firstInstall
	fields["evicted"] = result.evicted
	fields["staged"] = result.staged
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	m.logger.WithContext(ctx).WithFields(fields).Info("activate_complete")
	return nil
}

type reconcileResult struct {
	firstInstall bool
	evicted      int
	staged       int
}

func (m *Manager) reconcile(ctx context.Context) (reconcileResult, error) {
	var result reconcileResult

	content, err := m.storage.Open(ctx, m.names.Content)
	if err != nil {
		return result, fmt.Errorf("open %s: %w", m.names.Content, err)
	}
	temp, err := m.storage.Open(ctx, m.names.Temp)
	if err != nil {
		return result, fmt.Errorf("open %s: %w", m.names.Temp, err)
	}
	record, err := m.storage.Open(ctx, m.names.Manifest)
	if err != nil {
		return result, fmt.Errorf("open %s: %w", m.names.Manifest, err)
	}
	saved, found, err := m.savedManifest(ctx, record)
	if err != nil {
		return result, err
	}

	if !found {
		result.firstInstall = true
		if _, err := m.storage.Delete(ctx, m.names.Content); err != nil {
			return result, fmt.Errorf("delete %s: %w", m.names.Content, err)
		}
		content, err = m.storage.Open(ctx, m.names.Content)
		if err != nil {
			return result, fmt.Errorf("reopen %s: %w", m.names.Content, err)
		}
	} else {
		evicted, err := m.evictStale(ctx, content, saved)
		if err != nil {
			return result, err
		}
		result.evicted = evicted
	}

	staged, err := copyBucket(ctx, temp, content)
	if err != nil {
		return result, err
	}
	result.staged = staged

	if _, err := m.storage.Delete(ctx, m.names.Temp); err != nil {
		return result, fmt.Errorf("delete %s: %w", m.names.Temp, err)
	}
	if err := m.saveManifest(ctx, record); err != nil {
		return result, err
	}
	m.host.Claim()
	return result, nil
}

// evictStale 删除清单中不存在、或指纹与已保存清单不一致的条目。
func (m *Manager) evictStale(ctx context.Context, content cache.Bucket, saved map[string]string) (int, error) {
	keys, err := content.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", m.names.Content, err)
	}
	evicted := 0
	for _, rawURL := range keys {
		key := m.entryKey(rawURL)
		current, listed := m.manifest.Fingerprint(key)
		previous, known := saved[key]
		if listed && known && current == previous {
			continue
		}
		if _, err := content.Delete(ctx, rawURL); err != nil {
			return evicted, fmt.Errorf("evict %s: %w", rawURL, err)
		}
		evicted++
	}
	return evicted, nil
}

// savedManifest 读取上一次成功激活时保存的资源表。
func (m *Manager) savedManifest(ctx context.Context, record cache.Bucket) (map[string]string, bool, error) {
	resp, err := record.Match(ctx, ManifestRecordKey)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read saved manifest: %w", err)
	}
	resources, err := manifest.UnmarshalResources(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("decode saved manifest: %w", err)
	}
	return resources, true, nil
}

func (m *Manager) saveManifest(ctx context.Context, record cache.Bucket) error {
	payload, err := m.manifest.MarshalResources()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	resp := &cache.Response{
		URL:    ManifestRecordKey,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   payload,
	}
	if err := record.Put(ctx, ManifestRecordKey, resp); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

// wipe 在激活失败后无条件删除三个桶，使用脱离取消信号的 context 保证清理执行。
func (m *Manager) wipe(ctx context.Context, cause error) {
	cleanupCtx := context.WithoutCancel(ctx)
	fields := logging.LifecycleFields("activate", m.Version(), m.origin)
	fields["error"] = cause.Error()
	m.logger.WithContext(ctx).WithFields(fields).Error("activate_failed")

	for _, name := range []string{m.names.Content, m.names.Temp, m.names.Manifest} {
		if _, err := m.storage.Delete(cleanupCtx, name); err != nil {
			m.logger.WithContext(ctx).WithFields(logrus.Fields{
				"action": "activate_wipe",
				"bucket": name,
				"error":  err.Error(),
			}).Error("bucket_wipe_failed")
		}
	}
}

// copyBucket 把 src 的全部条目复制到 dst，同 key 条目以 src 为准。
func copyBucket(ctx context.Context, src, dst cache.Bucket) (int, error) {
	keys, err := src.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", src.Name(), err)
	}
	for _, key := range keys {
		resp, err := src.Match(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("read %s from %s: %w", key, src.Name(), err)
		}
		if err := dst.Put(ctx, key, resp); err != nil {
			return 0, fmt.Errorf("copy %s into %s: %w", key, dst.Name(), err)
		}
	}
	return len(keys), nil
}
