package assetcache

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/babycare/shellcache/internal/cache"
	"github.com/babycare/shellcache/internal/logging"
)

// 页面可发送的消息命令。
const (
	MessageSkipWaiting     = "skipWaiting"
	MessageDownloadOffline = "downloadOffline"
)

// HandleMessage 执行页面发来的命令。
func (m *Manager) HandleMessage(ctx context.Context, data string) error {
	switch strings.TrimSpace(data) {
	case MessageSkipWaiting:
		m.host.SkipWaiting()
		return nil
	case MessageDownloadOffline:
		_, err := m.DownloadOffline(ctx)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, data)
	}
}

// DownloadOffline 拉取清单中尚未进入内容缓存的全部资源，使应用可完全离线使用。
// 返回新写入的资源数量。
func (m *Manager) DownloadOffline(ctx context.Context) (n int, err error) {
	ctx, span := m.tracer.Start(ctx, "assetcache.download_offline")
	defer func() { finishSpan(span, err) }()

	content, err := m.storage.Open(ctx, m.names.Content)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", m.names.Content, err)
	}
	missing, err := m.missingResources(ctx, content)
	if err != nil {
		return 0, err
	}

	requests := make([]*Request, 0, len(missing))
	for _, key := range missing {
		requests = append(requests, &Request{Method: http.MethodGet, URL: m.resourceURL(key)})
	}
	if err := m.addAll(ctx, content, requests); err != nil {
		return 0, fmt.Errorf("download offline: %w", err)
	}

	fields := logging.LifecycleFields("download_offline", m.Version(), m.origin)
	fields["resources"] = len(requests)
	m.logger.WithContext(ctx).WithFields(fields).Info("download_offline_complete")
	return len(requests), nil
}

// missingResources 返回清单 key 与内容缓存 key（归一化后）的差集，按路径排序。
func (m *Manager) missingResources(ctx context.Context, content cache.Bucket) ([]string, error) {
	keys, err := content.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", m.names.Content, err)
	}
	present := make(map[string]struct{}, len(keys))
	for _, rawURL := range keys {
		present[m.entryKey(rawURL)] = struct{}{}
	}

	var missing []string
	for key := range m.manifest.Resources {
		if _, ok := present[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing, nil
}
