package assetcache

import (
	"context"
	"fmt"

	"github.com/babycare/shellcache/internal/manifest"
)

// Snapshot 描述当前缓存状态，供诊断接口输出。
type Snapshot struct {
	Version       string         `json:"version"`
	Origin        string         `json:"origin"`
	Resources     int            `json:"resources"`
	Core          int            `json:"core"`
	Buckets       map[string]int `json:"buckets"`
	ManifestSaved bool           `json:"manifestSaved"`
	// ManifestCurrent 表示已保存的清单与当前清单一致，即本版本已激活。
	ManifestCurrent bool     `json:"manifestCurrent"`
	// Pending 是已保存清单到当前清单的差异，尚未保存清单时为空。
	Pending *manifest.Diff `json:"pending,omitempty"`
	Cached  int            `json:"cached"`
	Missing []string       `json:"missing"`
}

// Snapshot 汇总三个桶的条目数以及内容缓存的覆盖情况。
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Version:   m.Version(),
		Origin:    m.origin,
		Resources: len(m.manifest.Resources),
		Core:      len(m.manifest.Core),
		Buckets:   make(map[string]int, 3),
	}

	for _, name := range []string{m.names.Content, m.names.Temp, m.names.Manifest} {
		exists, err := m.storage.Has(ctx, name)
		if err != nil {
			return Snapshot{}, fmt.Errorf("inspect %s: %w", name, err)
		}
		if !exists {
			continue
		}
		bucket, err := m.storage.Open(ctx, name)
		if err != nil {
			return Snapshot{}, fmt.Errorf("open %s: %w", name, err)
		}
		keys, err := bucket.Keys(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("list %s: %w", name, err)
		}
		snap.Buckets[name] = len(keys)
	}

	if _, ok := snap.Buckets[m.names.Manifest]; ok {
		record, err := m.storage.Open(ctx, m.names.Manifest)
		if err != nil {
			return Snapshot{}, fmt.Errorf("open %s: %w", m.names.Manifest, err)
		}
		saved, found, err := m.savedManifest(ctx, record)
		if err != nil {
			return Snapshot{}, err
		}
		snap.ManifestSaved = found
		if found {
			diff := manifest.DiffResources(saved, m.manifest.Resources)
			snap.ManifestCurrent = len(diff.Added)+len(diff.Changed)+len(diff.Removed) == 0
			snap.Pending = &diff
		}
	}

	if _, ok := snap.Buckets[m.names.Content]; ok {
		content, err := m.storage.Open(ctx, m.names.Content)
		if err != nil {
			return Snapshot{}, fmt.Errorf("open %s: %w", m.names.Content, err)
		}
		missing, err := m.missingResources(ctx, content)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Missing = missing
		snap.Cached = snap.Resources - len(missing)
	} else {
		snap.Missing = m.manifest.Keys()
	}
	if snap.Missing == nil {
		snap.Missing = []string{}
	}
	return snap, nil
}
