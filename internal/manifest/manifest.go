// Package manifest models the build-time resource manifest of the web
// bundle: the path → fingerprint map that versions one deployment and the
// ordered core resource set the application shell needs before it can boot.
package manifest

import (
	_ "crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// EntryKey 是入口文档在清单中的键。
const EntryKey = "/"

// ErrInvalidManifest 表示清单内容不满足约束（空清单、非法路径、core 不在清单中等）。
var ErrInvalidManifest = errors.New("invalid resource manifest")

// Manifest 是一次部署的资源清单。Resources 的键为相对 origin 的路径，值为内容指纹。
type Manifest struct {
	Resources map[string]string `json:"resources"`
	Core      []string          `json:"core"`
}

// New 构造清单并执行校验。
func New(resources map[string]string, core []string) (Manifest, error) {
	m := Manifest{
		Resources: make(map[string]string, len(resources)),
		Core:      append([]string(nil), core...),
	}
	for key, fingerprint := range resources {
		m.Resources[key] = fingerprint
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate 检查键为相对路径且 core 是清单键的子集。
func (m Manifest) Validate() error {
	if len(m.Resources) == 0 {
		return fmt.Errorf("%w: no resources", ErrInvalidManifest)
	}
	for key, fingerprint := range m.Resources {
		if key == "" {
			return fmt.Errorf("%w: empty resource path", ErrInvalidManifest)
		}
		if key != EntryKey && strings.HasPrefix(key, "/") {
			return fmt.Errorf("%w: %q must be relative to the origin", ErrInvalidManifest, key)
		}
		if strings.Contains(key, "://") {
			return fmt.Errorf("%w: %q must be relative to the origin", ErrInvalidManifest, key)
		}
		if fingerprint == "" {
			return fmt.Errorf("%w: %q has no fingerprint", ErrInvalidManifest, key)
		}
	}
	seen := make(map[string]struct{}, len(m.Core))
	for _, key := range m.Core {
		if _, ok := m.Resources[key]; !ok {
			return fmt.Errorf("%w: core resource %q missing from resources", ErrInvalidManifest, key)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate core resource %q", ErrInvalidManifest, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Fingerprint 返回资源指纹与是否存在。
func (m Manifest) Fingerprint(key string) (string, bool) {
	fingerprint, ok := m.Resources[key]
	return fingerprint, ok && fingerprint != ""
}

// Keys 返回排序后的资源路径。
func (m Manifest) Keys() []string {
	keys := make([]string, 0, len(m.Resources))
	for key := range m.Resources {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Version 是清单内容的稳定摘要，内容相同的两份清单版本一致。
func (m Manifest) Version() string {
	return digest.FromBytes(m.canonical()).Encoded()[:16]
}

// Equal 比较资源与 core 列表是否完全一致。
func (m Manifest) Equal(other Manifest) bool {
	return string(m.canonical()) == string(other.canonical())
}

// MarshalResources 编码资源表，写入 manifest 记录缓存时使用。
func (m Manifest) MarshalResources() ([]byte, error) {
	return json.Marshal(m.Resources)
}

// UnmarshalResources 解码 manifest 记录缓存中保存的资源表。
func UnmarshalResources(data []byte) (map[string]string, error) {
	var resources map[string]string
	if err := json.Unmarshal(data, &resources); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if resources == nil {
		return nil, fmt.Errorf("%w: saved manifest is null", ErrInvalidManifest)
	}
	return resources, nil
}

// Diff 描述新旧清单之间的差异，用于日志与诊断。
type Diff struct {
	Added     []string `json:"added"`
	Changed   []string `json:"changed"`
	Removed   []string `json:"removed"`
	Unchanged int      `json:"unchanged"`
}

// DiffResources 计算 previous → current 的差异，结果按路径排序。
func DiffResources(previous, current map[string]string) Diff {
	var diff Diff
	for key, fingerprint := range current {
		old, ok := previous[key]
		switch {
		case !ok:
			diff.Added = append(diff.Added, key)
		case old != fingerprint:
			diff.Changed = append(diff.Changed, key)
		default:
			diff.Unchanged++
		}
	}
	for key := range previous {
		if _, ok := current[key]; !ok {
			diff.Removed = append(diff.Removed, key)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Changed)
	sort.Strings(diff.Removed)
	return diff
}

func (m Manifest) canonical() []byte {
	// encoding/json 对 map 键排序，输出稳定。
	payload, _ := json.Marshal(struct {
		Resources map[string]string `json:"resources"`
		Core      []string          `json:"core"`
	}{m.Resources, m.Core})
	return payload
}
