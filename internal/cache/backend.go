package cache

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// BackendOptions 描述创建存储后端所需的参数。
type BackendOptions struct {
	// Path 为 disk 后端的根目录；sqlite 后端在该目录下创建 shellcache.db。
	Path string
	// Compress 控制持久化正文是否使用 zstd 压缩。
	Compress bool
}

// BackendFactory 根据选项构造 Storage。
type BackendFactory func(opts BackendOptions) (Storage, error)

const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendSQLite = "sqlite"
)

var backends = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{factories: make(map[string]BackendFactory)}

func init() {
	MustRegisterBackend(BackendMemory, func(BackendOptions) (Storage, error) {
		return NewMemoryStorage(), nil
	})
	MustRegisterBackend(BackendDisk, func(opts BackendOptions) (Storage, error) {
		return NewFileStorage(opts.Path, opts.Compress)
	})
	MustRegisterBackend(BackendSQLite, func(opts BackendOptions) (Storage, error) {
		if opts.Path == "" {
			return nil, fmt.Errorf("storage path required")
		}
		return OpenSQLite(filepath.Join(opts.Path, "shellcache.db"), opts.Compress)
	})
}

// RegisterBackend 将后端工厂加入注册表，重复键会返回错误。
func RegisterBackend(name string, factory BackendFactory) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return fmt.Errorf("backend name is required")
	}
	if factory == nil {
		return fmt.Errorf("backend %s: factory is nil", key)
	}

	backends.mu.Lock()
	defer backends.mu.Unlock()
	if _, exists := backends.factories[key]; exists {
		return fmt.Errorf("backend %s already registered", key)
	}
	backends.factories[key] = factory
	return nil
}

// MustRegisterBackend 在注册失败时 panic，适合 init() 中调用。
func MustRegisterBackend(name string, factory BackendFactory) {
	if err := RegisterBackend(name, factory); err != nil {
		panic(err)
	}
}

// OpenBackend 按名称创建存储后端。
func OpenBackend(name string, opts BackendOptions) (Storage, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	backends.mu.RLock()
	factory, ok := backends.factories[key]
	backends.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown store backend %q (available: %s)", name, strings.Join(Backends(), "|"))
	}
	return factory(opts)
}

// Backends 返回按名称排序的已注册后端。
func Backends() []string {
	backends.mu.RLock()
	defer backends.mu.RUnlock()
	names := make([]string, 0, len(backends.factories))
	for name := range backends.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsBackend 判断名称是否为已注册后端，供配置校验使用。
func IsBackend(name string) bool {
	key := strings.ToLower(strings.TrimSpace(name))
	backends.mu.RLock()
	defer backends.mu.RUnlock()
	_, ok := backends.factories[key]
	return ok
}
