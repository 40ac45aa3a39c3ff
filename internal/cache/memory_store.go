package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// NewMemoryStorage 构建进程内存储，进程退出即丢失，主要用于测试与无状态部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{buckets: make(map[string]*memoryEntries)}
}

type memoryStorage struct {
	mu      sync.Mutex
	buckets map[string]*memoryEntries
}

// memoryBucket 只是按名称寻址的句柄，数据保存在 memoryEntries 中，
// 与磁盘、SQLite 后端保持一致：桶被删除后旧句柄看到的是空桶，写入返回 ErrBucketDeleted。
type memoryBucket struct {
	storage *memoryStorage
	name    string
}

type memoryEntries struct {
	mu      sync.RWMutex
	entries map[string]*Response
	order   []string
}

var (
	_ Storage = (*memoryStorage)(nil)
	_ Bucket  = (*memoryBucket)(nil)
)

func (s *memoryStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateBucketName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buckets[name] == nil {
		s.buckets[name] = &memoryEntries{entries: make(map[string]*Response)}
	}
	return &memoryBucket{storage: s, name: name}, nil
}

func (s *memoryStorage) lookup(name string) *memoryEntries {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[name]
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	delete(s.buckets, name)
	return ok, nil
}

func (s *memoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Close() error {
	return nil
}

func (b *memoryBucket) Name() string {
	return b.name
}

func (b *memoryBucket) Match(ctx context.Context, key string) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	e := b.storage.lookup(b.name)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	resp, ok := e.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (b *memoryBucket) Put(ctx context.Context, key string, resp *Response) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}

	e := b.storage.lookup(b.name)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrBucketDeleted, b.name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.entries[key]; !exists {
		e.order = append(e.order, key)
	}
	e.entries[key] = stored
	return nil
}

func (b *memoryBucket) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	e := b.storage.lookup(b.name)
	if e == nil {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.entries[key]; !exists {
		return false, nil
	}
	delete(e.entries, key)
	for i, k := range e.order {
		if k == key {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (b *memoryBucket) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	e := b.storage.lookup(b.name)
	if e == nil {
		return nil, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.order...), nil
}
