package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Storage 管理一组命名缓存桶，对应浏览器 CacheStorage 的 open/has/delete/keys。
// 桶句柄按名称寻址：删除桶后，旧句柄读到的是空桶，Put 返回 ErrBucketDeleted，
// 直到有人重新 Open 同名桶。再次 Open 会得到一个全新的空桶。
type Storage interface {
	// Open 返回指定名称的桶，不存在时自动创建。
	Open(ctx context.Context, name string) (Bucket, error)

	// Has 判断桶是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 整体删除桶及其全部条目，返回删除前桶是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 返回当前所有桶名。
	Names(ctx context.Context) ([]string, error)

	// Close 释放底层资源（文件句柄、数据库连接）。
	Close() error
}

// Bucket 是单个命名缓存，键为请求的绝对 URL。所有实现必须并发安全，
// 重复写入同一 key 是幂等的。
type Bucket interface {
	Name() string

	// Match 返回缓存的响应副本，未命中时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 写入（覆盖）一个条目。
	Put(ctx context.Context, key string, resp *Response) error

	// Delete 删除条目，返回条目是否存在。
	Delete(ctx context.Context, key string) (bool, error)

	// Keys 返回桶内全部 key。
	Keys(ctx context.Context) ([]string, error)
}

// Response 是缓存中保存的完整响应：状态码、头部与正文。
type Response struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// OK 对应 fetch Response.ok，即 2xx 状态码。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 返回深拷贝，缓存写入与返回给调用方的副本互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	cloned.Body = append([]byte(nil), r.Body...)
	return &cloned
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrCorrupt 表示条目的正文摘要与记录不一致，条目不可信。
var ErrCorrupt = errors.New("cache entry corrupt")

// ErrBucketDeleted 表示写入时目标桶已被删除，写入被丢弃。
var ErrBucketDeleted = errors.New("cache bucket deleted")

// ErrInvalidBucket 表示桶名不合法（为空或包含路径分隔符）。
var ErrInvalidBucket = errors.New("invalid bucket name")

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
