package cache

import (
	_ "crypto/sha256"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

const encodingZstd = "zstd"

// entryRecord 是持久化后端共用的元数据描述，Digest 针对未压缩正文计算。
type entryRecord struct {
	Key      string        `json:"key"`
	URL      string        `json:"url"`
	Status   int           `json:"status"`
	Header   http.Header   `json:"header"`
	Digest   digest.Digest `json:"digest"`
	Size     int64         `json:"size"`
	Encoding string        `json:"encoding,omitempty"`
	StoredAt time.Time     `json:"stored_at"`
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// newRecord 根据响应生成元数据，并按需压缩正文。
func newRecord(key string, resp *Response, compress bool) (entryRecord, []byte, error) {
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	record := entryRecord{
		Key:      key,
		URL:      resp.URL,
		Status:   resp.Status,
		Header:   header,
		Digest:   digest.FromBytes(resp.Body),
		Size:     int64(len(resp.Body)),
		StoredAt: storedAt,
	}

	payload := resp.Body
	if compress && len(resp.Body) > 0 {
		enc, _, err := zstdCodec()
		if err != nil {
			return entryRecord{}, nil, fmt.Errorf("init zstd: %w", err)
		}
		payload = enc.EncodeAll(resp.Body, make([]byte, 0, len(resp.Body)/2))
		record.Encoding = encodingZstd
	}
	return record, payload, nil
}

// toResponse 解码正文并校验摘要，摘要不符时返回 ErrCorrupt。
func (r entryRecord) toResponse(payload []byte) (*Response, error) {
	body := payload
	switch r.Encoding {
	case "":
	case encodingZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		decoded, err := dec.DecodeAll(payload, make([]byte, 0, r.Size))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, r.Key, err)
		}
		body = decoded
	default:
		return nil, fmt.Errorf("%w: %s: unknown encoding %q", ErrCorrupt, r.Key, r.Encoding)
	}

	if err := r.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, r.Key, err)
	}
	verifier := r.Digest.Verifier()
	if _, err := verifier.Write(body); err != nil {
		return nil, err
	}
	if !verifier.Verified() {
		return nil, fmt.Errorf("%w: %s: digest mismatch", ErrCorrupt, r.Key)
	}

	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		URL:      r.URL,
		Status:   r.Status,
		Header:   header,
		Body:     body,
		StoredAt: r.StoredAt,
	}, nil
}

// entryFileName 将任意 URL key 映射为固定长度的文件名。
func entryFileName(key string) string {
	return digest.FromString(key).Encoded()
}

func validateBucketName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return fmt.Errorf("%w: %q", ErrInvalidBucket, name)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidBucket, name)
	}
	return nil
}
