package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存存储后端。
const (
	StoreMemory = "memory"
	StoreDisk   = "disk"
	StoreSQLite = "sqlite"
)

// GlobalConfig 描述网关的运行时行为。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	StoragePath    string `mapstructure:"StoragePath"`
	StoreBackend   string `mapstructure:"StoreBackend"`
	CompressBodies bool   `mapstructure:"CompressBodies"`

	// Origin 是页面访问网关使用的公开地址，缓存 key 以它为前缀。
	Origin string `mapstructure:"Origin"`
	// Upstream 是真实托管 Flutter web 构建产物的地址。
	Upstream string `mapstructure:"Upstream"`
	// ManifestPath 为空时从上游拉取 flutter_service_worker.js 解析清单。
	ManifestPath   string   `mapstructure:"ManifestPath"`
	UpdateInterval Duration `mapstructure:"UpdateInterval"`

	MaxRetries       int      `mapstructure:"MaxRetries"`
	InitialBackoff   Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout  Duration `mapstructure:"UpstreamTimeout"`
	FetchConcurrency int      `mapstructure:"FetchConcurrency"`

	// AdminToken 非空时，/-/lifecycle/update 与 /-/message 需携带 "Authorization: Bearer <token>"；
	// 为空时这两个接口只接受回环地址。
	AdminToken string `mapstructure:"AdminToken"`

	ContentCacheName  string `mapstructure:"ContentCacheName"`
	TempCacheName     string `mapstructure:"TempCacheName"`
	ManifestCacheName string `mapstructure:"ManifestCacheName"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
}
