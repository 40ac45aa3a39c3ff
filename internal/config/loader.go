package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 默认桶名与 Flutter 生成的 service worker 一致。
const (
	defaultContentCache  = "flutter-app-cache"
	defaultTempCache     = "flutter-temp-cache"
	defaultManifestCache = "flutter-app-manifest"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectHubSections(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	if cfg.Global.ManifestPath != "" && !filepath.IsAbs(cfg.Global.ManifestPath) {
		// 相对清单路径以配置文件所在目录为基准。
		cfg.Global.ManifestPath = filepath.Join(filepath.Dir(path), cfg.Global.ManifestPath)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreBackend", StoreDisk)
	v.SetDefault("CompressBodies", true)
	v.SetDefault("UpdateInterval", "5m")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("FetchConcurrency", 6)
	v.SetDefault("ContentCacheName", defaultContentCache)
	v.SetDefault("TempCacheName", defaultTempCache)
	v.SetDefault("ManifestCacheName", defaultManifestCache)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StoreBackend = strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if g.StoreBackend == "" {
		g.StoreBackend = StoreDisk
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.FetchConcurrency == 0 {
		g.FetchConcurrency = 6
	}
	if g.Origin == "" {
		g.Origin = fmt.Sprintf("http://localhost:%d", g.ListenPort)
	}
	g.Origin = strings.TrimRight(strings.TrimSpace(g.Origin), "/")
	g.Upstream = strings.TrimRight(strings.TrimSpace(g.Upstream), "/")
	if g.ContentCacheName == "" {
		g.ContentCacheName = defaultContentCache
	}
	if g.TempCacheName == "" {
		g.TempCacheName = defaultTempCache
	}
	if g.ManifestCacheName == "" {
		g.ManifestCacheName = defaultManifestCache
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectHubSections 拒绝多站点写法：一个网关实例只服务一个 Flutter 应用。
func rejectHubSections(v *viper.Viper) error {
	if v.IsSet("Hub") {
		return newFieldError("Hub", "不支持多站点配置，请为每个应用单独部署并使用全局 Origin/Upstream")
	}
	return nil
}
