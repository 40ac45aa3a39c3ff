package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// TelemetryConfig 控制 OpenTelemetry 追踪导出，只从环境变量读取。
type TelemetryConfig struct {
	Enabled     bool    `env:"SHELLCACHE_OTEL_ENABLED"      envDefault:"true"`
	Endpoint    string  `env:"SHELLCACHE_OTEL_ENDPOINT"`
	ServiceName string  `env:"SHELLCACHE_SERVICE_NAME"      envDefault:"shellcache"`
	SampleRatio float64 `env:"SHELLCACHE_OTEL_SAMPLE_RATIO" envDefault:"1"`
}

// Active 表示是否需要注册真实的 TracerProvider。
func (t TelemetryConfig) Active() bool {
	return t.Enabled && t.Endpoint != ""
}

// LoadTelemetry 解析追踪相关的环境变量。
func LoadTelemetry() (TelemetryConfig, error) {
	return parseTelemetry(env.Options{})
}

func parseTelemetry(opts env.Options) (TelemetryConfig, error) {
	var cfg TelemetryConfig
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return TelemetryConfig{}, fmt.Errorf("解析追踪配置失败: %w", err)
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return TelemetryConfig{}, newFieldError("SHELLCACHE_OTEL_SAMPLE_RATIO", "必须在 0-1 之间")
	}
	return cfg, nil
}
