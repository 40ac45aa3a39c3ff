package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

const supportedStoreList = "memory|disk|sqlite"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError(globalField("ListenPort"), "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError(globalField("LogLevel"), "无法识别的日志级别")
		}
	}
	if g.StoragePath == "" && g.StoreBackend != StoreMemory {
		return newFieldError(globalField("StoragePath"), "不能为空")
	}
	switch g.StoreBackend {
	case StoreMemory, StoreDisk, StoreSQLite:
	default:
		return newFieldError(globalField("StoreBackend"), "仅支持 "+supportedStoreList)
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("%s: %w", globalField("Origin"), err)
	}
	if err := validateUpstream(g.Upstream); err != nil {
		return fmt.Errorf("%s: %w", globalField("Upstream"), err)
	}
	if g.UpdateInterval.DurationValue() < 0 {
		return newFieldError(globalField("UpdateInterval"), "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError(globalField("MaxRetries"), "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError(globalField("InitialBackoff"), "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError(globalField("UpstreamTimeout"), "必须大于 0")
	}
	if g.FetchConcurrency <= 0 {
		return newFieldError(globalField("FetchConcurrency"), "必须大于 0")
	}

	names := map[string]string{
		"ContentCacheName":  g.ContentCacheName,
		"TempCacheName":     g.TempCacheName,
		"ManifestCacheName": g.ManifestCacheName,
	}
	seen := map[string]string{}
	for field, name := range names {
		if err := validateBucketName(name); err != nil {
			return fmt.Errorf("%s: %w", globalField(field), err)
		}
		if other, dup := seen[name]; dup {
			return newFieldError(globalField(field), "与 "+other+" 重名")
		}
		seen[name] = field
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少公开访问地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("Origin 不允许包含路径: %s", raw)
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func validateBucketName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errors.New("桶名不能为空")
	case strings.TrimSpace(name) != name:
		return errors.New("桶名不允许首尾空白")
	case strings.ContainsAny(name, `/\`):
		return errors.New("桶名不允许包含路径分隔符")
	case name == "." || name == "..":
		return errors.New("桶名不合法")
	}
	return nil
}
