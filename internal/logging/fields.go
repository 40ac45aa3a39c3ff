package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供拦截请求的路由与命中字段，供代理请求日志复用。
// key 为空表示请求未被拦截，直接透传到上游。
func RequestFields(method, path, key, source string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"method":    method,
		"path":      path,
		"cache_hit": cacheHit,
	}
	if key != "" {
		fields["manifest_key"] = key
		fields["source"] = source
	} else {
		fields["source"] = "passthrough"
	}
	return fields
}

// LifecycleFields 描述 install/activate 等生命周期事件。
func LifecycleFields(action, version, origin string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"version": version,
		"origin":  origin,
	}
}
