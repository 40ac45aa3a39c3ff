package config

// ManifestFromUpstream 表示清单需要从上游的 worker 脚本获取。
func (g GlobalConfig) ManifestFromUpstream() bool {
	return g.ManifestPath == ""
}

// PeriodicUpdates 表示是否启用定时更新检查。
func (g GlobalConfig) PeriodicUpdates() bool {
	return g.UpdateInterval.DurationValue() > 0
}

// BucketNames 返回内容、临时与清单记录三个桶名。
func (g GlobalConfig) BucketNames() (content, temp, manifest string) {
	return g.ContentCacheName, g.TempCacheName, g.ManifestCacheName
}
