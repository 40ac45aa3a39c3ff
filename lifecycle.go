package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/babycare/shellcache/internal/assetcache"
	"github.com/babycare/shellcache/internal/logging"
	"github.com/babycare/shellcache/internal/manifest"
)

// oneShotResult 是 -lifecycle / -message 执行后输出到 stdout 的摘要。
type oneShotResult struct {
	Event    string               `json:"event"`
	Version  string               `json:"version"`
	Updated  *bool                `json:"updated,omitempty"`
	Snapshot *assetcache.Snapshot `json:"snapshot,omitempty"`
}

// runOneShot 针对当前清单执行单个生命周期事件或消息，结果写入持久化的缓存桶。
// install 与 activate 可以分两次进程执行，由存储后端在两次之间保存 temp 桶。
func runOneShot(ctx context.Context, opts cliOptions, deps *runtimeDeps) int {
	event := opts.lifecycle
	if event == "" {
		event = "message:" + opts.message
	}

	m, err := deps.source.Load(ctx)
	if err != nil {
		fmt.Fprintf(stdErr, "加载清单失败 (%s): %v\n", deps.source.Describe(), err)
		return 1
	}

	fields := logging.LifecycleFields(event, m.Version(), deps.cfg.Global.Origin)
	fields["manifest_source"] = deps.source.Describe()

	result := oneShotResult{Event: event, Version: m.Version()}
	var mgr *assetcache.Manager

	switch opts.lifecycle {
	case lifecycleUpdate:
		updated, err := deps.registry.Update(ctx, m)
		if err != nil {
			return reportOneShotFailure(deps, fields, err)
		}
		result.Updated = &updated
		if active := deps.registry.Active(); active != nil {
			mgr = active.Manager()
		}
	default:
		mgr, err = newStandaloneManager(deps, m)
		if err != nil {
			return reportOneShotFailure(deps, fields, err)
		}
		switch opts.lifecycle {
		case lifecycleInstall:
			err = mgr.Install(ctx)
		case lifecycleActivate:
			err = mgr.Activate(ctx)
		default:
			err = mgr.HandleMessage(ctx, opts.message)
		}
		if err != nil {
			return reportOneShotFailure(deps, fields, err)
		}
	}

	if mgr != nil {
		snapshot, err := mgr.Snapshot(ctx)
		if err != nil {
			return reportOneShotFailure(deps, fields, err)
		}
		result.Snapshot = &snapshot
	}

	deps.logger.WithContext(ctx).WithFields(fields).Info("lifecycle_event_complete")

	encoder := json.NewEncoder(stdOut)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		fmt.Fprintf(stdErr, "输出结果失败: %v\n", err)
		return 1
	}
	return 0
}

// newStandaloneManager 构造不挂在 registration 上的管理器，供单次事件使用。
func newStandaloneManager(deps *runtimeDeps, m manifest.Manifest) (*assetcache.Manager, error) {
	content, temp, manifestName := deps.cfg.Global.BucketNames()
	return assetcache.New(assetcache.Options{
		Storage:     deps.storage,
		Fetcher:     deps.fetcher,
		Manifest:    m,
		Origin:      deps.cfg.Global.Origin,
		Names:       assetcache.BucketNames{Content: content, Temp: temp, Manifest: manifestName},
		Logger:      deps.logger,
		Concurrency: deps.cfg.Global.FetchConcurrency,
	})
}

func reportOneShotFailure(deps *runtimeDeps, fields logrus.Fields, err error) int {
	fields["error"] = err.Error()
	deps.logger.WithFields(fields).Error("lifecycle_event_failed")
	fmt.Fprintf(stdErr, "执行 %v 失败: %v\n", fields["action"], err)
	return 1
}
