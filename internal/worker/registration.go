// Package worker plays the part of the browser's service worker registration
// for the gateway: it owns the installing, waiting and active versions of the
// asset cache, drives their install/activate lifecycle when a new resource
// manifest appears and routes intercepted requests to the controlling version.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/babycare/shellcache/internal/assetcache"
	"github.com/babycare/shellcache/internal/cache"
	"github.com/babycare/shellcache/internal/logging"
	"github.com/babycare/shellcache/internal/manifest"
)

// State 是单个 worker 版本的生命周期状态。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// ErrNoActiveWorker 表示尚无已激活的版本可以处理消息。
var ErrNoActiveWorker = errors.New("no active worker")

// Options 汇总每个 worker 版本共享的依赖。
type Options struct {
	Storage     cache.Storage
	Fetcher     assetcache.Fetcher
	Origin      string
	Names       assetcache.BucketNames
	Concurrency int
	Logger      *logrus.Logger
}

// Worker 是某个清单版本对应的资产缓存实例。
type Worker struct {
	reg     *Registration
	manager *assetcache.Manager

	mu          sync.Mutex
	state       State
	skipWaiting bool
}

// SkipWaiting 实现 assetcache.Host。
func (w *Worker) SkipWaiting() {
	w.mu.Lock()
	w.skipWaiting = true
	w.mu.Unlock()
}

// Claim 实现 assetcache.Host：当前 worker 立即接管页面请求。
func (w *Worker) Claim() {
	w.reg.claim(w)
}

// Version 返回该 worker 的清单版本。
func (w *Worker) Version() string {
	return w.manager.Version()
}

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Manager 返回底层的资产缓存管理器。
func (w *Worker) Manager() *assetcache.Manager {
	return w.manager
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) wantsSkipWaiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}

// Registration 管理一个站点的 worker 版本。同一时刻最多只有一个 install/activate 在执行。
type Registration struct {
	opts   Options
	logger *logrus.Logger

	lifecycle sync.Mutex

	mu         sync.RWMutex
	installing *Worker
	waiting    *Worker
	active     *Worker
	controller *Worker
	lastErr    error
	lastCheck  time.Time
	updates    int
}

// NewRegistration 校验依赖并创建空的 registration。
func NewRegistration(opts Options) (*Registration, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if _, err := assetcache.NormalizeOrigin(opts.Origin); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registration{opts: opts, logger: logger}, nil
}

// Update 在清单版本变化时安装并激活新版本，返回是否发生了更新。
// 与 active/waiting 版本相同的清单被视为同一个 worker，不做任何事。
func (r *Registration) Update(ctx context.Context, m manifest.Manifest) (bool, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	r.lastCheck = time.Now()
	current := r.active
	waiting := r.waiting
	r.mu.Unlock()

	version := m.Version()
	if current != nil && current.Version() == version {
		return false, nil
	}
	if waiting != nil && waiting.Version() == version {
		return false, r.activateWaiting(ctx)
	}

	w := &Worker{reg: r, state: StateInstalling}
	mgr, err := assetcache.New(assetcache.Options{
		Storage:     r.opts.Storage,
		Fetcher:     r.opts.Fetcher,
		Host:        w,
		Manifest:    m,
		Origin:      r.opts.Origin,
		Names:       r.opts.Names,
		Logger:      r.logger,
		Concurrency: r.opts.Concurrency,
	})
	if err != nil {
		r.recordError(err)
		return false, err
	}
	w.manager = mgr

	r.mu.Lock()
	r.installing = w
	r.mu.Unlock()
	r.logTransition(ctx, w, StateInstalling)

	if err := mgr.Install(ctx); err != nil {
		w.setState(StateRedundant)
		r.mu.Lock()
		r.installing = nil
		r.mu.Unlock()
		r.recordError(err)
		r.logTransition(ctx, w, StateRedundant)
		return false, err
	}

	w.setState(StateInstalled)
	r.mu.Lock()
	r.installing = nil
	if r.waiting != nil {
		r.waiting.setState(StateRedundant)
	}
	r.waiting = w
	r.mu.Unlock()
	r.logTransition(ctx, w, StateInstalled)

	if current == nil || w.wantsSkipWaiting() {
		if err := r.activateWaiting(ctx); err != nil {
			return false, err
		}
	}
	return true, nil
}

// activateWaiting 激活 waiting 版本，调用方需持有 lifecycle 锁。
// 激活失败时三个桶已被清空，新版本作废，旧版本（若有）继续控制页面，下一次更新检查会重新安装。
func (r *Registration) activateWaiting(ctx context.Context) error {
	r.mu.Lock()
	w := r.waiting
	r.mu.Unlock()
	if w == nil {
		return nil
	}

	w.setState(StateActivating)
	r.logTransition(ctx, w, StateActivating)

	if err := w.manager.Activate(ctx); err != nil {
		w.setState(StateRedundant)
		r.mu.Lock()
		if r.waiting == w {
			r.waiting = nil
		}
		if r.controller == w {
			r.controller = r.active
		}
		r.mu.Unlock()
		r.recordError(err)
		r.logTransition(ctx, w, StateRedundant)
		return err
	}

	w.setState(StateActivated)
	r.mu.Lock()
	previous := r.active
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	r.lastErr = nil
	r.updates++
	r.mu.Unlock()

	if previous != nil && previous != w {
		previous.setState(StateRedundant)
		r.logTransition(ctx, previous, StateRedundant)
	}
	r.logTransition(ctx, w, StateActivated)
	return nil
}

func (r *Registration) claim(w *Worker) {
	r.mu.Lock()
	r.controller = w
	r.mu.Unlock()
}

// Controller 返回当前控制页面的 worker，尚未 claim 时为 nil。
func (r *Registration) Controller() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controller
}

// Active 返回已激活的 worker。
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Fetch 交给控制页面的 worker 处理；没有 controller 时请求不被拦截。
func (r *Registration) Fetch(ctx context.Context, req *assetcache.Request) (assetcache.FetchResult, error) {
	controller := r.Controller()
	if controller == nil {
		return assetcache.FetchResult{}, nil
	}
	return controller.manager.Fetch(ctx, req)
}

// PostMessage 把页面消息交给 worker。skipWaiting 作用于 waiting 版本，其余命令交给 active 版本。
func (r *Registration) PostMessage(ctx context.Context, data string) error {
	data = strings.TrimSpace(data)
	if data == assetcache.MessageSkipWaiting {
		r.lifecycle.Lock()
		defer r.lifecycle.Unlock()

		r.mu.RLock()
		waiting := r.waiting
		r.mu.RUnlock()
		if waiting != nil {
			if err := waiting.manager.HandleMessage(ctx, data); err != nil {
				return err
			}
			return r.activateWaiting(ctx)
		}
	}

	active := r.Active()
	if active == nil {
		return ErrNoActiveWorker
	}
	return active.manager.HandleMessage(ctx, data)
}

// Check 从 source 读取清单并执行一次更新检查。
func (r *Registration) Check(ctx context.Context, source manifest.Source) (bool, error) {
	m, err := source.Load(ctx)
	if err != nil {
		err = fmt.Errorf("load manifest from %s: %w", source.Describe(), err)
		r.mu.Lock()
		r.lastCheck = time.Now()
		r.mu.Unlock()
		r.recordError(err)
		return false, err
	}
	return r.Update(ctx, m)
}

// Run 立即执行一次更新检查，之后按 interval 周期检查，直到 ctx 结束。
func (r *Registration) Run(ctx context.Context, source manifest.Source, interval time.Duration) error {
	r.runCheck(ctx, source)
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.runCheck(ctx, source)
		}
	}
}

func (r *Registration) runCheck(ctx context.Context, source manifest.Source) {
	updated, err := r.Check(ctx, source)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.WithContext(ctx).WithFields(logrus.Fields{
			"action": "update_check",
			"source": source.Describe(),
			"error":  err.Error(),
		}).Warn("update_check_failed")
		return
	}
	if updated {
		r.logger.WithContext(ctx).WithFields(logrus.Fields{
			"action":  "update_check",
			"source":  source.Describe(),
			"version": r.Active().Version(),
		}).Info("worker_updated")
	}
}

func (r *Registration) recordError(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

func (r *Registration) logTransition(ctx context.Context, w *Worker, state State) {
	fields := logging.LifecycleFields("worker_state", w.Version(), w.manager.Origin())
	fields["state"] = string(state)
	r.logger.WithContext(ctx).WithFields(fields).Info("worker_state_changed")
}
