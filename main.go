package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/babycare/shellcache/internal/assetcache"
	"github.com/babycare/shellcache/internal/cache"
	"github.com/babycare/shellcache/internal/config"
	"github.com/babycare/shellcache/internal/logging"
	"github.com/babycare/shellcache/internal/manifest"
	"github.com/babycare/shellcache/internal/network"
	"github.com/babycare/shellcache/internal/proxy"
	"github.com/babycare/shellcache/internal/server"
	"github.com/babycare/shellcache/internal/server/routes"
	"github.com/babycare/shellcache/internal/telemetry"
	"github.com/babycare/shellcache/internal/version"
	"github.com/babycare/shellcache/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	lifecycle   string
	message     string
}

const (
	lifecycleInstall  = "install"
	lifecycleActivate = "activate"
	lifecycleUpdate   = "update"
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// runtimeDeps 是一次进程运行中共享的组件。
type runtimeDeps struct {
	cfg      *config.Config
	logger   *logrus.Logger
	storage  cache.Storage
	client   *http.Client
	fetcher  *network.Fetcher
	source   manifest.Source
	registry *worker.Registration
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Global.Origin
		fields["upstream"] = cfg.Global.Upstream
		fields["store_backend"] = cfg.Global.StoreBackend
		fields["manifest_source"] = describeManifestSource(cfg)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetryCfg, err := config.LoadTelemetry()
	if err != nil {
		fmt.Fprintf(stdErr, "加载追踪配置失败: %v\n", err)
		return 1
	}
	shutdownTracing, err := telemetry.Setup(ctx, telemetryCfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化追踪失败: %v\n", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("tracing_shutdown_failed")
		}
	}()

	// CLI 启动遵循“配置 → 缓存后端 → 网络层 → worker registration → Fiber server”顺序，
	// 保证页面请求、更新检查与运维接口共享同一个 registration 与缓存实例。
	deps, err := buildRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}
	defer deps.storage.Close()

	if opts.lifecycle != "" || opts.message != "" {
		return runOneShot(ctx, opts, deps)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Global.Origin
	fields["upstream"] = cfg.Global.Upstream
	fields["store_backend"] = cfg.Global.StoreBackend
	fields["manifest_source"] = deps.source.Describe()
	fields["tracing"] = telemetryCfg.Active()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(ctx, deps); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func buildRuntime(cfg *config.Config, logger *logrus.Logger) (*runtimeDeps, error) {
	storage, err := cache.OpenBackend(cfg.Global.StoreBackend, cache.BackendOptions{
		Path:     cfg.Global.StoragePath,
		Compress: cfg.Global.CompressBodies,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	client := server.NewUpstreamClient(cfg)
	fetcher, err := network.New(network.Options{
		Client:         client,
		Origin:         cfg.Global.Origin,
		Upstream:       cfg.Global.Upstream,
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
		Logger:         logger,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	content, temp, manifestName := cfg.Global.BucketNames()
	registry, err := worker.NewRegistration(worker.Options{
		Storage:     storage,
		Fetcher:     fetcher,
		Origin:      cfg.Global.Origin,
		Names:       assetcache.BucketNames{Content: content, Temp: temp, Manifest: manifestName},
		Concurrency: cfg.Global.FetchConcurrency,
		Logger:      logger,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	return &runtimeDeps{
		cfg:      cfg,
		logger:   logger,
		storage:  storage,
		client:   client,
		fetcher:  fetcher,
		source:   manifestSource(cfg, client),
		registry: registry,
	}, nil
}

func manifestSource(cfg *config.Config, client *http.Client) manifest.Source {
	if cfg.Global.ManifestFromUpstream() {
		return manifest.NewUpstreamSource(client, cfg.Global.Upstream)
	}
	return manifest.FileSource{Path: cfg.Global.ManifestPath}
}

func describeManifestSource(cfg *config.Config) string {
	return manifestSource(cfg, nil).Describe()
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		lifecycle  string
		message    string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&lifecycle, "lifecycle", "", "执行一次生命周期事件后退出：install|activate|update")
	fs.StringVar(&message, "message", "", "向 worker 发送一条消息后退出：skipWaiting|downloadOffline")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	lifecycle = strings.ToLower(strings.TrimSpace(lifecycle))
	switch lifecycle {
	case "", lifecycleInstall, lifecycleActivate, lifecycleUpdate:
	default:
		return cliOptions{}, fmt.Errorf("未知的生命周期事件 %q（可选 install|activate|update）", lifecycle)
	}
	message = strings.TrimSpace(message)
	if lifecycle != "" && message != "" {
		return cliOptions{}, errors.New("-lifecycle 与 -message 不能同时使用")
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		lifecycle:   lifecycle,
		message:     message,
	}, nil
}

// serve 启动 HTTP 服务与后台更新检查，ctx 结束时优雅退出。
func serve(ctx context.Context, deps *runtimeDeps) error {
	cfg := deps.cfg
	logger := deps.logger
	port := cfg.Global.ListenPort

	route, err := server.NewSiteRoute(cfg)
	if err != nil {
		return err
	}
	handler := proxy.NewHandler(deps.client, logger, deps.registry)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Route:      route,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterLifecycleRoutes(app, deps.registry, deps.source, deps.cfg.Global.AdminToken)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return deps.registry.Run(groupCtx, deps.source, cfg.Global.UpdateInterval.DurationValue())
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return app.ShutdownWithTimeout(10 * time.Second)
	})
	group.Go(func() error {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil {
			return err
		}
		return context.Canceled
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
