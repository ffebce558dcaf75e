package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/tcz-cache/internal/cache"
	"github.com/any-hub/tcz-cache/internal/config"
	"github.com/any-hub/tcz-cache/internal/logging"
	"github.com/any-hub/tcz-cache/internal/mirror"
	"github.com/any-hub/tcz-cache/internal/server"
	"github.com/any-hub/tcz-cache/internal/server/routes"
	"github.com/any-hub/tcz-cache/internal/upstream"
	"github.com/any-hub/tcz-cache/internal/version"
)

const (
	// configEnv 可覆盖默认配置路径，优先级低于 --config。
	configEnv         = "TCZ_CACHE_CONFIG"
	defaultConfigPath = "config.toml"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute 构建 cobra 命令树并返回退出码；参数错误返回 2。
func execute(args []string) int {
	code := 0
	root := newRootCommand(&code)
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 2
	}
	return code
}

func newRootCommand(code *int) *cobra.Command {
	var configFlag string

	root := &cobra.Command{
		Use:           "tcz-cache",
		Short:         "Tiny Core 仓库镜像的条件请求缓存",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			*code = run(cliOptions{configPath: resolveConfigPath(configFlag)})
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			*code = run(cliOptions{configPath: resolveConfigPath(configFlag)})
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "仅校验配置后退出",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			*code = run(cliOptions{configPath: resolveConfigPath(configFlag), checkOnly: true})
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本信息",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			*code = run(cliOptions{showVersion: true})
			return nil
		},
	})
	root.AddCommand(newFetchCommand(code, &configFlag))
	return root
}

// resolveConfigPath 结合 flag 与环境变量计算最终的配置路径。
func resolveConfigPath(flagValue string) string {
	path := os.Getenv(configEnv)
	if flagValue != "" {
		path = flagValue
	}
	if path == "" {
		path = defaultConfigPath
	}
	return path
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, logger, err := loadRuntime(opts.configPath, false)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["upstream"] = cfg.Mirror.Upstream
		fields["metadata_backend"] = cfg.Global.MetadataBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 元数据存储/正文缓存 → 上游 Fetcher → Mirror Service → Fiber server。
	svc, store, err := buildService(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化镜像服务失败: %v\n", err)
		return 1
	}
	defer store.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["upstream"] = cfg.Mirror.Upstream
	fields["listen_port"] = cfg.Global.ListenPort
	fields["metadata_backend"] = cfg.Global.MetadataBackend
	fields["compressed"] = cfg.Mirror.Compressed
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, svc, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// loadRuntime 加载配置并初始化日志。allowDefault 为 true 且默认配置文件不存在时使用内置默认值。
func loadRuntime(configPath string, allowDefault bool) (*config.Config, *logrus.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if allowDefault && configPath == defaultConfigPath && !fileExists(configPath) {
		cfg, err = config.Default()
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, nil
}

// buildService 按配置组装 Mirror Service，调用方负责关闭返回的 Store。
func buildService(cfg *config.Config, logger *logrus.Logger) (*mirror.Service, cache.Store, error) {
	fetcher, err := upstream.NewFetcher(upstream.Options{
		BaseURL:   cfg.Mirror.Upstream,
		Client:    upstream.NewUpstreamClient(cfg),
		UserAgent: cfg.Global.UserAgent,
		ChunkSize: cfg.Global.ChunkSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	blobs, err := cache.NewBlobStore(cfg.BlobPath())
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	svc, err := mirror.NewService(mirror.Options{
		Fetcher:    fetcher,
		Store:      store,
		Blobs:      blobs,
		Compressed: cfg.Mirror.Compressed,
		Logger:     logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return svc, store, nil
}

func openStore(cfg *config.Config) (cache.Store, error) {
	switch cfg.Global.MetadataBackend {
	case config.BackendMemory:
		return cache.NewMemoryStore(), nil
	case config.BackendLevelDB:
		store, err := cache.OpenLevelStore(cfg.MetadataPath())
		if err != nil {
			return nil, fmt.Errorf("打开元数据存储失败: %w", err)
		}
		return store, nil
	default:
		return nil, errors.New("unknown metadata backend: " + cfg.Global.MetadataBackend)
	}
}

func startHTTPServer(cfg *config.Config, svc *mirror.Service, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Mirror:     svc,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterStatusRoutes(app, routes.Status{
		Upstream:        cfg.Mirror.Upstream,
		MetadataBackend: cfg.Global.MetadataBackend,
		Compressed:      svc.Compressed(),
		ListenPort:      port,
	})

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
