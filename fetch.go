package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/any-hub/tcz-cache/internal/index"
	"github.com/any-hub/tcz-cache/internal/logging"
	"github.com/any-hub/tcz-cache/internal/mirror"
)

// fetchOptions 对应 fetch 子命令的参数。
type fetchOptions struct {
	configPath string
	version    string
	arch       string
	name       string
	outPath    string
}

func newFetchCommand(code *int, configFlag *string) *cobra.Command {
	opts := fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch <index|file>",
		Short: "通过缓存读取一个索引（输出 JSON）或包文件",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			opts.configPath = resolveConfigPath(*configFlag)
			opts.name = args[0]
			*code = runFetch(opts)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.version, "version", "", "发行版本，例如 15.x")
	cmd.Flags().StringVar(&opts.arch, "arch", "x86", "架构，例如 x86 / x86_64")
	cmd.Flags().StringVar(&opts.outPath, "out", "", "包文件输出路径（默认写到 stdout）")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

// runFetch 执行一次性读取并返回退出码。
func runFetch(opts fetchOptions) int {
	cfg, logger, err := loadRuntime(opts.configPath, true)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}
	if cfg.Global.LogFilePath == "" {
		// stdout 留给索引 JSON 或文件正文。
		logger.SetOutput(stdErr)
	}
	svc, store, err := buildService(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化镜像服务失败: %v\n", err)
		return 1
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fields := logging.BaseFields("fetch", opts.configPath)
	fields["version"] = opts.version
	fields["arch"] = opts.arch
	fields["artifact"] = opts.name

	if kind, _, ok := index.Resolve(opts.name); ok {
		value, err := fetchIndexValue(ctx, svc, kind, opts.version, opts.arch)
		if err != nil {
			fmt.Fprintf(stdErr, "读取索引失败: %v\n", err)
			return 1
		}
		enc := json.NewEncoder(stdOut)
		enc.SetIndent("", "  ")
		if err := enc.Encode(value); err != nil {
			fmt.Fprintf(stdErr, "输出失败: %v\n", err)
			return 1
		}
		logger.WithFields(fields).Debug("fetch_complete")
		return 0
	}

	if err := fetchFile(ctx, svc, opts); err != nil {
		fmt.Fprintf(stdErr, "读取文件失败: %v\n", err)
		return 1
	}
	logger.WithFields(fields).Debug("fetch_complete")
	return 0
}

func fetchIndexValue(ctx context.Context, svc *mirror.Service, kind index.Kind, version, arch string) (any, error) {
	switch kind {
	case index.KindPackageList:
		res, err := svc.PackageList(ctx, version, arch)
		if err != nil {
			return nil, err
		}
		return res.Value, nil
	case index.KindMd5DB:
		res, err := svc.Md5DB(ctx, version, arch)
		if err != nil {
			return nil, err
		}
		return res.Value, nil
	case index.KindSizeList:
		res, err := svc.SizeList(ctx, version, arch)
		if err != nil {
			return nil, err
		}
		return res.Value, nil
	case index.KindTagsDB:
		res, err := svc.TagsDB(ctx, version, arch)
		if err != nil {
			return nil, err
		}
		return res.Value, nil
	case index.KindProvidesDB:
		res, err := svc.ProvidesDB(ctx, version, arch)
		if err != nil {
			return nil, err
		}
		return res.Value, nil
	default:
		return nil, fmt.Errorf("unknown index kind %s", kind)
	}
}

// fetchFile 将包文件写到 --out 或 stdout；写文件时先写临时文件再改名。
func fetchFile(ctx context.Context, svc *mirror.Service, opts fetchOptions) error {
	if opts.outPath == "" {
		_, err := svc.GetFile(ctx, opts.version, opts.arch, opts.name, stdOut, nil)
		return err
	}

	dir := filepath.Dir(opts.outPath)
	tmp, err := os.CreateTemp(dir, ".tcz-fetch-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := svc.GetFile(ctx, opts.version, opts.arch, opts.name, tmp, nil); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, opts.outPath)
}
