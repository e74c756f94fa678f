// Package cmd 提供 deployer CLI 的命令实现
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"yqhp/deployer/internal/config"
	"yqhp/deployer/internal/executor"
	"yqhp/deployer/internal/plan"
	"yqhp/deployer/pkg/logger"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的标题
	Banner = `
  deployer %s
  master / server / agents / workers
`
)

// globalOptions 保存全局 flags
type globalOptions struct {
	cfgFile  string
	debug    bool
	quiet    bool
	logLevel string
	sets     []string
}

// NewRootCmd 创建根命令及全部子命令
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "deployer",
		Short: "分布式训练集群部署工具",
		Long: `deployer 按固定阶段把训练作业部署到集群：
清理旧进程、分发脚本与程序、切分并分发数据，
然后依次启动 master、server、agents 与 workers。`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// 全局 flags
	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "部署计划文件路径")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "静默模式")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "日志级别 (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringArrayVar(&opts.sets, "set", nil, "覆盖配置项 (可多次指定)，格式: path=value")

	// 禁用默认的 completion 命令
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")

	rootCmd.AddCommand(
		newDeployCmd(opts),
		newStopCmd(opts),
		newPartitionCmd(opts),
		newPlanCmd(opts),
	)
	return rootCmd
}

// Execute 执行根命令
func Execute() {
	defer logger.Sync()
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// overrides 解析 --set 及日志相关 flags 为点路径覆盖项
func (o *globalOptions) overrides(extra map[string]string) (map[string]string, error) {
	args := make(map[string]string, len(o.sets)+len(extra)+1)
	for _, s := range o.sets {
		key, value, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("无效的 --set 参数: %q (格式: path=value)", s)
		}
		args[key] = value
	}
	for k, v := range extra {
		args[k] = v
	}
	if o.logLevel != "" {
		args["logging.level"] = o.logLevel
	}
	if o.debug {
		args["logging.level"] = "debug"
	}
	return args, nil
}

// loadConfig 按 默认值 < 文件 < 环境变量 < 命令行 的顺序加载配置并初始化日志
func (o *globalOptions) loadConfig(extra map[string]string) (*config.Config, error) {
	args, err := o.overrides(extra)
	if err != nil {
		return nil, err
	}

	cfg, err := config.NewLoader().
		WithConfigPath(o.cfgFile).
		WithCmdArgs(args).
		Load()
	if err != nil {
		return nil, err
	}

	o.initLogger(&cfg.Logging)
	return cfg, nil
}

// loadPlan 加载配置并构建部署计划
func (o *globalOptions) loadPlan(extra map[string]string) (*plan.Plan, error) {
	if o.cfgFile == "" {
		return nil, fmt.Errorf("缺少部署计划文件，请使用 --config 指定")
	}
	cfg, err := o.loadConfig(extra)
	if err != nil {
		return nil, err
	}
	p, err := plan.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("部署计划无效: %w", err)
	}
	return p, nil
}

func (o *globalOptions) initLogger(cfg *config.LoggingConfig) {
	logger.Init(&logger.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
	if o.quiet && !o.debug {
		logger.SetLevel("error")
	}
}

// newRunner 根据运行时配置创建命令执行器
func newRunner(cfg *config.Config) executor.Runner {
	if cfg.Runtime.DryRun {
		return executor.NewDryRunExecutor()
	}
	var opts []executor.Option
	if cfg.Runtime.Shell != "" {
		opts = append(opts, executor.WithShell(cfg.Runtime.Shell, cfg.Runtime.ShellArgs...))
	}
	return executor.NewShellExecutor(opts...)
}
