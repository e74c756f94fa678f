package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"yqhp/deployer/internal/partition"
	"yqhp/deployer/internal/plan"
	"yqhp/deployer/internal/report"
	"yqhp/deployer/internal/sequencer"
	"yqhp/deployer/pkg/types"
)

// deployOptions 保存 deploy 命令的 flags
type deployOptions struct {
	dryRun bool
	strict bool
	report string
}

func newDeployCmd(g *globalOptions) *cobra.Command {
	opts := &deployOptions{}

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "按阶段部署并启动全部角色",
		Long: `按固定顺序执行部署：

  1. cleanup   逐个节点执行清理脚本
  2. artifacts 分发清理脚本与 worker 程序
  3. data      本地切分训练数据并分发分片与评估数据
  4. master    启动 master，等待 settle
  5. server    启动 server，等待 settle
  6. agents    启动前 worker_num 个 agent，等待 settle
  7. workers   启动前 worker_num 个 worker

角色进程启动后命令会一直等待，直到所有角色退出。`,
		Example: `  # 部署
  deployer deploy -c plan.yaml

  # 只打印将要执行的命令
  deployer deploy -c plan.yaml --dry-run

  # 任一阶段失败即停止，并写入运行报告
  deployer deploy -c plan.yaml --strict --report run.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd, g, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "只记录命令，不实际执行")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "任一阶段失败即停止")
	cmd.Flags().StringVar(&opts.report, "report", "", "输出 JSON 运行报告到文件")
	return cmd
}

func runDeploy(cmd *cobra.Command, g *globalOptions, opts *deployOptions) error {
	extra := map[string]string{}
	if opts.dryRun {
		extra["runtime.dry_run"] = "true"
	}
	if opts.strict {
		extra["runtime.strict"] = "true"
	}

	p, err := g.loadPlan(extra)
	if err != nil {
		return err
	}
	cfg := p.Config()

	// 处理关闭信号
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seqOpts := []sequencer.Option{}
	if cfg.Runtime.DryRun {
		seqOpts = append(seqOpts, sequencer.WithPartitioner(func(source string, n int) (*partition.Stats, error) {
			return partition.Describe(source, n), nil
		}))
	}
	seq := sequencer.New(p, newRunner(cfg), seqOpts...)

	out := cmd.OutOrStdout()
	if !g.quiet {
		printDeployInfo(out, p, seq.RunID(), cfg.Runtime.DryRun)
	}

	dep, runErr := seq.Run(ctx)

	var waitErr error
	if runErr == nil {
		if !g.quiet {
			fmt.Fprintln(out, "全部角色已启动，等待角色进程退出 (Ctrl-C 结束等待)...")
		}
		waitErr = dep.Wait(ctx)
	}

	if !g.quiet {
		printDeployResult(out, dep)
	}

	if opts.report != "" {
		if err := report.WriteFile(opts.report, report.Build(dep)); err != nil {
			return fmt.Errorf("写入运行报告失败: %w", err)
		}
		if !g.quiet {
			fmt.Fprintf(out, "\n运行报告已写入: %s\n", opts.report)
		}
	}

	if runErr != nil {
		return fmt.Errorf("部署终止于 %s 阶段: %w", dep.FailedPhase, runErr)
	}
	if err := multierr.Combine(dep.Err(), waitErr); err != nil {
		return fmt.Errorf("部署存在失败: %w", err)
	}
	return nil
}

func printDeployInfo(out io.Writer, p *plan.Plan, runID string, dryRun bool) {
	fmt.Fprintf(out, Banner, Version)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  运行 ID: %s\n", runID)
	fmt.Fprintf(out, "  节点数: %d\n", len(p.Nodes()))
	fmt.Fprintf(out, "  worker_num: %d\n", p.WorkerNum())
	fmt.Fprintf(out, "  master: %s\n", p.MasterAddr())
	if dryRun {
		fmt.Fprintln(out, "  模式: dry-run")
	}
	fmt.Fprintln(out)
}

func printDeployResult(out io.Writer, dep *sequencer.Deployment) {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  状态: %s\n", dep.State)
	if dep.FailedPhase != "" {
		fmt.Fprintf(out, "  终止阶段: %s\n", dep.FailedPhase)
	}
	for _, ph := range dep.Phases {
		failed := 0
		for _, t := range ph.Tasks {
			if t.State == types.TaskStateFailed {
				failed++
			}
		}
		fmt.Fprintf(out, "  %-10s 任务 %d, 失败 %d, 耗时 %s\n",
			ph.Phase, len(ph.Tasks), failed, ph.EndTime.Sub(ph.StartTime).Round(time.Millisecond))
	}
}
