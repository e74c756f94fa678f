package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"yqhp/deployer/internal/sequencer"
)

func newStopCmd(g *globalOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:     "stop",
		Short:   "在全部节点上执行清理，停止角色进程",
		Example: `  deployer stop -c plan.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			extra := map[string]string{}
			if dryRun {
				extra["runtime.dry_run"] = "true"
			}
			p, err := g.loadPlan(extra)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, err := sequencer.New(p, newRunner(p.Config())).Stop(ctx)
			if !g.quiet {
				out := cmd.OutOrStdout()
				for _, t := range report.Tasks {
					fmt.Fprintf(out, "  %-24s %s\n", t.Command.Node, t.State)
				}
			}
			if err != nil {
				return fmt.Errorf("清理存在失败: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "只记录命令，不实际执行")
	return cmd
}
