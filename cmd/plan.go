package cmd

import (
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"yqhp/deployer/internal/plan"
)

func newPlanCmd(g *globalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "按阶段打印将要执行的全部命令",
		Example: `  deployer plan -c plan.yaml
  deployer plan -c plan.yaml --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.loadPlan(nil)
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), p, format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "输出格式 (text, json, yaml)")
	return cmd
}

func printPlan(out io.Writer, p *plan.Plan, format string) error {
	stages := p.Stages()

	switch format {
	case "json":
		data, err := sonic.MarshalIndent(stages, "", "  ")
		if err != nil {
			return fmt.Errorf("序列化计划失败: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	case "yaml":
		data, err := yaml.Marshal(stages)
		if err != nil {
			return fmt.Errorf("序列化计划失败: %w", err)
		}
		_, err = out.Write(data)
		return err
	case "text":
		for _, s := range stages {
			if s.Settle > 0 {
				fmt.Fprintf(out, "# %s (settle %s)\n", s.Phase, s.Settle)
			} else {
				fmt.Fprintf(out, "# %s\n", s.Phase)
			}
			for _, c := range s.Commands {
				fmt.Fprintln(out, c.Line)
			}
			fmt.Fprintln(out)
		}
		return nil
	default:
		return fmt.Errorf("不支持的输出格式: %s (可选: text, json, yaml)", format)
	}
}
