package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"yqhp/deployer/internal/partition"
)

func newPartitionCmd(g *globalOptions) *cobra.Command {
	var shards int

	cmd := &cobra.Command{
		Use:   "partition <source>",
		Short: "把数据文件按行轮转切分为 N 个分片",
		Long: `第 i 行写入分片 i mod N，分片文件名为源文件名加分片序号，
例如 train.txt0、train.txt1。已存在的分片会被覆盖。`,
		Example: `  deployer partition ../YearPredictionMSD.txt.train -n 4`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := g.loadConfig(nil); err != nil {
				return err
			}

			stats, err := partition.PartitionWithStats(args[0], shards)
			if err != nil {
				return fmt.Errorf("数据切分失败: %w", err)
			}

			if !g.quiet {
				out := cmd.OutOrStdout()
				for i, path := range stats.Shards {
					fmt.Fprintf(out, "  %s\t%d\n", path, stats.Lines[i])
				}
				fmt.Fprintf(out, "  共 %d 行, %d 个分片\n", stats.Total, len(stats.Shards))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&shards, "num", "n", 0, "分片数")
	_ = cmd.MarkFlagRequired("num")
	return cmd
}
