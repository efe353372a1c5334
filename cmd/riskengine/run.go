package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trades-risk/internal/app"
	"trades-risk/internal/config"
	"trades-risk/internal/exit"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "启动引擎并阻塞直到收到退出信号",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				engineApp, err := app.New(ctx, rt.cfg, rt.logger, rt.store)
				if err != nil {
					return err
				}
				if err := engineApp.Run(ctx); err != nil {
					rt.logger.Error("系统运行异常", zap.Error(err))
					return err
				}
				rt.logger.Info("系统已安全退出")
				return nil
			})
		},
	}
}

func newTuneCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "tune",
		Short: "按回看窗口执行一次出场参数调优",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				cfg := rt.cfg
				if dryRun {
					current := cfg.Current()
					current.Tuner.DryRun = true
					cfg = config.NewStaticStore(current)
				}

				engineApp, err := app.New(ctx, cfg, rt.logger, rt.store)
				if err != nil {
					return err
				}
				report, err := engineApp.Tuner().RunLookback(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "events=%d symbols=%d skipped=%d adjustments=%d persisted=%d dry_run=%v\n",
					report.Events, len(report.Stats), len(report.Skipped), len(report.Adjustments), len(report.Persisted), report.DryRun)
				for _, adj := range report.Adjustments {
					fmt.Fprintf(out, "  %s %s %s: %.6f -> %.6f\n", adj.Symbol, adj.Rule, adj.Field, adj.Before, adj.After)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "只输出调整建议，不写入策略表")
	return cmd
}

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "导入或导出出场策略",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "export <file>",
		Short: "将当前出场策略写入 YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				policies, err := exit.NewSQLitePolicyStore(ctx, rt.store, rt.cfg, rt.logger)
				if err != nil {
					return err
				}
				set, err := policies.Snapshot(ctx)
				if err != nil {
					return err
				}
				if err := exit.WritePolicyYAML(args[0], set); err != nil {
					return err
				}
				rt.logger.Info("出场策略已导出", zap.String("path", args[0]), zap.Int("symbols", len(set.Symbols)))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "从 YAML 导入交易对出场策略",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				policies, err := exit.NewSQLitePolicyStore(ctx, rt.store, rt.cfg, rt.logger)
				if err != nil {
					return err
				}
				set, err := exit.LoadPolicyYAML(args[0])
				if err != nil {
					return err
				}
				n, err := policies.Import(ctx, set)
				if err != nil {
					return err
				}
				rt.logger.Info("出场策略已导入", zap.String("path", args[0]), zap.Int("symbols", n))
				return nil
			})
		},
	})
	return cmd
}
