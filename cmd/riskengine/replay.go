package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"trades-risk/internal/backtest"
	"trades-risk/internal/exit"
)

func newReplayCmd() *cobra.Command {
	var (
		symbol       string
		regime       string
		equity       float64
		riskFraction float64
	)
	cmd := &cobra.Command{
		Use:   "replay <paths.yaml>",
		Short: "用当前出场策略回放 ROI 路径",
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
				paths, err := backtest.LoadPathsYAML(args[0])
				if err != nil {
					return err
				}

				engine, err := backtest.NewEngine(backtest.Config{
					Params:        set.Resolve(symbol, regime),
					InitialEquity: equity,
					RiskFraction:  riskFraction,
				}, backtest.NewSlicePathProvider(paths), rt.logger)
				if err != nil {
					return err
				}
				result, err := engine.Run(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "paths=%d total_return=%.4f avg_roi=%.5f win_rate=%.2f max_drawdown=%.4f sharpe=%.3f\n",
					len(result.Paths), result.Metrics.TotalReturn, result.Metrics.AvgROI, result.Metrics.WinRate,
					result.Metrics.MaxDrawdown, result.Metrics.SharpeRatio)
				for action, n := range result.Actions {
					fmt.Fprintf(out, "  %s=%d\n", action, n)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "按该交易对解析出场参数，为空时使用全局默认")
	cmd.Flags().StringVar(&regime, "regime", "", "按该行情状态解析出场参数")
	cmd.Flags().Float64Var(&equity, "equity", 10000, "初始净值")
	cmd.Flags().Float64Var(&riskFraction, "risk-fraction", 0.1, "每条路径占用的净值比例")
	return cmd
}
