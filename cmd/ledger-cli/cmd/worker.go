package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ledger-core/internal/worker"
	"ledger-core/pkg/utils/lock"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "运行调度算法 (settle, void, credit-payoff)",
	Long: `按租约调度运行一个或多个算法。
--once 只运行一轮后退出; --target 只处理指定记录并返回其错误。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		algorithms, _ := cmd.Flags().GetStringSlice("algorithm")
		once, _ := cmd.Flags().GetBool("once")
		target, _ := cmd.Flags().GetString("target")

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		if len(algorithms) == 0 {
			algorithms = c.Config.Worker.Algorithms
		}

		if once || target != "" {
			for _, algo := range algorithms {
				n, err := c.Scheduler.RunOnce(cmd.Context(), algo, target)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: processed %d\n", algo, n)
				if err != nil {
					return err
				}
			}
			return nil
		}

		wc := c.Config.Worker
		runner := worker.NewRunner(c.Scheduler, c.WorkerID, wc.RescheduleDelay, wc.LeaseExpiration, lock.NewRedisLock(c.Redis))
		if err := runner.Start(algorithms); err != nil {
			return err
		}
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		runner.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringSliceP("algorithm", "a", nil, "算法名, 可重复 (默认取配置 worker.algorithms)")
	workerCmd.Flags().Bool("once", false, "只运行一轮")
	workerCmd.Flags().String("target", "", "只处理该记录 ID")
}
