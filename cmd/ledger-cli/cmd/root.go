package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ledger-core/internal/bootstrap"
	"ledger-core/pkg/config"
	"ledger-core/pkg/errno"
	"ledger-core/pkg/logger"
)

var (
	cfgFile   string
	container *bootstrap.Container
)

// rootCmd 代表基础命令，没有子命令时直接调用
var rootCmd = &cobra.Command{
	Use:   "ledger-cli",
	Short: "账本运维命令行工具",
	Long: `ledger-cli 直接对账本存储执行结算、作废、信用额度和调度操作。
所有命令都走与 worker 相同的条件写路径, 可以和运行中的 worker 并存。`,
	SilenceUsage: true,
}

// Execute 将所有子命令添加到根命令并设置标志
func Execute() {
	defer func() {
		if container != nil {
			container.Close()
		}
		logger.Sync()
	}()
	if err := rootCmd.Execute(); err != nil {
		code, msg := errno.Decode(err)
		fmt.Fprintf(os.Stderr, "error %d: %s\n", code, msg)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径 (默认 ./config.yaml)")
}

// connect loads the configuration and builds the ledger components once.
func connect(cmd *cobra.Command) (*bootstrap.Container, error) {
	if container != nil {
		return container, nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.App.Env)
	c, err := bootstrap.New(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}
	container = c
	return c, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
