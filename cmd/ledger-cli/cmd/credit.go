package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"ledger-core/pkg/money"
)

var creditCmd = &cobra.Command{
	Use:   "credit",
	Short: "信用额度管理",
}

var creditSetCmd = &cobra.Command{
	Use:   "set <account-id>",
	Short: "设置信用额度与担保金额",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limitStr, _ := cmd.Flags().GetString("limit")
		backedStr, _ := cmd.Flags().GetString("backed")
		limit, err := money.Parse(limitStr)
		if err != nil {
			return fmt.Errorf("--limit: %w", err)
		}
		backed, err := money.Parse(backedStr)
		if err != nil {
			return fmt.Errorf("--backed: %w", err)
		}

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		acct, err := c.Ledger.SetCreditLine(cmd.Context(), args[0], limit, backed)
		if err != nil {
			return err
		}
		return printJSON(cmd, acct)
	},
}

var creditDisableCmd = &cobra.Command{
	Use:   "disable <account-id>",
	Short: "停用 (或 --enable 恢复) 信用额度",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enable, _ := cmd.Flags().GetBool("enable")
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		acct, err := c.Ledger.SetCreditDisabled(cmd.Context(), args[0], !enable)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: credit enabled=%v\n", acct.ID, acct.CreditEnabled())
		return nil
	},
}

var creditSnapshotCmd = &cobra.Command{
	Use:   "snapshot <account-id>",
	Short: "查看余额与可用信用",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		snap, err := c.Ledger.BalanceSnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, snap)
	},
}

var creditPayoffCmd = &cobra.Command{
	Use:   "payoff <account-id>",
	Short: "立即尝试偿还到期的无担保信用",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		if err := c.Ledger.PayoffCredit(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: payoff submitted\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(creditCmd)
	creditCmd.AddCommand(creditSetCmd, creditDisableCmd, creditSnapshotCmd, creditPayoffCmd)

	creditSetCmd.Flags().String("limit", "0", "信用额度")
	creditSetCmd.Flags().String("backed", "0", "担保金额")
	creditDisableCmd.Flags().Bool("enable", false, "恢复信用额度")
}
