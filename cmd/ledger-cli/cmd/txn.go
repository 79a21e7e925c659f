package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ledger-core/internal/model"
	"ledger-core/internal/service/ledger"
	"ledger-core/pkg/money"
)

var authorizeCmd = &cobra.Command{
	Use:   "authorize",
	Short: "提交一笔交易并授权",
	Long: `从 JSON 文件读取交易请求并执行授权, 例如:
{"type":"Contract","source":"acct-a","transfers":[{"destination":"acct-b","amount":"12.50"}]}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		inputFile, _ := cmd.Flags().GetString("input")

		data, err := os.ReadFile(inputFile)
		if err != nil {
			return fmt.Errorf("读取文件失败: %w", err)
		}
		var in struct {
			ID          string     `json:"id"`
			Type        string     `json:"type"`
			Source      string     `json:"source"`
			ReferenceID string     `json:"reference_id"`
			Actor       string     `json:"actor"`
			SettleAfter *time.Time `json:"settle_after"`
			Transfers   []struct {
				Destination string `json:"destination"`
				Amount      string `json:"amount"`
				External    bool   `json:"external"`
			} `json:"transfers"`
		}
		if err := json.Unmarshal(data, &in); err != nil {
			return fmt.Errorf("解析文件失败: %w", err)
		}

		typ, err := model.ParseTxnType(in.Type)
		if err != nil {
			return err
		}
		req := ledger.AuthorizeRequest{
			ID:             in.ID,
			Type:           typ,
			Source:         in.Source,
			ReferenceID:    in.ReferenceID,
			Actor:          in.Actor,
			SysSettleAfter: in.SettleAfter,
		}
		for _, tr := range in.Transfers {
			amount, err := money.Parse(tr.Amount)
			if err != nil {
				return fmt.Errorf("amount %q: %w", tr.Amount, err)
			}
			req.Transfers = append(req.Transfers, model.Transfer{
				Source:      in.Source,
				Destination: tr.Destination,
				Amount:      amount,
				External:    tr.External,
			})
		}

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		txn, err := c.Ledger.Authorize(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(cmd, c.Gateways.BlindView(txn))
	},
}

var settleCmd = &cobra.Command{
	Use:   "settle <transaction-id>",
	Short: "结算一笔交易 (与 worker 的 settle 算法相同)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		state, err := c.Ledger.Settle(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], state)
		return nil
	},
}

var voidCmd = &cobra.Command{
	Use:   "void <transaction-id>",
	Short: "作废一笔未结算的交易",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		state, err := c.Ledger.Void(cmd.Context(), args[0], reason)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], state)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <transaction-id>",
	Short: "查看交易记录",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		txn, err := c.Ledger.Transaction(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, c.Gateways.BlindView(txn))
	},
}

func init() {
	rootCmd.AddCommand(authorizeCmd, settleCmd, voidCmd, showCmd)
	authorizeCmd.Flags().StringP("input", "i", "txn.json", "交易请求文件")
	voidCmd.Flags().String("reason", "operator request", "作废原因")
}
