package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ledger-core/internal/event"
	"ledger-core/internal/service/mq"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "订阅并打印账本事件",
	RunE: func(cmd *cobra.Command, args []string) error {
		group, _ := cmd.Flags().GetString("group")
		c, err := connect(cmd)
		if err != nil {
			return err
		}

		consumer, err := mq.NewConsumer(c.Config.Redis.MQType, c.Redis, c.Config.Kafka, group, c.WorkerID)
		if err != nil {
			return err
		}
		defer consumer.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		return consumer.Subscribe(ctx, event.Topic, func(msg *mq.Message) error {
			_, err := fmt.Fprintf(out, "%s %s\n", msg.Key, msg.Payload)
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().String("group", "ledger-cli", "消费者组")
}
