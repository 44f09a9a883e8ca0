package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sandboxws/windist/pkg/connectors"
)

func NewProduceCommand() *cobra.Command {
	var nodes int

	command := &cobra.Command{
		Use:   "produce",
		Short: "Write the generator dataset to the Kafka source topic, one partition per node",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if nodes <= 0 {
				nodes = c.Node.Count
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			_, err = connectors.SeedKafka(ctx, c.Source.Kafka, c.Source.Generator, nodes)
			return err
		},
	}
	command.Flags().IntVar(&nodes, "nodes", 0, "Number of nodes (and topic partitions), defaults to node.count")
	return command
}
