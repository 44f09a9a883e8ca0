package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"

	"github.com/sandboxws/windist/pkg/cluster"
	"github.com/sandboxws/windist/pkg/connectors"
	"github.com/sandboxws/windist/pkg/graph"
	"github.com/sandboxws/windist/pkg/metrics"
)

func NewRunCommand() *cobra.Command {
	var shutdownTimeout time.Duration

	command := &cobra.Command{
		Use:   "run",
		Short: "Run one node of a distributed window query",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			log := slog.Default().With("query", c.Query.ID, "node", c.Node.Index)
			alloc := memory.DefaultAllocator

			if c.Metrics.Addr != "" {
				srv := metrics.ServeMetrics(c.Metrics.Addr)
				defer srv.Close()
				log.Info("serving metrics", "addr", c.Metrics.Addr)
			}

			cfg, closeEvaluator, err := clusterConfig(c, alloc)
			if err != nil {
				return err
			}
			defer closeEvaluator()

			transport, err := newTransport(c, alloc)
			if err != nil {
				return err
			}
			defer transport.Close()

			console := connectors.NewConsole(c.Sink.MaxRows)
			console.SetWriter(cmd.OutOrStdout())
			node, err := cluster.NewNode(c.Node.Index, c.Node.Count, alloc, transport, cfg,
				sourceFactory(c), sinkFactory(c, console))
			if err != nil {
				return err
			}

			log.Info("starting node", "nodes", c.Node.Count, "transport", c.Transport.Kind,
				"preceding", cfg.Window.Preceding, "following", cfg.Window.Following)
			start := time.Now()
			if err := graph.RunWithGracefulShutdown(context.Background(), node, shutdownTimeout); err != nil {
				log.Error("node failed", "error", err)
				return err
			}
			log.Info("node finished", "elapsed", time.Since(start), "dropped_messages", node.Dropped())
			return nil
		},
	}
	command.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second,
		"How long to wait for the node to stop after SIGTERM")
	return command
}
