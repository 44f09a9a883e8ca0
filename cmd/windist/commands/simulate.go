package commands

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"

	"github.com/sandboxws/windist/pkg/cluster"
	"github.com/sandboxws/windist/pkg/connectors"
	"github.com/sandboxws/windist/pkg/metrics"
)

func NewSimulateCommand() *cobra.Command {
	var (
		nodes int
		wire  bool
	)

	command := &cobra.Command{
		Use:   "simulate",
		Short: "Run every node of a query in this process over an in-memory network",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if nodes <= 0 {
				nodes = c.Node.Count
			}
			if c.Scatter.Enabled && c.Scatter.Coordinator >= nodes {
				c.Scatter.Coordinator = 0
			}
			alloc := memory.DefaultAllocator

			if c.Metrics.Addr != "" {
				srv := metrics.ServeMetrics(c.Metrics.Addr)
				defer srv.Close()
			}

			cfg, closeEvaluator, err := clusterConfig(c, alloc)
			if err != nil {
				return err
			}
			defer closeEvaluator()

			var opts []cluster.LocalOption
			if wire || c.Transport.WireEncoding {
				opts = append(opts, cluster.WithWireEncoding())
			}
			local, err := cluster.NewLocal(nodes, alloc, cfg, sourceFactory(c), opts...)
			if err != nil {
				return err
			}
			defer local.Release()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			start := time.Now()
			if err := local.Run(ctx); err != nil {
				return err
			}
			slog.Info("simulation finished", "nodes", nodes, "elapsed", time.Since(start))

			console := connectors.NewConsole(c.Sink.MaxRows)
			console.SetWriter(cmd.OutOrStdout())
			for _, batches := range local.Outputs() {
				for _, b := range batches {
					if err := console.WriteBatch(b); err != nil {
						return err
					}
				}
			}
			slog.Info("rows emitted", "rows", console.Rows())
			return nil
		},
	}
	command.Flags().IntVar(&nodes, "nodes", 0, "Number of simulated nodes, defaults to node.count")
	command.Flags().BoolVar(&wire, "wire", false, "Encode every message as a network transport would")
	return command
}
