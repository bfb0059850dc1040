package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tendermint/blockstream/config"
	"github.com/tendermint/blockstream/libs/log"
	"github.com/tendermint/blockstream/node"
)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a block stream node
func AddNodeFlags(cmd *cobra.Command, conf *config.Config) {
	// stream flags
	cmd.Flags().Duration("stream.block-period", conf.Stream.BlockPeriod, "expected interval between blocks")
	cmd.Flags().Int("stream.block-item-batch-size", conf.Stream.BlockItemBatchSize,
		"maximum number of block items per request")

	// buffer flags
	cmd.Flags().Duration("buffer.block-ttl", conf.Buffer.BlockTTL, "how long acknowledged blocks are kept")
	cmd.Flags().Bool("buffer.persistence-enabled", conf.Buffer.PersistenceEnabled,
		"persist the block buffer across restarts")

	// connection flags
	cmd.Flags().String("connection.block-node-config-file", conf.Connection.BlockNodeConfigFile,
		"name of the block node list inside the config directory (.json or .toml)")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus, "serve Prometheus metrics")
	cmd.Flags().String("instrumentation.prometheus-listen-addr", conf.Instrumentation.PrometheusListenAddr,
		"Prometheus listen address")
}

// NewRunNodeCmd returns the command that starts a node. With --simulate a
// synthetic producer feeds the node one block per block period.
func NewRunNodeCmd(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the block stream node",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			simulate, err := cmd.Flags().GetBool("simulate")
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, conf, logger, simulate)
		},
	}

	AddNodeFlags(cmd, conf)
	cmd.Flags().Bool("simulate", false, "produce synthetic blocks")
	return cmd
}

func runNode(ctx context.Context, conf *config.Config, logger log.Logger, simulate bool) error {
	n, err := node.New(conf, logger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	logger.Info("started node", "node", n.String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.Wait()
		return nil
	})

	if simulate {
		sim := node.NewSimulator(logger.With("module", "simulator"), n.BlockBuffer(), conf.Stream.BlockPeriod)
		if err := sim.Start(ctx); err != nil {
			n.Stop()
			return fmt.Errorf("failed to start simulator: %w", err)
		}
		g.Go(func() error {
			sim.Wait()
			return nil
		})
	}

	return g.Wait()
}
