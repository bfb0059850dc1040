package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendermint/blockstream/config"
	"github.com/tendermint/blockstream/internal/blockbuffer"
	bsproto "github.com/tendermint/blockstream/proto/blockstream"
)

// MakeInspectBufferCommand returns the command that prints the block buffer
// persisted under the home directory.
func MakeInspectBufferCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect-buffer",
		Short: "Print the persisted block buffer",
		Long: `Print the block buffer persisted by a stopped node.

The buffer is read from the backend configured in the [buffer] section.
The node must not be running while its buffer is inspected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := blockbuffer.NewStore(conf.Buffer)
			if err != nil {
				return err
			}
			defer store.Close()

			snapshot, err := store.Load()
			if err != nil {
				return fmt.Errorf("reading block buffer: %w", err)
			}
			return printSnapshot(cmd.OutOrStdout(), snapshot)
		},
	}
}

func printSnapshot(w io.Writer, snapshot *bsproto.BufferSnapshot) error {
	if snapshot == nil || len(snapshot.Blocks) == 0 {
		_, err := fmt.Fprintln(w, "no persisted blocks")
		return err
	}

	if _, err := fmt.Fprintf(w, "highest acknowledged block: %d\n", snapshot.HighestAckedBlockNumber); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCK\tITEMS\tPROOF SENT\tACKED\tCLOSED")
	for _, block := range snapshot.Blocks {
		fmt.Fprintf(tw, "%d\t%d\t%t\t%t\t%s\n",
			block.BlockNumber,
			len(block.Items),
			block.ProofSent,
			block.Acknowledged,
			block.ClosedTimestamp.UTC().Format(time.RFC3339Nano),
		)
	}
	return tw.Flush()
}
