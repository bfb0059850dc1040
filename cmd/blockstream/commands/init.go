package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tendermint/blockstream/config"
	"github.com/tendermint/blockstream/internal/blocknode"
	"github.com/tendermint/blockstream/libs/log"
	bsos "github.com/tendermint/blockstream/libs/os"
)

// exampleBlockNodes is written by init so that the node has something to
// connect to once a block node listens locally.
var exampleBlockNodes = []blocknode.NodeConfig{
	{Address: "localhost", Port: 40840, Priority: 0},
}

// MakeInitFilesCommand returns the command that writes the default config
// and an example block node list.
func MakeInitFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the block stream home directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return initFiles(conf, logger)
		},
	}
}

func initFiles(conf *config.Config, logger log.Logger) error {
	configFile := filepath.Join(conf.RootDir, "config", "config.toml")
	if bsos.FileExists(configFile) {
		logger.Info("Found config file", "path", configFile)
	} else {
		if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
		logger.Info("Generated config file", "path", configFile)
	}

	nodesFile := conf.Connection.BlockNodeConfigPath()
	if bsos.FileExists(nodesFile) {
		logger.Info("Found block node list", "path", nodesFile)
		return nil
	}
	if err := bsos.EnsureDir(filepath.Dir(nodesFile), 0700); err != nil {
		return err
	}
	if err := blocknode.WriteNodesFile(nodesFile, exampleBlockNodes); err != nil {
		return fmt.Errorf("writing block node list: %w", err)
	}
	logger.Info("Generated block node list", "path", nodesFile)
	return nil
}
