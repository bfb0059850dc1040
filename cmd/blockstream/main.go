package main

import (
	"context"
	"os"

	"github.com/tendermint/blockstream/cmd/blockstream/commands"
	"github.com/tendermint/blockstream/config"
	"github.com/tendermint/blockstream/libs/log"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf := config.DefaultConfig()
	logger := log.MustNewDefaultLogger(conf.LogFormat, conf.LogLevel)

	rootCmd := commands.RootCommand(conf, logger)
	rootCmd.AddCommand(
		commands.MakeInitFilesCommand(conf, logger),
		commands.NewRunNodeCmd(conf, logger),
		commands.MakeInspectBufferCommand(conf),
		commands.VersionCmd,
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}
