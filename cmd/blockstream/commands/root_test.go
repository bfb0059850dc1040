package commands

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/blockstream/config"
	"github.com/tendermint/blockstream/internal/blockbuffer"
	"github.com/tendermint/blockstream/internal/blocknode"
	"github.com/tendermint/blockstream/libs/cli"
	"github.com/tendermint/blockstream/libs/log"
	bsos "github.com/tendermint/blockstream/libs/os"
	bsproto "github.com/tendermint/blockstream/proto/blockstream"
)

// clearConfig clears env vars, the given root dir, and resets viper.
func clearConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	require.NoError(t, os.Unsetenv("BSHOME"))
	require.NoError(t, os.Unsetenv("BS_HOME"))
	require.NoError(t, os.RemoveAll(dir))

	viper.Reset()
	conf := config.DefaultConfig()
	conf.SetRoot(dir)

	return conf
}

// testRootCmd returns a root command with a subcommand that does nothing, so
// that the persistent hooks run.
func testRootCmd(conf *config.Config) *cobra.Command {
	cmd := RootCommand(conf, log.NewNopLogger())
	cmd.AddCommand(&cobra.Command{
		Use:  "noop",
		RunE: func(*cobra.Command, []string) error { return nil },
	})
	return cmd
}

func testSetup(ctx context.Context, t *testing.T, conf *config.Config, args []string, env map[string]string) error {
	t.Helper()

	cmd := testRootCmd(conf)
	viper.Set(cli.HomeFlag, conf.RootDir)

	return RunWithArgs(ctx, cmd, append([]string{"noop"}, args...), env)
}

// RunWithArgs executes the given command with the specified command line args
// and environmental variables set. It returns any error returned from cmd.Execute()
func RunWithArgs(ctx context.Context, cmd *cobra.Command, args []string, env map[string]string) error {
	oenv := map[string]string{}
	// defer returns the environment back to normal
	defer func() {
		for k, v := range oenv {
			os.Setenv(k, v)
		}
	}()

	for k, v := range env {
		// backup old value if there, to restore at end
		oenv[k] = os.Getenv(k)
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}

	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func TestRootHome(t *testing.T) {
	defaultRoot := t.TempDir()
	newRoot := filepath.Join(defaultRoot, "something-else")
	cases := []struct {
		args []string
		env  map[string]string
		root string
	}{
		{nil, nil, defaultRoot},
		{[]string{"--home", newRoot}, nil, newRoot},
		{nil, map[string]string{"BSHOME": newRoot}, newRoot},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i, tc := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			conf := clearConfig(t, tc.root)

			err := testSetup(ctx, t, conf, tc.args, tc.env)
			require.NoError(t, err)

			require.Equal(t, tc.root, conf.RootDir)
			require.Equal(t, tc.root, conf.Buffer.RootDir)
			require.Equal(t, tc.root, conf.Connection.RootDir)
			require.DirExists(t, filepath.Join(tc.root, "config"))
		})
	}
}

func TestRootFlagsEnv(t *testing.T) {
	defaults := config.DefaultConfig()
	defaultDir := t.TempDir()

	cases := []struct {
		args     []string
		env      map[string]string
		logLevel string
	}{
		{nil, nil, defaults.LogLevel},
		{[]string{"--log-level", "debug"}, nil, "debug"},
		{nil, map[string]string{"BS_LOG_LEVEL": "error"}, "error"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i, tc := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			conf := clearConfig(t, defaultDir)

			err := testSetup(ctx, t, conf, tc.args, tc.env)
			require.NoError(t, err)

			assert.Equal(t, tc.logLevel, conf.LogLevel)
		})
	}
}

func TestRootConfig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cases := []struct {
		args        []string
		logLvl      string
		blockPeriod time.Duration
	}{
		{nil, "debug", 500 * time.Millisecond},                      // should load config
		{[]string{"--log-level=info"}, "info", 500 * time.Millisecond}, // flag over rides
	}

	for i, tc := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			defaultRoot := t.TempDir()
			conf := clearConfig(t, defaultRoot)

			// write a non-default config
			fileConf := config.DefaultConfig()
			fileConf.LogLevel = "debug"
			fileConf.Stream.BlockPeriod = 500 * time.Millisecond
			require.NoError(t, bsos.EnsureDir(filepath.Join(defaultRoot, "config"), 0700))
			require.NoError(t, config.WriteConfigFile(defaultRoot, fileConf))

			err := testSetup(ctx, t, conf, tc.args, nil)
			require.NoError(t, err)

			require.Equal(t, tc.logLvl, conf.LogLevel)
			require.Equal(t, tc.blockPeriod, conf.Stream.BlockPeriod)
		})
	}
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf := clearConfig(t, t.TempDir())
	err := testSetup(ctx, t, conf, []string{"--log-level", "loud"}, nil)
	require.Error(t, err)
}

func TestInitFiles(t *testing.T) {
	conf := config.TestConfig()
	conf.SetRoot(t.TempDir())
	require.NoError(t, config.EnsureRoot(conf.RootDir))

	require.NoError(t, initFiles(conf, log.NewNopLogger()))

	require.FileExists(t, filepath.Join(conf.RootDir, "config", "config.toml"))
	nodes, err := blocknode.LoadNodesFile(conf.Connection.BlockNodeConfigPath())
	require.NoError(t, err)
	require.Equal(t, exampleBlockNodes, nodes)

	// existing files are kept
	custom := []blocknode.NodeConfig{{Address: "block-node-7", Port: 8080, Priority: 2}}
	require.NoError(t, blocknode.WriteNodesFile(conf.Connection.BlockNodeConfigPath(), custom))
	require.NoError(t, initFiles(conf, log.NewNopLogger()))

	nodes, err = blocknode.LoadNodesFile(conf.Connection.BlockNodeConfigPath())
	require.NoError(t, err)
	require.Equal(t, custom, nodes)
}

func TestInspectBuffer(t *testing.T) {
	conf := config.TestConfig()
	conf.SetRoot(t.TempDir())
	conf.Buffer.PersistenceBackend = blockbuffer.FileBackend

	cmd := MakeInspectBufferCommand(conf)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)

	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "no persisted blocks")

	store, err := blockbuffer.NewStore(conf.Buffer)
	require.NoError(t, err)
	closedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(&bsproto.BufferSnapshot{
		HighestAckedBlockNumber: 3,
		Blocks: []*bsproto.BufferedBlock{
			{
				BlockNumber: 3,
				Items: []*bsproto.BlockItem{
					{Kind: bsproto.ItemKindBlockHeader, BlockNumber: 3},
					{Kind: bsproto.ItemKindBlockProof, BlockNumber: 3},
				},
				ClosedTimestamp: closedAt,
				ProofSent:       true,
				Acknowledged:    true,
			},
		},
	}))

	out.Reset()
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "highest acknowledged block: 3")
	require.Contains(t, out.String(), "2024-05-01T12:00:00Z")
	require.Regexp(t, `3\s+2\s+true\s+true`, out.String())
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	VersionCmd.SetOut(&out)
	VersionCmd.SetArgs([]string{"--verbose"})
	t.Cleanup(func() { VersionCmd.SetOut(nil) })

	require.NoError(t, VersionCmd.Execute())
	require.Contains(t, out.String(), `"codec": "blockstream"`)
}
