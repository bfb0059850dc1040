package config

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/creachadair/atomicfile"

	bsos "github.com/tendermint/blockstream/libs/os"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"StringsJoin": strings.Join,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist,
// and returns an error if it fails.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := bsos.EnsureDir(dir, defaultDirPerm); err != nil {
			return err
		}
	}
	return nil
}

// WriteConfigFile renders config using the template and writes it to
// the default location under rootDir. This function is called by
// cmd/blockstream/commands/init.go
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all. The file is replaced atomically.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	if _, err := atomicfile.WriteAll(path, &buffer, 0644); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// WriteDefaultConfigFileIfNone writes the default config.toml unless one
// already exists.
func WriteDefaultConfigFileIfNone(rootDir string) error {
	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if !bsos.FileExists(configFilePath) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/blockstream/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.blockstream" by default, but could be changed via $BSHOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# Output level for logging, including package level options
log-level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log-format = "{{ .BaseConfig.LogFormat }}"

#######################################################################
###                 Advanced Configuration Options                  ###
#######################################################################

#######################################################
###          Block Streaming Configuration Options  ###
#######################################################
[stream]

# Expected interval between produced blocks. Together with the buffer
# TTL it determines the ideal number of buffered blocks.
block-period = "{{ .Stream.BlockPeriod }}"

# Maximum number of block items packed into a single request.
block-item-batch-size = {{ .Stream.BlockItemBatchSize }}

# How long the streaming loop sleeps when it has nothing to send.
worker-loop-sleep-duration = "{{ .Stream.WorkerLoopSleepDuration }}"

#######################################################
###          Block Buffer Configuration Options     ###
#######################################################
[buffer]

# How long an acknowledged block is retained before it can be pruned.
block-ttl = "{{ .Buffer.BlockTTL }}"

# Interval of the maintenance loop that prunes the buffer and evaluates
# saturation.
worker-interval = "{{ .Buffer.WorkerInterval }}"

# Saturation percentage at which the node starts switching to another
# block node.
action-stage-threshold = {{ .Buffer.ActionStageThreshold }}

# Minimum time between two block node switches requested by the buffer.
action-grace-period = "{{ .Buffer.ActionGracePeriod }}"

# Saturation percentage at or below which blocked producers are released
# after the buffer was full.
recovery-threshold = {{ .Buffer.RecoveryThreshold }}

# When false, the buffer never blocks producers and prunes purely by TTL.
backpressure-enabled = {{ .Buffer.BackpressureEnabled }}

# Persist the buffer on shutdown (and every persist-interval) and restore
# it on startup.
persistence-enabled = {{ .Buffer.PersistenceEnabled }}

# Storage used for persistence: file | goleveldb | memdb | cleveldb | boltdb | rocksdb | badgerdb
# * file
#   - a single snapshot file, replaced atomically
# * goleveldb and the others are tm-db backends; see tm-db for build tags
persistence-backend = "{{ .Buffer.PersistenceBackend }}"

# Interval between periodic snapshots. 0 only persists on shutdown.
persist-interval = "{{ .Buffer.PersistInterval }}"

# Directory holding the persisted buffer.
dir = "{{ js .Buffer.Dir }}"

#######################################################
###      Block Node Connection Configuration        ###
#######################################################
[connection]

# Directory watched for the block node list.
block-node-config-dir = "{{ js .Connection.BlockNodeConfigDir }}"

# Name of the block node list file (.json or .toml). It is reloaded
# whenever it changes on disk.
block-node-config-file = "{{ .Connection.BlockNodeConfigFile }}"

# Maximum number of EndOfStream responses tolerated per block node within
# end-of-stream-time-frame.
max-end-of-streams-allowed = {{ .Connection.MaxEndOfStreamsAllowed }}

# Sliding window used to rate limit EndOfStream responses.
end-of-stream-time-frame = "{{ .Connection.EndOfStreamTimeFrame }}"

# Delay before reconnecting to a block node that exceeded the limit.
end-of-stream-schedule-delay = "{{ .Connection.EndOfStreamScheduleDelay }}"

# Period after which an active stream is voluntarily reset.
stream-reset-period = "{{ .Connection.StreamResetPeriod }}"

# Acknowledgement latency above which a block counts as high latency.
high-latency-threshold = "{{ .Connection.HighLatencyThreshold }}"

# Consecutive high latency acknowledgements before switching nodes.
high-latency-events-before-switching = {{ .Connection.HighLatencyEventsBeforeSwitching }}

# Retry attempts are forgotten once no retry happened for this long.
protocol-exp-backoff-timeframe-reset = "{{ .Connection.ProtocolExpBackoffTimeframeReset }}"

# Exponential retry backoff.
initial-backoff-delay = "{{ .Connection.InitialBackoffDelay }}"
backoff-multiplier = {{ .Connection.BackoffMultiplier }}
max-backoff-delay = "{{ .Connection.MaxBackoffDelay }}"

# Fixed delay used when a block node asks us to retry later.
reconnect-delay = "{{ .Connection.ReconnectDelay }}"

# Timeout for dialing a block node and opening a publish stream.
grpc-overall-timeout = "{{ .Connection.GRPCOverallTimeout }}"

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
# Check out the documentation for the list of available metrics.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus-listen-addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`
