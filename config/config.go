package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/tendermint/blockstream/libs/log"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultBlockStreamDir = ".blockstream"
	defaultConfigDir      = "config"
	defaultDataDir        = "data"

	defaultConfigFileName     = "config.toml"
	defaultBlockNodesFileName = "block-nodes.json"
	defaultBufferDirName      = "block-buffer"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultBufferDir      = filepath.Join(defaultDataDir, defaultBufferDirName)
)

// Config defines the top level configuration for a block stream node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Stream          *StreamConfig          `mapstructure:"stream"`
	Buffer          *BufferConfig          `mapstructure:"buffer"`
	Connection      *ConnectionConfig      `mapstructure:"connection"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a block stream node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Stream:          DefaultStreamConfig(),
		Buffer:          DefaultBufferConfig(),
		Connection:      DefaultConnectionConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Stream:          TestStreamConfig(),
		Buffer:          TestBufferConfig(),
		Connection:      TestConnectionConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.Buffer.RootDir = root
	cfg.Connection.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Stream.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [stream] section: %w", err)
	}
	if err := cfg.Buffer.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [buffer] section: %w", err)
	}
	if err := cfg.Connection.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [connection] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a block stream node
type BaseConfig struct { //nolint: maligned
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log-format"`
}

// DefaultBaseConfig returns a default base configuration for a block stream node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		LogLevel:  log.LogLevelInfo,
		LogFormat: log.LogFormatPlain,
	}
}

// TestBaseConfig returns a base configuration for testing a block stream node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.LogLevel = log.LogLevelDebug
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case log.LogFormatJSON, log.LogFormatText, log.LogFormatPlain:
	default:
		return errors.New("unknown log format (must be 'plain', 'text' or 'json')")
	}

	switch cfg.LogLevel {
	case log.LogLevelDebug, log.LogLevelInfo, log.LogLevelWarn, log.LogLevelError:
	default:
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}

	return nil
}

//-----------------------------------------------------------------------------
// StreamConfig

// StreamConfig defines how block items are grouped and pushed to the active
// block node.
type StreamConfig struct {
	// Expected interval between produced blocks. Together with the buffer
	// TTL it determines the ideal number of buffered blocks.
	BlockPeriod time.Duration `mapstructure:"block-period"`

	// Maximum number of block items packed into a single request.
	BlockItemBatchSize int `mapstructure:"block-item-batch-size"`

	// How long the streaming loop sleeps when it has nothing to send.
	WorkerLoopSleepDuration time.Duration `mapstructure:"worker-loop-sleep-duration"`
}

// DefaultStreamConfig returns a default configuration for block streaming.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		BlockPeriod:             2 * time.Second,
		BlockItemBatchSize:      256,
		WorkerLoopSleepDuration: 25 * time.Millisecond,
	}
}

// TestStreamConfig returns a configuration for testing block streaming.
func TestStreamConfig() *StreamConfig {
	cfg := DefaultStreamConfig()
	cfg.BlockPeriod = 100 * time.Millisecond
	cfg.BlockItemBatchSize = 4
	cfg.WorkerLoopSleepDuration = 5 * time.Millisecond
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *StreamConfig) ValidateBasic() error {
	if cfg.BlockPeriod < 0 {
		return errors.New("block-period can't be negative")
	}
	if cfg.BlockItemBatchSize <= 0 {
		return errors.New("block-item-batch-size must be positive")
	}
	if cfg.WorkerLoopSleepDuration <= 0 {
		return errors.New("worker-loop-sleep-duration must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// BufferConfig

// BufferConfig defines the configuration of the in-memory block buffer, its
// backpressure thresholds and its on-disk persistence.
type BufferConfig struct {
	RootDir string `mapstructure:"home"`

	// How long an acknowledged block is retained before it can be pruned.
	BlockTTL time.Duration `mapstructure:"block-ttl"`

	// Interval of the maintenance loop that prunes the buffer and
	// evaluates saturation.
	WorkerInterval time.Duration `mapstructure:"worker-interval"`

	// Saturation percentage at which the node starts switching to another
	// block node.
	ActionStageThreshold float64 `mapstructure:"action-stage-threshold"`

	// Minimum time between two block node switches requested by the buffer.
	ActionGracePeriod time.Duration `mapstructure:"action-grace-period"`

	// Saturation percentage at or below which blocked producers are
	// released after the buffer was full.
	RecoveryThreshold float64 `mapstructure:"recovery-threshold"`

	// When false, the buffer never blocks producers and prunes purely by TTL.
	BackpressureEnabled bool `mapstructure:"backpressure-enabled"`

	// Persist the buffer on shutdown (and every PersistInterval) and
	// restore it on startup.
	PersistenceEnabled bool `mapstructure:"persistence-enabled"`

	// Storage used for persistence: "file" or any tm-db backend
	// (goleveldb, memdb, ...).
	PersistenceBackend string `mapstructure:"persistence-backend"`

	// Interval between periodic snapshots. 0 only persists on shutdown.
	PersistInterval time.Duration `mapstructure:"persist-interval"`

	// Directory holding the persisted buffer.
	Dir string `mapstructure:"dir"`
}

// DefaultBufferConfig returns a default configuration for the block buffer.
func DefaultBufferConfig() *BufferConfig {
	return &BufferConfig{
		BlockTTL:             5 * time.Minute,
		WorkerInterval:       time.Second,
		ActionStageThreshold: 50.0,
		ActionGracePeriod:    20 * time.Second,
		RecoveryThreshold:    85.0,
		BackpressureEnabled:  true,
		PersistenceEnabled:   true,
		PersistenceBackend:   "file",
		PersistInterval:      30 * time.Second,
		Dir:                  defaultBufferDir,
	}
}

// TestBufferConfig returns a configuration for testing the block buffer.
func TestBufferConfig() *BufferConfig {
	cfg := DefaultBufferConfig()
	cfg.BlockTTL = time.Second
	cfg.WorkerInterval = 10 * time.Millisecond
	cfg.ActionGracePeriod = 50 * time.Millisecond
	cfg.PersistenceEnabled = false
	cfg.PersistenceBackend = "memdb"
	cfg.PersistInterval = 0
	return cfg
}

// BufferDir returns the full path to the persisted buffer directory.
func (cfg *BufferConfig) BufferDir() string {
	return rootify(cfg.Dir, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *BufferConfig) ValidateBasic() error {
	if cfg.BlockTTL <= 0 {
		return errors.New("block-ttl must be positive")
	}
	if cfg.WorkerInterval <= 0 {
		return errors.New("worker-interval must be positive")
	}
	if cfg.ActionStageThreshold < 0 || cfg.ActionStageThreshold > 100 {
		return errors.New("action-stage-threshold must be within [0, 100]")
	}
	if cfg.RecoveryThreshold < 0 || cfg.RecoveryThreshold > 100 {
		return errors.New("recovery-threshold must be within [0, 100]")
	}
	if cfg.ActionGracePeriod < 0 {
		return errors.New("action-grace-period can't be negative")
	}
	if cfg.PersistInterval < 0 {
		return errors.New("persist-interval can't be negative")
	}
	if cfg.PersistenceEnabled && cfg.PersistenceBackend == "" {
		return errors.New("persistence-backend can't be empty when persistence is enabled")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ConnectionConfig

// ConnectionConfig defines how connections to block nodes are selected,
// monitored and retried.
type ConnectionConfig struct {
	RootDir string `mapstructure:"home"`

	// Directory watched for the block node list.
	BlockNodeConfigDir string `mapstructure:"block-node-config-dir"`

	// Name of the block node list file inside BlockNodeConfigDir (.json or .toml).
	BlockNodeConfigFile string `mapstructure:"block-node-config-file"`

	// Maximum number of EndOfStream responses tolerated per block node within
	// EndOfStreamTimeFrame.
	MaxEndOfStreamsAllowed int `mapstructure:"max-end-of-streams-allowed"`

	// Sliding window used to rate limit EndOfStream responses.
	EndOfStreamTimeFrame time.Duration `mapstructure:"end-of-stream-time-frame"`

	// Delay before reconnecting to a block node that exceeded the
	// EndOfStream limit.
	EndOfStreamScheduleDelay time.Duration `mapstructure:"end-of-stream-schedule-delay"`

	// Period after which an active stream is voluntarily reset.
	StreamResetPeriod time.Duration `mapstructure:"stream-reset-period"`

	// Acknowledgement latency above which a block counts as high latency.
	HighLatencyThreshold time.Duration `mapstructure:"high-latency-threshold"`

	// Consecutive high latency acknowledgements before switching nodes.
	HighLatencyEventsBeforeSwitching int `mapstructure:"high-latency-events-before-switching"`

	// Retry attempts are forgotten once no retry happened for this long.
	ProtocolExpBackoffTimeframeReset time.Duration `mapstructure:"protocol-exp-backoff-timeframe-reset"`

	// First delay of the exponential retry backoff.
	InitialBackoffDelay time.Duration `mapstructure:"initial-backoff-delay"`

	// Growth factor of the exponential retry backoff.
	BackoffMultiplier float64 `mapstructure:"backoff-multiplier"`

	// Upper bound of the exponential retry backoff.
	MaxBackoffDelay time.Duration `mapstructure:"max-backoff-delay"`

	// Fixed delay used when a block node asks us to retry later.
	ReconnectDelay time.Duration `mapstructure:"reconnect-delay"`

	// Timeout for dialing a block node and opening a publish stream.
	GRPCOverallTimeout time.Duration `mapstructure:"grpc-overall-timeout"`
}

// DefaultConnectionConfig returns a default configuration for block node
// connections.
func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		BlockNodeConfigDir:               defaultConfigDir,
		BlockNodeConfigFile:              defaultBlockNodesFileName,
		MaxEndOfStreamsAllowed:           5,
		EndOfStreamTimeFrame:             30 * time.Second,
		EndOfStreamScheduleDelay:         30 * time.Second,
		StreamResetPeriod:                24 * time.Hour,
		HighLatencyThreshold:             30 * time.Second,
		HighLatencyEventsBeforeSwitching: 5,
		ProtocolExpBackoffTimeframeReset: time.Minute,
		InitialBackoffDelay:              time.Second,
		BackoffMultiplier:                2,
		MaxBackoffDelay:                  10 * time.Second,
		ReconnectDelay:                   30 * time.Second,
		GRPCOverallTimeout:               10 * time.Second,
	}
}

// TestConnectionConfig returns a configuration for testing block node
// connections.
func TestConnectionConfig() *ConnectionConfig {
	cfg := DefaultConnectionConfig()
	cfg.EndOfStreamScheduleDelay = 50 * time.Millisecond
	cfg.InitialBackoffDelay = 10 * time.Millisecond
	cfg.MaxBackoffDelay = 100 * time.Millisecond
	cfg.ReconnectDelay = 50 * time.Millisecond
	cfg.GRPCOverallTimeout = time.Second
	return cfg
}

// BlockNodeConfigPath returns the full path to the block node list file.
func (cfg *ConnectionConfig) BlockNodeConfigPath() string {
	return filepath.Join(rootify(cfg.BlockNodeConfigDir, cfg.RootDir), cfg.BlockNodeConfigFile)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ConnectionConfig) ValidateBasic() error {
	if cfg.BlockNodeConfigFile == "" {
		return errors.New("block-node-config-file can't be empty")
	}
	if cfg.MaxEndOfStreamsAllowed < 0 {
		return errors.New("max-end-of-streams-allowed can't be negative")
	}
	if cfg.EndOfStreamTimeFrame < 0 {
		return errors.New("end-of-stream-time-frame can't be negative")
	}
	if cfg.EndOfStreamScheduleDelay < 0 {
		return errors.New("end-of-stream-schedule-delay can't be negative")
	}
	if cfg.StreamResetPeriod < 0 {
		return errors.New("stream-reset-period can't be negative")
	}
	if cfg.HighLatencyEventsBeforeSwitching < 1 {
		return errors.New("high-latency-events-before-switching must be at least 1")
	}
	if cfg.InitialBackoffDelay <= 0 {
		return errors.New("initial-backoff-delay must be positive")
	}
	if cfg.BackoffMultiplier < 1 {
		return errors.New("backoff-multiplier must be at least 1")
	}
	if cfg.MaxBackoffDelay < cfg.InitialBackoffDelay {
		return errors.New("max-backoff-delay can't be less than initial-backoff-delay")
	}
	if cfg.ReconnectDelay < 0 {
		return errors.New("reconnect-delay can't be negative")
	}
	if cfg.GRPCOverallTimeout <= 0 {
		return errors.New("grpc-overall-timeout must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "blockstream",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus-listen-addr can't be empty when prometheus is enabled")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
