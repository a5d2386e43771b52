package serve

import (
	"strings"

	cmdUtil "github.com/growcache/growcache/cmd/util"
	"github.com/growcache/growcache/runtime"
	"github.com/growcache/growcache/runtime/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = common.DefaultConfig()
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the growcache server",
		Long:    `Start the growcache server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is GROWCACHE_<flag> (e.g. GROWCACHE_MAX_CONNECTIONS=20000)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "listen"
	ServeCmd.PersistentFlags().String(key, common.DefaultListen, cmdUtil.WrapString("The address to bind to (e.g. 0.0.0.0:11211)"))

	key = "protocol"
	ServeCmd.PersistentFlags().String(key, string(common.ProtocolTextCache), cmdUtil.WrapString("Wire protocol served to every connection. One of: text-cache, resp, ping, echo"))

	key = "runtime"
	ServeCmd.PersistentFlags().String(key, string(common.RuntimeReadiness), cmdUtil.WrapString("I/O backend. One of: readiness (epoll/kqueue), completion (io_uring, Linux only)"))

	key = "workers"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Number of worker threads (0 = one per logical CPU). Each worker owns its own listener via SO_REUSEPORT"))

	key = "ring-size"
	ServeCmd.PersistentFlags().Int(key, common.DefaultRingSize, cmdUtil.WrapString("(Completion runtime) submission queue depth, must be a power of two"))

	key = "buffer-size"
	ServeCmd.PersistentFlags().Int(key, common.DefaultBufferSize, cmdUtil.WrapString("Byte size of every pool buffer"))

	key = "max-connections"
	ServeCmd.PersistentFlags().Int(key, common.DefaultMaxConnections, cmdUtil.WrapString("Per-worker connection cap. Accepts past the cap are closed immediately"))

	key = "batch-size"
	ServeCmd.PersistentFlags().Int(key, common.DefaultBatchSize, cmdUtil.WrapString("(Completion runtime) completion drain bound per loop iteration"))

	key = "max-value-size"
	ServeCmd.PersistentFlags().Int(key, common.DefaultMaxValueSize, cmdUtil.WrapString("Largest accepted value in bytes. Declared lengths past this are rejected at header-parse time"))

	key = "max-memory"
	ServeCmd.PersistentFlags().Int(key, common.DefaultMaxMemory, cmdUtil.WrapString("Storage memory budget in bytes; crossing it evicts least-recently-used items"))

	key = "default-ttl"
	ServeCmd.PersistentFlags().Uint64(key, 0, cmdUtil.WrapString("TTL in seconds applied when a command does not set one (0 = never expire)"))

	key = "idle-timeout"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Close connections with no read progress for this many seconds (0 = disabled; readiness runtime only)"))

	key = "metrics-listen"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional HTTP endpoint serving Prometheus metrics and pprof (e.g. 127.0.0.1:9090)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.Listen = viper.GetString("listen")
	serveCmdConfig.Protocol = common.Protocol(viper.GetString("protocol"))
	serveCmdConfig.Runtime = common.RuntimeKind(viper.GetString("runtime"))
	serveCmdConfig.Workers = viper.GetInt("workers")
	serveCmdConfig.RingSize = viper.GetInt("ring-size")
	serveCmdConfig.BufferSize = viper.GetInt("buffer-size")
	serveCmdConfig.MaxConnections = viper.GetInt("max-connections")
	serveCmdConfig.BatchSize = viper.GetInt("batch-size")
	serveCmdConfig.MaxValueSize = viper.GetInt("max-value-size")
	serveCmdConfig.MaxMemory = viper.GetInt("max-memory")
	serveCmdConfig.DefaultTTL = viper.GetUint64("default-ttl")
	serveCmdConfig.IdleTimeoutSec = viper.GetInt("idle-timeout")
	serveCmdConfig.MetricsListen = viper.GetString("metrics-listen")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	return serveCmdConfig.Validate()
}

// run starts the server and blocks until it stops.
func run(_ *cobra.Command, _ []string) error {
	server, err := runtime.NewServer(serveCmdConfig)
	if err != nil {
		return err
	}
	return server.Serve()
}

// initConfig reads in the env files and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("growcache")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
