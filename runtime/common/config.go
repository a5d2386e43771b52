package common

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Protocol and runtime selection
// --------------------------------------------------------------------------

// Protocol selects the wire protocol served to every connection of this
// process. It is fixed at startup; there is no per-connection negotiation.
type Protocol string

const (
	ProtocolTextCache Protocol = "text-cache"
	ProtocolResp      Protocol = "resp"
	ProtocolPing      Protocol = "ping"
	ProtocolEcho      Protocol = "echo"
)

// RuntimeKind selects the I/O backend.
type RuntimeKind string

const (
	// RuntimeReadiness is the level-triggered poller backend
	// (epoll on Linux, kqueue on BSD-family kernels).
	RuntimeReadiness RuntimeKind = "readiness"
	// RuntimeCompletion is the io_uring backend. Linux only.
	RuntimeCompletion RuntimeKind = "completion"
)

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// Defaults mirror the values the server was tuned with.
const (
	DefaultListen         = "127.0.0.1:11211"
	DefaultBufferSize     = 64 * 1024
	DefaultMaxValueSize   = 8 * 1024 * 1024
	DefaultMaxMemory      = 64 * 1024 * 1024
	DefaultRingSize       = 4096
	DefaultBatchSize      = 64
	DefaultMaxConnections = 10000
)

// ServerConfig holds all configuration parameters for the cache server.
type ServerConfig struct {
	// Networking
	Listen   string
	Protocol Protocol
	Runtime  RuntimeKind

	// Worker / runtime tuning
	Workers        int // 0 = one per logical CPU
	RingSize       int // completion backend queue depth
	BufferSize     int // size of every pool buffer
	MaxConnections int // per-worker cap
	BatchSize      int // completion backend drain bound

	// Admission
	MaxValueSize int

	// Storage parameters (forwarded to the storage engine)
	MaxMemory  int
	DefaultTTL uint64

	// Idle connections in Reading with no byte progress for this many
	// seconds are closed. 0 disables the timer.
	IdleTimeoutSec int

	// Optional HTTP endpoint serving Prometheus metrics and pprof.
	MetricsListen string

	// Logging configuration
	LogLevel string
}

// DefaultConfig returns a ServerConfig populated with defaults.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Listen:         DefaultListen,
		Protocol:       ProtocolTextCache,
		Runtime:        RuntimeReadiness,
		Workers:        0,
		RingSize:       DefaultRingSize,
		BufferSize:     DefaultBufferSize,
		MaxConnections: DefaultMaxConnections,
		BatchSize:      DefaultBatchSize,
		MaxValueSize:   DefaultMaxValueSize,
		MaxMemory:      DefaultMaxMemory,
		DefaultTTL:     0,
		LogLevel:       "info",
	}
}

// Validate checks the configuration for values the runtime cannot work with.
func (c *ServerConfig) Validate() error {
	switch c.Protocol {
	case ProtocolTextCache, ProtocolResp, ProtocolPing, ProtocolEcho:
	default:
		return fmt.Errorf("invalid protocol: %q (expected one of: text-cache, resp, ping, echo)", c.Protocol)
	}

	switch c.Runtime {
	case RuntimeReadiness:
	case RuntimeCompletion:
		if runtime.GOOS != "linux" {
			return fmt.Errorf("completion runtime requires a Linux kernel with io_uring support (running on %s)", runtime.GOOS)
		}
	default:
		return fmt.Errorf("invalid runtime: %q (expected readiness or completion)", c.Runtime)
	}

	if c.BufferSize < 4*1024 {
		return fmt.Errorf("buffer size %d too small (minimum 4 KiB)", c.BufferSize)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive")
	}
	if c.RingSize <= 0 || c.RingSize&(c.RingSize-1) != 0 {
		return fmt.Errorf("ring size must be a positive power of two, got %d", c.RingSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.MaxValueSize <= 0 {
		return fmt.Errorf("max value size must be positive")
	}
	return nil
}

// NumWorkers resolves the configured worker count (0 = one per logical CPU).
func (c *ServerConfig) NumWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// ChainBuffers returns the maximum number of pool buffers a single
// BufferChain may hold. This is the admission cap: a declared value that
// would need more buffers is rejected before any payload is read.
func (c *ServerConfig) ChainBuffers() int {
	return (c.MaxValueSize + c.BufferSize - 1) / c.BufferSize
}

// PoolBuffers derives the per-worker pool capacity: two I/O buffers per
// connection (accumulation + response) plus chain headroom for two
// concurrent maximum-size values. Oversizing the pool is deliberate,
// exhaustion is a cliff.
func (c *ServerConfig) PoolBuffers() int {
	return 2*c.MaxConnections + 2*c.ChainBuffers()
}

// String returns a formatted string representation of the configuration.
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Server")
	addField("Listen", c.Listen)
	addField("Protocol", string(c.Protocol))
	addField("Runtime", string(c.Runtime))
	addField("Workers", strconv.Itoa(c.NumWorkers()))

	addSection("Buffers")
	addField("Buffer Size", fmt.Sprintf("%d KiB", c.BufferSize/1024))
	addField("Pool Buffers / Worker", strconv.Itoa(c.PoolBuffers()))
	addField("Chain Cap (buffers)", strconv.Itoa(c.ChainBuffers()))

	addSection("Limits")
	addField("Max Connections", strconv.Itoa(c.MaxConnections))
	addField("Max Value Size", fmt.Sprintf("%d KiB", c.MaxValueSize/1024))
	if c.IdleTimeoutSec > 0 {
		addField("Idle Timeout", fmt.Sprintf("%d sec", c.IdleTimeoutSec))
	} else {
		addField("Idle Timeout", "disabled")
	}

	if c.Runtime == RuntimeCompletion {
		addSection("Completion Backend")
		addField("Ring Size", strconv.Itoa(c.RingSize))
		addField("Batch Size", strconv.Itoa(c.BatchSize))
	}

	addSection("Storage")
	addField("Max Memory", fmt.Sprintf("%d MiB", c.MaxMemory/1024/1024))
	addField("Default TTL", fmt.Sprintf("%d sec", c.DefaultTTL))

	addSection("Logging")
	addField("Log Level", c.LogLevel)
	if c.MetricsListen != "" {
		addField("Metrics Endpoint", c.MetricsListen)
	}

	return sb.String()
}
