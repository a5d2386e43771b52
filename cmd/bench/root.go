package bench

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdUtil "github.com/growcache/growcache/cmd/util"
	"github.com/growcache/growcache/runtime/common"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Load generator for growcache servers",
		Long:    `Open a number of connections against a running growcache server and drive request/response traffic in the selected wire protocol, reporting throughput and latency quantiles.`,
		PreRunE: processBenchConfig,
		RunE:    runBench,
	}

	benchTarget      string
	benchProtocol    string
	benchConnections int
	benchDurationSec int
	benchValueSize   int
	benchPipeline    int
	benchKeys        int
)

func init() {
	key := "target"
	BenchCmd.PersistentFlags().String(key, "127.0.0.1:11211", cmdUtil.WrapString("Address of the server to load"))
	key = "protocol"
	BenchCmd.PersistentFlags().String(key, string(common.ProtocolTextCache), cmdUtil.WrapString("Wire protocol to speak. One of: text-cache, resp, ping, echo"))
	key = "connections"
	BenchCmd.PersistentFlags().Int(key, 16, cmdUtil.WrapString("Number of concurrent connections"))
	key = "duration"
	BenchCmd.PersistentFlags().Int(key, 10, cmdUtil.WrapString("Test duration in seconds"))
	key = "value-size"
	BenchCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("Value payload size in bytes for set/echo traffic"))
	key = "pipeline"
	BenchCmd.PersistentFlags().Int(key, 1, cmdUtil.WrapString("Requests written back-to-back before responses are read"))
	key = "keys"
	BenchCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("How many distinct keys to spread traffic over"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	benchTarget = viper.GetString("target")
	benchProtocol = viper.GetString("protocol")
	benchConnections = viper.GetInt("connections")
	benchDurationSec = viper.GetInt("duration")
	benchValueSize = viper.GetInt("value-size")
	benchPipeline = viper.GetInt("pipeline")
	benchKeys = viper.GetInt("keys")
	if benchPipeline < 1 {
		benchPipeline = 1
	}
	switch common.Protocol(benchProtocol) {
	case common.ProtocolTextCache, common.ProtocolResp, common.ProtocolPing, common.ProtocolEcho:
		return nil
	default:
		return fmt.Errorf("invalid protocol: %q", benchProtocol)
	}
}

func runBench(_ *cobra.Command, _ []string) error {
	fmt.Printf("growcache bench: %s, %d conns, pipeline %d, %ds against %s\n",
		benchProtocol, benchConnections, benchPipeline, benchDurationSec, benchTarget)

	latency := gometrics.NewHistogram(gometrics.NewExpDecaySample(2048, 0.015))
	throughput := gometrics.NewMeter()
	deadline := time.Now().Add(time.Duration(benchDurationSec) * time.Second)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := 0; i < benchConnections; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := driveConnection(id, deadline, latency, throughput); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}

	fmt.Println()
	fmt.Printf("requests      : %d\n", latency.Count())
	fmt.Printf("throughput    : %.0f req/s\n", throughput.RateMean())
	fmt.Printf("latency p50   : %.3f ms\n", latency.Percentile(0.50)/1e6)
	fmt.Printf("latency p99   : %.3f ms\n", latency.Percentile(0.99)/1e6)
	fmt.Printf("latency p99.9 : %.3f ms\n", latency.Percentile(0.999)/1e6)
	return nil
}

// driveConnection runs one connection's request loop until the deadline.
func driveConnection(id int, deadline time.Time, latency gometrics.Histogram, throughput gometrics.Meter) error {
	netConn, err := net.Dial("tcp", benchTarget)
	if err != nil {
		return fmt.Errorf("dial %s: %w", benchTarget, err)
	}
	defer netConn.Close()

	reader := bufio.NewReader(netConn)
	rng := rand.New(rand.NewSource(int64(id)*7919 + 1))
	payload := make([]byte, benchValueSize)
	rng.Read(payload)

	for time.Now().Before(deadline) {
		start := time.Now()

		// Write a pipeline worth of requests, then read every response.
		for p := 0; p < benchPipeline; p++ {
			if err := writeRequest(netConn, rng, payload, p); err != nil {
				return err
			}
		}
		for p := 0; p < benchPipeline; p++ {
			if err := readResponse(reader, p); err != nil {
				return err
			}
		}

		elapsed := time.Since(start).Nanoseconds() / int64(benchPipeline)
		for p := 0; p < benchPipeline; p++ {
			latency.Update(elapsed)
		}
		throughput.Mark(int64(benchPipeline))
	}
	return nil
}

// writeRequest emits one request; even iterations store, odd retrieve.
func writeRequest(w io.Writer, rng *rand.Rand, payload []byte, seq int) error {
	key := "bench:" + strconv.Itoa(rng.Intn(benchKeys))
	var err error
	switch common.Protocol(benchProtocol) {
	case common.ProtocolTextCache:
		if seq%2 == 0 {
			_, err = fmt.Fprintf(w, "set %s 0 0 %d\r\n%s\r\n", key, len(payload), payload)
		} else {
			_, err = fmt.Fprintf(w, "get %s\r\n", key)
		}
	case common.ProtocolResp:
		if seq%2 == 0 {
			_, err = fmt.Fprintf(w, "*3\r\n$3\r\nSET\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n", len(key), key, len(payload), payload)
		} else {
			_, err = fmt.Fprintf(w, "*2\r\n$3\r\nGET\r\n$%d\r\n%s\r\n", len(key), key)
		}
	case common.ProtocolPing:
		_, err = io.WriteString(w, "PING\r\n")
	case common.ProtocolEcho:
		_, err = fmt.Fprintf(w, "%d\r\n%s", len(payload), payload)
	}
	return err
}

// readResponse consumes exactly one reply for the seq-th request of the
// current pipeline burst.
func readResponse(r *bufio.Reader, seq int) error {
	switch common.Protocol(benchProtocol) {
	case common.ProtocolTextCache:
		if seq%2 == 0 {
			_, err := r.ReadString('\n') // STORED
			return err
		}
		// get: read VALUE/END lines plus the value block
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return err
			}
			if line == "END\r\n" {
				return nil
			}
			if len(line) >= 5 && line[:5] == "VALUE" {
				length, err := valueLength(line)
				if err != nil {
					return err
				}
				if _, err := io.CopyN(io.Discard, r, int64(length)+2); err != nil {
					return err
				}
			}
		}
	case common.ProtocolResp:
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if len(line) > 1 && line[0] == '$' && line[1] != '-' {
			length, err := strconv.Atoi(line[1 : len(line)-2])
			if err != nil {
				return err
			}
			_, err = io.CopyN(io.Discard, r, int64(length)+2)
			return err
		}
		return nil
	case common.ProtocolPing:
		_, err := r.ReadString('\n')
		return err
	case common.ProtocolEcho:
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		length, err := strconv.Atoi(line[:len(line)-2])
		if err != nil {
			return err
		}
		_, err = io.CopyN(io.Discard, r, int64(length))
		return err
	}
	return nil
}

// valueLength extracts the byte count of a "VALUE <key> <flags> <len>[ <cas>]" line.
func valueLength(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return 0, fmt.Errorf("malformed VALUE line: %q", line)
	}
	return strconv.Atoi(fields[3])
}
