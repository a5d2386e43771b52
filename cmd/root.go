package cmd

import (
	"fmt"
	"os"

	"github.com/growcache/growcache/cmd/bench"
	"github.com/growcache/growcache/cmd/serve"
	"github.com/spf13/cobra"
)

const (
	Version = "1.0.0"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "growcache",
		Short: "in-memory key/value cache server",
		Long: fmt.Sprintf(`growcache (v%s)

An in-memory key/value cache server speaking the memcached text
protocol, a RESP2/3 subset, and the PING/ECHO calibration protocols,
built on a thread-per-core I/O runtime with io_uring and epoll/kqueue
backends.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of growcache",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("growcache v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
