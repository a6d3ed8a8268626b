package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.4.1"

var (
	configFile string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "methodcached",
		Short: "Multi-tier cache storage daemon",
		Long: `methodcached runs the hybrid cache storage engine: an in-process memory
tier backed by shared Redis and durable Postgres tiers, with tag-based bulk
invalidation and a cross-instance invalidation backplane.`,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to JSON config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(daemonCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("methodcached", version)
		},
	}
}
