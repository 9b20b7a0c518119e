package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/symphony/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "symphony",
	Short: "Symphony - two-tier workload orchestrator",
	Long: `Symphony dispatches declarative deployment specifications from a
central Conductor to a fleet of Node agents, which supervise the
workloads as plain child processes and stream status, telemetry and
logs back over a single mutually-authenticated connection.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Symphony version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(conductorCmd)
	rootCmd.AddCommand(nodeCmd)
}

// initLogging applies the config file's log block, then any flag overrides.
func initLogging(cfgLevel string, cfgJSON bool) {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	if level == "" {
		level = cfgLevel
	}
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: logJSON || cfgJSON,
	})
}
