package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "jobsysd",
	Short: "jobsysd - in-process job system daemon",
	Long: `jobsysd runs a pool of workers that claim jobs by channel mask, with cron
triggers, a retirement archive and an optional debug HTTP server.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
