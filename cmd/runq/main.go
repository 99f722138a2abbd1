package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "runq",
	Short: "runq - task queue for coding agents",
	Long: `runq queues prompts for coding-agent CLIs and runs them one at a time per
runner, under file, test and time limits.

Start a runner with "runq daemon", then add work with "runq task add".`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the runq version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("runq %s\n", version)
	},
}

var (
	apiAddr    string
	configPath string
)

func init() {
	defaultAPI := "http://127.0.0.1:7466"
	if env := os.Getenv("RUNQ_API"); env != "" {
		defaultAPI = env
	}
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", defaultAPI, "API server address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default ~/.runq/config.yaml)")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(groupsCmd, namespacesCmd, runnersCmd, auditCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
