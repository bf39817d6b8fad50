package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "qcflow",
	Short: "Quality control pipeline for detector monitoring data",
	Long: `qcflow runs monitoring tasks, publishes their objects to a versioned
repository, evaluates quality checks on them and trends the results.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default $CONFIG_PATH or config/config.yaml)")
	rootCmd.AddCommand(runCmd, repoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
