package main

import (
	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "dastor",
	Short: "DAST scan orchestrator",
	Long: `dastor fans a target URL out to several dynamic application security
scanners, tracks their runs and serves the merged findings over HTTP.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         runServe,
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
