package main

import (
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "corvid",
	Short: "Segmented multi-connection downloader",
	Long:  "corvid splits a download into segments, pulls them over parallel connections, and verifies the result against expected digests.",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config.yaml (optional)")
	rootCmd.AddCommand(getCmd)
}
