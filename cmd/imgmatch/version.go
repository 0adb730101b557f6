package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/imgmatch/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "imgmatch", version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
