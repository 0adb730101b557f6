package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/imgmatch/internal/config"
)

var envName string

var rootCmd = &cobra.Command{
	Use:   "imgmatch",
	Short: "Asynchronous visual-match search service",
	Long: `imgmatch finds web images that depict the same person as a probe photo.

Commands:
  imgmatch serve            Run the HTTP API
  imgmatch match --image    Run one search synchronously and print the result
  imgmatch status <id>      Print a stored status record`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envName, "env", "",
		"Config environment (config/<env>.yaml); defaults to $ENV or local")
}

// resolveEnv returns the --env flag or the ENV variable.
func resolveEnv() string {
	if envName != "" {
		return envName
	}
	return config.GetEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
