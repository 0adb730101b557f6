package main

import (
	"fmt"

	"github.com/spf13/cobra"

	chiTransport "github.com/kailas-cloud/imgmatch/internal/transport/chi"
)

var statusCmd = &cobra.Command{
	Use:   "status <requestId>",
	Short: "Print a stored status record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close(cmd.Context())

		rec, err := a.search.Status(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("read status: %w", err)
		}
		return printJSON(cmd, chiTransport.NewStatusResponse(rec))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
