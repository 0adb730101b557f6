package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kailas-cloud/imgmatch/internal/domain/request"
	chiTransport "github.com/kailas-cloud/imgmatch/internal/transport/chi"
	searchuc "github.com/kailas-cloud/imgmatch/internal/usecase/search"
)

var matchOpts struct {
	image    string
	name     string
	location string
	employer string
}

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Run one search synchronously and print the final status",
	Example: `  imgmatch match --image ./face.jpg
  imgmatch match --image https://example.com/face.jpg --name "Ada Lovelace" --location London`,
	RunE: runMatch,
}

func init() {
	f := matchCmd.Flags()
	f.StringVar(&matchOpts.image, "image", "", "Probe image: local file path or http(s) URL")
	f.StringVar(&matchOpts.name, "name", "", "Person name for text queries")
	f.StringVar(&matchOpts.location, "location", "", "Location refining the name query")
	f.StringVar(&matchOpts.employer, "employer", "", "Employer refining the name query")
	_ = matchCmd.MarkFlagRequired("image")
	rootCmd.AddCommand(matchCmd)
}

func runMatch(cmd *cobra.Command, _ []string) error {
	image, err := probeArg(matchOpts.image)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())

	in := searchuc.InitiateInput{Image: image}
	if matchOpts.name != "" {
		in.Identity = &request.Identity{
			Name:     matchOpts.name,
			Location: matchOpts.location,
			Employer: matchOpts.employer,
		}
	}

	started := time.Now()
	rec, err := a.search.Execute(cmd.Context(), in)
	if err != nil {
		return fmt.Errorf("run search: %w", err)
	}
	a.logger.Info("Search finished",
		zap.String("request_id", rec.RequestID),
		zap.String("status", string(rec.State)),
		zap.Duration("elapsed", time.Since(started)),
	)

	return printJSON(cmd, chiTransport.NewStatusResponse(rec))
}

// probeArg passes URLs through and base64-encodes local files.
func probeArg(image string) (string, error) {
	if strings.HasPrefix(image, "http://") || strings.HasPrefix(image, "https://") {
		return image, nil
	}
	data, err := os.ReadFile(image)
	if err != nil {
		return "", fmt.Errorf("read probe image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
