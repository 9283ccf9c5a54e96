package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/hotpatch/internal/tui/monitor"
)

func newMonitorCommand(opts *rootOptions) *cobra.Command {
	var apiURL, apiKey string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Open the live terminal monitor for a running runtime",
		Long: `monitor follows the runtime's event stream and health endpoint and shows
units, scheduled commands and recent events. Without --url the address comes
from api.listen in the configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, key, err := monitorTarget(opts.configPath, apiURL, apiKey)
			if err != nil {
				return err
			}
			return monitor.Run(url, key)
		},
	}
	cmd.Flags().StringVar(&apiURL, "url", "", "Base URL of the runtime API")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("HOTPATCH_API_KEY"), "Bearer token for the API (env HOTPATCH_API_KEY)")
	return cmd
}

// monitorTarget resolves the API address and key, preferring flags over the
// configuration.
func monitorTarget(configPath, apiURL, apiKey string) (string, string, error) {
	cfg, err := loadConfigOrDefaults(configPath)
	if err != nil {
		return "", "", err
	}
	if apiURL == "" {
		apiURL = listenURL(cfg.API.Listen)
	}
	if apiKey == "" {
		apiKey = cfg.API.Auth.APIKey
	}
	return strings.TrimRight(apiURL, "/"), apiKey, nil
}

// listenURL turns a listen address into a dialable URL. Wildcard hosts are
// replaced by loopback.
func listenURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, port))
}
