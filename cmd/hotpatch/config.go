package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/hotpatch/internal/config"
)

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration and maintain its checksums",
	}
	cmd.AddCommand(newConfigGetCommand(opts), newConfigHashUpdateCommand(opts))
	return cmd
}

func newConfigGetCommand(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Print a value by dot path (e.g. service.debounce, properties.LOGGER)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			val, err := cfg.GetPath(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := json.MarshalIndent(val, "", "  ")
				if err != nil {
					return fmt.Errorf("render value: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			fmt.Fprintf(out, "%v\n", val)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in structured JSON format")
	return cmd
}

func newConfigHashUpdateCommand(opts *rootOptions) *cobra.Command {
	var dryRun, verbose bool
	cmd := &cobra.Command{
		Use:     "hash-update",
		Aliases: []string{"lock"},
		Short:   "Rewrite .checksums for the config file and its includes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, files, err := config.Files(opts.configPath)
			if err != nil {
				return err
			}
			report, err := config.GenerateChecksums(dir, files, dryRun)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if verbose {
				for _, f := range report.Files {
					switch {
					case !f.Exists:
						fmt.Fprintf(out, "  MISSING   %s\n", f.Filename)
					case f.Changed():
						fmt.Fprintf(out, "  CHANGED   %s %s\n", f.Hash[:16], f.Filename)
					default:
						fmt.Fprintf(out, "  UNCHANGED %s %s\n", f.Hash[:16], f.Filename)
					}
				}
			}
			if dryRun {
				fmt.Fprintf(out, "DRY-RUN %s (%d file(s), not written)\n", report.ChecksumPath, len(report.Files))
				return nil
			}
			fmt.Fprintf(out, "WROTE %s (%d file(s))\n", report.ChecksumPath, len(report.Files))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Hash files without writing .checksums")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "List every hashed file")
	return cmd
}

// loadConfigOrDefaults loads configPath, falling back to defaults when it
// names a directory with no config.yaml in it.
func loadConfigOrDefaults(configPath string) (*config.Config, error) {
	if info, err := os.Stat(configPath); err == nil && info.IsDir() {
		if _, err := os.Stat(filepath.Join(configPath, "config.yaml")); os.IsNotExist(err) {
			return config.Defaults(), nil
		}
	}
	return config.Load(configPath)
}
