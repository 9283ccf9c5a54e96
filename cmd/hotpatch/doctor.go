package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/hotpatch/internal/config"
	"github.com/mattjoyce/hotpatch/internal/doctor"
)

func newDoctorCommand(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate a configuration and report problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			cfg, err := config.LoadUnvalidated(opts.configPath)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Configuration could not be loaded: %v\n", err)
				return errReported
			}
			catalog, err := builtinCatalog(cfg)
			if err != nil {
				return err
			}

			result := doctor.New(cfg, catalog).Validate()
			if jsonOut {
				s, err := doctor.FormatJSON(result)
				if err != nil {
					return fmt.Errorf("render doctor JSON: %w", err)
				}
				fmt.Fprintln(out, s)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(result))
			}
			if !result.Valid {
				return errReported
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the report as JSON")
	return cmd
}
