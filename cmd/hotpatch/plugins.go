package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/hotpatch/internal/plugin"
)

func newPluginsCommand(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List bundled plugins and their extension points",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfigOrDefaults(opts.configPath)
			if err != nil {
				return err
			}
			catalog, err := builtinCatalog(cfg)
			if err != nil {
				return err
			}
			catalog.Disable(cfg.Agent.DisabledPlugins...)
			return writeManifests(cmd, catalog.Manifests(), format)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format: table, yaml or json")
	return cmd
}

func writeManifests(cmd *cobra.Command, manifests []plugin.Manifest, format string) error {
	out := cmd.OutOrStdout()
	switch strings.ToLower(format) {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(manifests)
	case "json":
		data, err := json.MarshalIndent(manifests, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	case "table":
		rows := make([][]string, 0, len(manifests))
		for _, m := range manifests {
			enabled := "no"
			if m.Enabled {
				enabled = "yes"
			}
			rows = append(rows, []string{
				m.Name,
				m.Version,
				enabled,
				fmt.Sprintf("%d/%d/%d", len(m.Inits), len(m.Transforms), len(m.Watches)),
				strings.Join(m.TestedVersions, ","),
				m.Description,
			})
		}
		fmt.Fprintln(out, renderTable([]string{"NAME", "VERSION", "ENABLED", "INIT/XFORM/WATCH", "TESTED", "DESCRIPTION"}, rows))
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderRow(false).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		String()
}
