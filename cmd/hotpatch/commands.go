package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/hotpatch/internal/journal"
	"github.com/mattjoyce/hotpatch/internal/storage"
	"github.com/mattjoyce/hotpatch/internal/unit"
)

func newCommandsCommand(opts *rootOptions) *cobra.Command {
	var (
		filter  journal.Filter
		unitID  string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "commands [id]",
		Short: "Show journaled command executions",
		Long: `commands reads the command journal. With an id it prints that entry;
otherwise it lists the most recent executions, newest first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrDefaults(opts.configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
			if err != nil {
				return fmt.Errorf("open journal %s: %w", cfg.Journal.Path, err)
			}
			defer db.Close()
			store := journal.New(db)
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				e, err := store.Get(ctx, args[0])
				if errors.Is(err, journal.ErrEntryNotFound) {
					return fmt.Errorf("no journal entry %q", args[0])
				}
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(e, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			filter.Unit = unit.ID(unitID)
			entries, err := store.Recent(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOut {
				if entries == nil {
					entries = []journal.Entry{}
				}
				data, err := json.MarshalIndent(entries, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No commands journaled.")
				return nil
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "ACTION", "UNIT", "SUBJECT", "STATUS", "MERGED", "DURATION", "COMPLETED"},
				entryRows(entries),
			))
			return nil
		},
	}
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "Maximum entries to list")
	cmd.Flags().StringVar(&filter.Action, "action", "", "Only this action")
	cmd.Flags().StringVar(&unitID, "unit", "", "Only this unit")
	cmd.Flags().StringVar(&filter.Status, "status", "", "Only this status (succeeded, failed)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output entries as JSON")
	return cmd
}

func entryRows(entries []journal.Entry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		status := e.Status
		if e.LastError != nil && *e.LastError != "" {
			status += ": " + *e.LastError
		}
		rows = append(rows, []string{
			shortID(e.ID),
			e.Action,
			string(e.Unit),
			e.Subject,
			status,
			strconv.Itoa(e.Merged),
			e.Duration.Round(time.Millisecond).String(),
			e.CompletedAt.Local().Format(time.DateTime),
		})
	}
	return rows
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
