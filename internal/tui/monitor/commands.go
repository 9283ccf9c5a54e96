package monitor

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hotpatch/internal/events"
)

const maxCommands = 50

// CommandState is the monitor's view of one command identity.
type CommandState struct {
	Key      string
	Action   string
	Unit     string
	Status   string
	Merged   int
	Duration time.Duration
	Error    string
	Updated  time.Time
}

type commandPayload struct {
	Action     string `json:"action"`
	Unit       string `json:"unit"`
	Subject    string `json:"subject"`
	Merged     int    `json:"merged"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error"`
}

func (p commandPayload) key() string {
	k := p.Action
	if p.Unit != "" {
		k += "@" + p.Unit
	}
	if p.Subject != "" {
		k += ":" + p.Subject
	}
	return k
}

// updateCommandState folds a command.* event into cmds. It reports whether
// the event was a command event.
func updateCommandState(cmds map[string]*CommandState, e events.Event) bool {
	var status string
	switch e.Type {
	case events.CommandScheduled:
		status = "scheduled"
	case events.CommandMerged:
		status = "scheduled"
	case events.CommandStarted:
		status = "running"
	case events.CommandCompleted:
		status = "succeeded"
	case events.CommandFailed:
		status = "failed"
	case events.CommandSkipped:
		status = "skipped"
	default:
		return false
	}

	var p commandPayload
	if err := json.Unmarshal(e.Data, &p); err != nil || p.Action == "" {
		return false
	}
	key := p.key()
	st, ok := cmds[key]
	if !ok {
		st = &CommandState{Key: key, Action: p.Action, Unit: p.Unit}
		cmds[key] = st
	}
	if e.Type == events.CommandScheduled && st.Status != "scheduled" {
		// A fresh window after a finished run.
		st.Merged, st.Error, st.Duration = 0, "", 0
	}
	st.Status = status
	st.Updated = e.At
	if e.Type == events.CommandMerged {
		st.Merged++
	}
	if p.Merged > st.Merged {
		st.Merged = p.Merged
	}
	if p.DurationMS > 0 {
		st.Duration = time.Duration(p.DurationMS) * time.Millisecond
	}
	if p.Error != "" {
		st.Error = p.Error
	}
	pruneCommands(cmds)
	return true
}

func pruneCommands(cmds map[string]*CommandState) {
	if len(cmds) <= maxCommands {
		return
	}
	sorted := sortedCommands(cmds)
	for _, st := range sorted[maxCommands:] {
		delete(cmds, st.Key)
	}
}

// sortedCommands returns the states newest first.
func sortedCommands(cmds map[string]*CommandState) []*CommandState {
	out := make([]*CommandState, 0, len(cmds))
	for _, st := range cmds {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Updated.Equal(out[j].Updated) {
			return out[i].Updated.After(out[j].Updated)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func newCommandTable() table.Model {
	t := table.New(
		table.WithColumns(commandColumns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func commandColumns(width int) []table.Column {
	key := max(20, width-2-10-7-10-8-10)
	return []table.Column{
		{Title: "ST", Width: 2},
		{Title: "Command", Width: key},
		{Title: "Status", Width: 10},
		{Title: "Merged", Width: 7},
		{Title: "Duration", Width: 10},
	}
}

func commandRows(cmds map[string]*CommandState, theme Theme) []table.Row {
	var rows []table.Row
	for _, st := range sortedCommands(cmds) {
		duration := "-"
		if st.Duration > 0 {
			duration = st.Duration.Round(time.Millisecond).String()
		}
		rows = append(rows, table.Row{
			statusSymbol(st.Status, theme),
			st.Key,
			st.Status,
			fmt.Sprintf("%d", st.Merged),
			duration,
		})
	}
	return rows
}

func statusSymbol(status string, theme Theme) string {
	switch status {
	case "scheduled":
		return theme.StatusQueued.Render("○")
	case "running":
		return theme.StatusRunning.Render("◉")
	case "succeeded":
		return theme.StatusOK.Render("●")
	case "failed":
		return theme.StatusFailed.Render("∅")
	case "skipped":
		return theme.StatusSkipped.Render("◌")
	}
	return "○"
}
