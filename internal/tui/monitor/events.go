package monitor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hotpatch/internal/events"
)

const maxEventLog = 200

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".completed"), e.Type == events.ClassRedefined:
		typeStyle = theme.StatusOK
	case strings.HasSuffix(e.Type, ".failed"), strings.HasSuffix(e.Type, ".bind_failed"):
		typeStyle = theme.StatusFailed
	case strings.HasSuffix(e.Type, ".started"):
		typeStyle = theme.StatusRunning
	case strings.HasPrefix(e.Type, "unit."), strings.HasPrefix(e.Type, "plugin."):
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

// describeEvent picks the interesting fields out of the payload.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	for _, k := range []string{"unit", "plugin", "action", "subject", "class", "root", "point", "error"} {
		v, ok := data[k]
		if !ok {
			continue
		}
		s := fmt.Sprint(v)
		if s == "" {
			continue
		}
		parts = append(parts, k+"="+s)
		delete(data, k)
	}
	if len(parts) == 0 {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
		}
	}
	desc := strings.Join(parts, " ")
	if len(desc) > 100 {
		desc = desc[:100] + "..."
	}
	return desc
}

func renderEventLog(eventLog []events.Event, theme Theme) string {
	if len(eventLog) == 0 {
		return theme.Dim.Render("  Waiting for events...")
	}
	lines := make([]string, 0, len(eventLog))
	for _, e := range eventLog {
		lines = append(lines, formatEvent(e, theme))
	}
	return strings.Join(lines, "\n")
}
