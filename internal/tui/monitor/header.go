package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks runtime health from /healthz polling.
type HealthState struct {
	healthMsg
	Connected bool
	LastCheck time.Time
}

func renderHeader(health HealthState, ticker Ticker, spinner Spinner, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	statusIcon := "✅"
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
		statusIcon = "🔌"
	} else if (health.Status != "ok" && health.Status != "") || health.BindingErrors > 0 {
		statusText = theme.StatusFailed.Render("DEGRADED")
		statusIcon = "⚠️"
	}

	uptime := formatDuration(time.Duration(health.UptimeSeconds) * time.Second)

	lastEventStr := "never"
	if !spinner.LastEvent().IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", now.Sub(spinner.LastEvent()).Round(time.Second))
	}

	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(now.Format("15:04:05"))
	titleText := fmt.Sprintf(" HOTPATCH MONITOR %s", tickerStr)

	pad := max(1, innerWidth-lipgloss.Width(titleText)-lipgloss.Width(clock)-4)
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s %s  ⏱ %s  Units: %d  Instances: %d  Bindings: %d  Pending: %d  Running: %d",
		statusIcon, statusText,
		uptime,
		health.Units,
		health.Instances,
		health.Bindings,
		health.Pending,
		health.Running,
	)
	if health.BindingErrors > 0 {
		statsLine += theme.StatusFailed.Render(fmt.Sprintf("  Bind errors: %d", health.BindingErrors))
	}

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEventStr, spinner.Render(theme))
	if health.Events != nil && health.Events.Dropped > 0 {
		activityLine += theme.Dim.Render(fmt.Sprintf("  (server dropped %d events for slow clients)", health.Events.Dropped))
	}

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
