// Package display provides terminal formatting for mailpilot output.
package display

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mailpilot/mailpilot/internal/types"
)

var (
	// Styles
	Muted    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	Dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	Bold     = lipgloss.NewStyle().Bold(true)
	Success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	Warn     = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))

	destructiveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
	outboundStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	routineStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#2563eb"))
)

// ActionBadge returns a styled action label. Destructive and outbound
// actions stand out; routine ones stay calm.
func ActionBadge(action types.Action) string {
	label := fmt.Sprintf("%-15s", string(action))
	switch {
	case action == types.ActionDelete:
		return destructiveStyle.Render(label)
	case action.IsOutbound():
		return outboundStyle.Render(label)
	case action == types.ActionIgnore:
		return Dim.Render(label)
	default:
		return routineStyle.Render(label)
	}
}

// Confidence renders a confidence score with color banding.
func Confidence(c float64) string {
	s := fmt.Sprintf("%.2f", c)
	switch {
	case c >= 0.9:
		return Success.Render(s)
	case c >= 0.7:
		return Warn.Render(s)
	default:
		return ErrStyle.Render(s)
	}
}

// ResultLine formats one per-message outcome for verbose run output.
func ResultLine(r *types.ProcessResult) string {
	var status string
	switch {
	case r.Queued:
		status = Warn.Render("queued")
	case r.Skipped:
		status = Dim.Render("skipped")
	case r.Success:
		status = Success.Render("done")
	default:
		status = ErrStyle.Render("error")
	}
	line := fmt.Sprintf("  %s %s %s", status, ActionBadge(types.Action(r.Action)), Truncate(r.Reason, 70))
	if r.RuleMatched != "" {
		line += Dim.Render(" [" + r.RuleMatched + "]")
	}
	if r.Err != "" {
		line += " " + ErrStyle.Render(Truncate(r.Err, 60))
	}
	return line
}

// RunSummary renders the end-of-pass totals.
func RunSummary(r *types.RunResult) string {
	var sb strings.Builder
	mode := ""
	if r.DryRun {
		mode = Warn.Render(" (dry run)")
	}
	sb.WriteString(Bold.Render("Run complete") + mode + "\n")
	sb.WriteString(fmt.Sprintf("  fetched %d  processed %d  skipped %d  executed %d  queued %d",
		r.EmailsFetched, r.EmailsProcessed, r.EmailsSkipped, r.ActionsExecuted, r.ActionsQueued))
	if r.Errors > 0 {
		sb.WriteString("  " + ErrStyle.Render(fmt.Sprintf("errors %d", r.Errors)))
	}
	sb.WriteString(Dim.Render(fmt.Sprintf("  in %s", r.Duration().Round(time.Millisecond))))
	if r.Aging != nil {
		sb.WriteString(fmt.Sprintf("\n  aging: %d to review, %d purged from review, %d retention-purged",
			r.Aging.MovedToReview, r.Aging.DeletedFromReview, r.Aging.RetentionDeleted))
		if r.Aging.Errors > 0 {
			sb.WriteString("  " + ErrStyle.Render(fmt.Sprintf("errors %d", r.Aging.Errors)))
		}
	}
	return sb.String()
}

// TimeAgo formats an RFC3339 date string as a relative time.
func TimeAgo(isoDate string) string {
	if isoDate == "" {
		return ""
	}
	var t time.Time
	var err error
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02 15:04:05", time.RFC3339Nano} {
		t, err = time.Parse(layout, isoDate)
		if err == nil {
			break
		}
	}
	if err != nil {
		return isoDate[:min(10, len(isoDate))]
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("Jan 2")
	}
}

// Truncate shortens a string to maxLen, adding ellipsis if needed.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// SuccessMsg prints a green checkmark + message.
func SuccessMsg(format string, args ...any) {
	fmt.Println(Success.Render("✓") + " " + fmt.Sprintf(format, args...))
}

// ErrorMsg prints a red X + message to stderr.
func ErrorMsg(format string, args ...any) {
	fmt.Fprintln(os.Stderr, ErrStyle.Render("✗")+" "+fmt.Sprintf(format, args...))
}

// Header prints a section header.
func Header(title string) {
	fmt.Println(Bold.Render(title))
}

// SubHeader prints a dim subsection label.
func SubHeader(title string) {
	fmt.Println(Muted.Render(title))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
