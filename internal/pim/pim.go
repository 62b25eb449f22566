// Package pim adapts Calendar.app and Reminders.app through osascript.
//
// Reminders.app is a Catalyst app and its scripting bridge is slow; all
// list queries here are bounded and callers should treat the situational
// snapshot as best effort.
package pim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/mailpilot/mailpilot/internal/types"
)

const recordSep = "\x1e"

// Client is the personal-information-manager adapter used for
// create_reminder and create_event actions and for AI context.
type Client interface {
	// Calendars lists calendar names.
	Calendars(ctx context.Context) ([]string, error)

	// CreateEvent creates a calendar event. A note (typically the source
	// email summary) is stored in the event description.
	CreateEvent(ctx context.Context, ev *types.EventPayload, note string) error

	// ReminderLists lists reminder list names.
	ReminderLists(ctx context.Context) ([]string, error)

	// CreateReminder creates a reminder. The note lands in the reminder
	// body so the source email stays traceable.
	CreateReminder(ctx context.Context, r *types.ReminderPayload, note string) error

	// Snapshot returns a short textual summary of upcoming events and
	// open reminders, used to enrich classifier instructions.
	Snapshot(ctx context.Context) (string, error)
}

// OSAClient talks to Calendar.app and Reminders.app via osascript.
type OSAClient struct {
	logger  *slog.Logger
	timeout time.Duration
	run     func(ctx context.Context, timeout time.Duration, script string) (string, error)
}

// NewOSAClient returns a Client backed by the osascript binary.
func NewOSAClient(logger *slog.Logger) *OSAClient {
	c := &OSAClient{
		logger:  logger,
		timeout: 30 * time.Second,
	}
	c.run = c.osascript
	return c
}

func (c *OSAClient) osascript(ctx context.Context, timeout time.Duration, script string) (string, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("pim automation timed out after %s", timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			stderr := strings.TrimSpace(string(exitErr.Stderr))
			if stderr == "" {
				stderr = "unknown osascript error"
			}
			return "", fmt.Errorf("osascript: %s", stderr)
		}
		return "", fmt.Errorf("osascript: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func escape(v string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", " ",
		"\r", " ",
		"\t", " ",
	)
	return r.Replace(v)
}

func quote(v string) string {
	return `"` + escape(v) + `"`
}

// scriptDate renders a time as an AppleScript date literal.
func scriptDate(t time.Time) string {
	return fmt.Sprintf("date %q", t.Format("01/02/2006 15:04:05"))
}

// Calendars lists calendar names.
func (c *OSAClient) Calendars(ctx context.Context) ([]string, error) {
	script := `
	tell application "Calendar"
		set output to ""
		set RS to (ASCII character 30)
		repeat with cal in calendars
			if output is not "" then set output to output & RS
			set output to output & name of cal
		end repeat
		return output
	end tell`
	out, err := c.run(ctx, 0, script)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, recordSep), nil
}

// CreateEvent creates a calendar event. A missing end defaults to one
// hour after start; all-day events span the start date.
func (c *OSAClient) CreateEvent(ctx context.Context, ev *types.EventPayload, note string) error {
	calendar := ev.Calendar
	if calendar == "" {
		calendar = "Calendar"
	}
	end := ev.Start.Add(time.Hour)
	if ev.End != nil {
		end = *ev.End
	}
	props := []string{
		"summary:" + quote(ev.Summary),
		"start date:startDate",
		"end date:endDate",
	}
	if ev.AllDay {
		props = append(props, "allday event:true")
	}
	if note != "" {
		props = append(props, "description:"+quote(note))
	}
	script := fmt.Sprintf(`
	set startDate to %s
	set endDate to %s
	tell application "Calendar"
		tell calendar %s
			make new event with properties {%s}
		end tell
	end tell`, scriptDate(ev.Start), scriptDate(end), quote(calendar), strings.Join(props, ", "))
	_, err := c.run(ctx, 0, script)
	return err
}

// ReminderLists lists reminder list names.
func (c *OSAClient) ReminderLists(ctx context.Context) ([]string, error) {
	script := `
	tell application "Reminders"
		set output to ""
		set RS to (ASCII character 30)
		repeat with lst in lists
			if output is not "" then set output to output & RS
			set output to output & name of lst
		end repeat
		return output
	end tell`
	out, err := c.run(ctx, 0, script)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, recordSep), nil
}

// CreateReminder creates a reminder in the named list (default
// "Reminders").
func (c *OSAClient) CreateReminder(ctx context.Context, r *types.ReminderPayload, note string) error {
	list := r.List
	if list == "" {
		list = "Reminders"
	}
	props := []string{"name:" + quote(r.Name)}
	if note != "" {
		props = append(props, "body:"+quote(note))
	}
	var pre string
	if r.Due != nil {
		pre = "set dueDate to " + scriptDate(*r.Due) + "\n"
		props = append(props, "due date:dueDate")
	}
	script := fmt.Sprintf(`
	%stell application "Reminders"
		tell list %s
			make new reminder with properties {%s}
		end tell
	end tell`, pre, quote(list), strings.Join(props, ", "))
	_, err := c.run(ctx, 0, script)
	return err
}

// Snapshot summarizes the next day of events and the open reminders in
// the default list. Both halves tolerate failure independently; an error
// is returned only when neither source responds.
func (c *OSAClient) Snapshot(ctx context.Context) (string, error) {
	var sections []string
	var errs []error

	events, err := c.upcomingEvents(ctx)
	if err != nil {
		errs = append(errs, err)
	} else if len(events) > 0 {
		sections = append(sections, "Upcoming events:\n"+strings.Join(events, "\n"))
	}

	reminders, err := c.openReminders(ctx)
	if err != nil {
		errs = append(errs, err)
	} else if len(reminders) > 0 {
		sections = append(sections, "Open reminders:\n"+strings.Join(reminders, "\n"))
	}

	if len(sections) == 0 && len(errs) == 2 {
		return "", fmt.Errorf("situational snapshot unavailable: %w", errs[0])
	}
	return strings.Join(sections, "\n\n"), nil
}

func (c *OSAClient) upcomingEvents(ctx context.Context) ([]string, error) {
	now := time.Now()
	script := fmt.Sprintf(`
	set rangeStart to %s
	set rangeEnd to %s
	tell application "Calendar"
		set output to ""
		set RS to (ASCII character 30)
		set found to 0
		repeat with cal in calendars
			set evts to (events of cal whose start date >= rangeStart and start date <= rangeEnd)
			repeat with evt in evts
				if found >= 10 then exit repeat
				if output is not "" then set output to output & RS
				set output to output & (start date of evt as string) & ": " & (summary of evt)
				set found to found + 1
			end repeat
			if found >= 10 then exit repeat
		end repeat
		return output
	end tell`, scriptDate(now), scriptDate(now.Add(24*time.Hour)))
	out, err := c.run(ctx, time.Minute, script)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, recordSep), nil
}

func (c *OSAClient) openReminders(ctx context.Context) ([]string, error) {
	script := `
	tell application "Reminders"
		set output to ""
		set RS to (ASCII character 30)
		set found to 0
		set rems to (reminders of list "Reminders" whose completed is false)
		repeat with rem in rems
			if found >= 10 then exit repeat
			if output is not "" then set output to output & RS
			set output to output & (name of rem)
			set found to found + 1
		end repeat
		return output
	end tell`
	out, err := c.run(ctx, time.Minute, script)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, recordSep), nil
}

var _ Client = (*OSAClient)(nil)
