// Package notify raises desktop notifications via osascript.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Notifier posts a desktop notification. A nil or disabled notifier is
// a no-op so callers never need to branch.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// Desktop posts notifications through the macOS notification center.
type Desktop struct {
	Enabled bool
}

// Notify posts one notification; disabled notifiers do nothing.
func (d *Desktop) Notify(ctx context.Context, title, message string) error {
	if d == nil || !d.Enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	script := fmt.Sprintf("display notification %s with title %s",
		quote(message), quote(title))
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notification failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func quote(v string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", " ",
		"\r", " ",
	)
	return `"` + r.Replace(v) + `"`
}
