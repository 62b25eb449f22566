// Package watcher runs the hybrid watch loop: cheap message-count polls
// trigger a pipeline pass when new mail lands, with a slower interval
// scan as the fallback so nothing waits forever.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/mailpilot/mailpilot/internal/config"
	"github.com/mailpilot/mailpilot/internal/mail"
	"github.com/mailpilot/mailpilot/internal/store"
)

// Durable watcher state keys.
const (
	stateKeyCounts   = "last_inbox_counts"
	stateKeyLastScan = "last_scan_completed"
	stateKeyPID      = "watcher_pid"
)

// ErrAlreadyRunning means another live watcher process holds the lock.
var ErrAlreadyRunning = errors.New("watcher already running")

// RunFunc executes one pipeline pass. reason is "startup",
// "new_messages" or "interval"; detail is human-readable.
type RunFunc func(ctx context.Context, reason, detail string) error

// Watcher owns the watch loop for one process.
type Watcher struct {
	st     *store.Store
	client mail.Client
	cfg    *config.Settings
	logger *slog.Logger
	run    RunFunc

	// clock, sleep and pid are injectable for tests.
	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
	pid   int
	alive func(pid int) bool
}

// New builds a watcher around a pass runner.
func New(st *store.Store, client mail.Client, cfg *config.Settings, logger *slog.Logger, run RunFunc) *Watcher {
	return &Watcher{
		st:     st,
		client: client,
		cfg:    cfg,
		logger: logger,
		run:    run,
		clock:  time.Now,
		sleep: func(ctx context.Context, d time.Duration) bool {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return false
			case <-t.C:
				return true
			}
		},
		pid:   os.Getpid(),
		alive: processAlive,
	}
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// acquireLock claims the single-watcher pid lock, reclaiming it from a
// dead process.
func (w *Watcher) acquireLock() error {
	if v := w.st.WatcherState(stateKeyPID); v != "" {
		pid, err := strconv.Atoi(v)
		if err == nil && pid != w.pid && w.alive(pid) {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		w.logger.Info("reclaiming stale watcher lock", "stale_pid", v)
	}
	return w.st.SetWatcherState(stateKeyPID, strconv.Itoa(w.pid))
}

// Run blocks until ctx is cancelled, sampling message counts every poll
// interval and firing a pass on new mail or on the fallback interval.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.acquireLock(); err != nil {
		return err
	}
	// Release only the lock on exit; the count baseline and scan
	// timestamp survive restarts.
	defer func() {
		if err := w.st.SetWatcherState(stateKeyPID, ""); err != nil {
			w.logger.Warn("release watcher lock failed", "error", err)
		}
	}()

	wc := &w.cfg.Autopilot.Watcher
	w.logger.Info("watcher starting",
		"pid", w.pid,
		"poll_interval", wc.PollInterval(),
		"scan_interval", wc.PostScanInterval())

	if wc.StartupScan {
		w.pass(ctx, "startup", "initial scan")
	}

	// Baseline counts so the first poll does not misread existing mail
	// as new.
	prev, err := w.sampleCounts(ctx)
	if err != nil {
		w.logger.Warn("baseline count sample failed", "error", err)
		prev = w.loadCounts()
	} else {
		w.saveCounts(prev)
	}

	for {
		if !w.sleep(ctx, wc.PollInterval()) {
			w.logger.Info("watcher stopping")
			return nil
		}

		cur, err := w.sampleCounts(ctx)
		if err != nil {
			w.logger.Warn("count sample failed", "error", err)
			continue
		}

		reason, detail, fire := w.decideTrigger(prev, cur)
		if fire {
			w.pass(ctx, reason, detail)
			// Re-sample after the pass: the pass itself moves mail, and
			// those count drops must not look like activity next poll.
			if after, err := w.sampleCounts(ctx); err == nil {
				cur = after
			}
		}
		prev = cur
		w.saveCounts(cur)
	}
}

// decideTrigger compares count samples against the baseline. A count
// increase wins over the fallback interval.
func (w *Watcher) decideTrigger(prev, cur map[string]int) (reason, detail string, fire bool) {
	var grown []string
	for key, n := range cur {
		if n > prev[key] {
			grown = append(grown, key)
		}
	}
	if len(grown) > 0 {
		sort.Strings(grown)
		key := grown[0]
		return "new_messages", fmt.Sprintf("%d new message(s) in %s", cur[key]-prev[key], key), true
	}

	last := w.lastScanCompleted()
	if last.IsZero() || w.clock().Sub(last) >= w.cfg.Autopilot.Watcher.PostScanInterval() {
		return "interval", "scheduled scan", true
	}
	return "", "", false
}

// pass runs one pipeline pass and records the completion time.
func (w *Watcher) pass(ctx context.Context, reason, detail string) {
	if ctx.Err() != nil {
		return
	}
	w.logger.Info("scan triggered", "reason", reason, "detail", detail)
	if err := w.run(ctx, reason, detail); err != nil {
		w.logger.Error("scan failed", "reason", reason, "error", err)
		return
	}
	if err := w.st.SetWatcherState(stateKeyLastScan, w.clock().UTC().Format(time.RFC3339)); err != nil {
		w.logger.Warn("record scan completion failed", "error", err)
	}
}

// sampleCounts reads the message count of every watched (account,
// mailbox) pair, keyed "Account/Mailbox".
func (w *Watcher) sampleCounts(ctx context.Context) (map[string]int, error) {
	accounts := w.cfg.Autopilot.Accounts
	if len(accounts) == 0 {
		all, err := w.client.Accounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		for _, a := range all {
			if a.Enabled {
				accounts = append(accounts, a.Name)
			}
		}
	}

	counts := make(map[string]int)
	var firstErr error
	for _, account := range accounts {
		for _, mailbox := range w.cfg.Autopilot.Mailboxes {
			n, err := w.client.MessageCount(ctx, account, mailbox)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			counts[account+"/"+mailbox] = n
		}
	}
	if len(counts) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return counts, nil
}

// loadCounts restores the persisted baseline, surviving restarts.
func (w *Watcher) loadCounts() map[string]int {
	counts := make(map[string]int)
	if v := w.st.WatcherState(stateKeyCounts); v != "" {
		if err := json.Unmarshal([]byte(v), &counts); err != nil {
			w.logger.Warn("stored counts unreadable", "error", err)
		}
	}
	return counts
}

func (w *Watcher) saveCounts(counts map[string]int) {
	data, err := json.Marshal(counts)
	if err != nil {
		return
	}
	if err := w.st.SetWatcherState(stateKeyCounts, string(data)); err != nil {
		w.logger.Warn("persist counts failed", "error", err)
	}
}

func (w *Watcher) lastScanCompleted() time.Time {
	v := w.st.WatcherState(stateKeyLastScan)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
