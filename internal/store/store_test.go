package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mailpilot/mailpilot/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testMessage(id string) *types.Message {
	return &types.Message{
		ID:      id,
		Subject: "subject " + id,
		Sender:  "sender@example.com",
		Mailbox: "INBOX",
		Account: "Test",
	}
}

func testDecision(action types.Action) *types.Decision {
	d := &types.Decision{Action: action, Confidence: 0.9, Reasoning: "test"}
	if action == types.ActionMove {
		d.Move = &types.MovePayload{Folder: "Archive"}
	}
	return d
}

func TestMarkProcessedClearsPendingRows(t *testing.T) {
	st := newTestStore(t)
	m := testMessage("msg-1")

	if _, err := st.AddPendingAction(m.ID, m.Summary(), testDecision(types.ActionMove), "why"); err != nil {
		t.Fatalf("add pending: %v", err)
	}
	if n := st.PendingCount(); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}

	if err := st.MarkProcessed(m, testDecision(types.ActionMove)); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if !st.IsProcessed("msg-1") {
		t.Error("message not processed")
	}
	if n := st.PendingCount(); n != 0 {
		t.Errorf("pending = %d, a processed message may not stay queued", n)
	}
}

func TestAddPendingActionReplacesOlderRow(t *testing.T) {
	st := newTestStore(t)

	first, err := st.AddPendingAction("msg-1", "sender: one", testDecision(types.ActionMove), "first")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := st.AddPendingAction("msg-1", "sender: one", testDecision(types.ActionFlag), "second")
	if err != nil {
		t.Fatalf("add again: %v", err)
	}
	if first == second {
		t.Fatal("expected a fresh row id")
	}
	if n := st.PendingCount(); n != 1 {
		t.Fatalf("pending = %d, want exactly one row per message", n)
	}

	pa, err := st.PendingAction(second)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if pa.Decision == nil || pa.Decision.Action != types.ActionFlag {
		t.Errorf("decision = %+v, want the replacement", pa.Decision)
	}
}

func TestForceMarkProcessed(t *testing.T) {
	st := newTestStore(t)
	m := testMessage("msg-1")

	st.AddPendingAction(m.ID, m.Summary(), testDecision(types.ActionMove), "why")
	st.IncrementRuleFailure(m.ID, "ai_classification", "boom")
	st.IncrementRuleFailure(m.ID, "ai_classification", "boom again")

	if err := st.ForceMarkProcessed(m, "classification_failed", "boom again"); err != nil {
		t.Fatalf("force mark: %v", err)
	}
	if !st.IsProcessed("msg-1") {
		t.Error("message not processed")
	}
	if n := st.PendingCount(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if n := st.RuleFailureCount("msg-1", "ai_classification"); n != 0 {
		t.Errorf("failure count = %d, want cleared", n)
	}
}

func TestRuleFailureCounterIncrements(t *testing.T) {
	st := newTestStore(t)

	for want := 1; want <= 3; want++ {
		got, err := st.IncrementRuleFailure("msg-1", "content_loading", "timeout")
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("count = %d, want %d", got, want)
		}
	}

	// Stages count independently.
	if got, _ := st.IncrementRuleFailure("msg-1", "ai_classification", "boom"); got != 1 {
		t.Errorf("other stage count = %d, want 1", got)
	}

	if err := st.ClearRuleFailures("msg-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n := st.RuleFailureCount("msg-1", "content_loading"); n != 0 {
		t.Errorf("count after clear = %d", n)
	}
}

func TestTrackFirstSeenKeepsOriginalTimestamp(t *testing.T) {
	st := newTestStore(t)

	if err := st.TrackFirstSeen("msg-1", "INBOX", "Test"); err != nil {
		t.Fatalf("track: %v", err)
	}
	stale, err := st.StaleInboxEmails(0)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("stale rows = %d, want 1", len(stale))
	}
	orig := stale[0].FirstSeenAt

	// Re-tracking on a later pass must not refresh the timestamp.
	if err := st.TrackFirstSeen("msg-1", "INBOX", "Test"); err != nil {
		t.Fatalf("re-track: %v", err)
	}
	stale, _ = st.StaleInboxEmails(0)
	if len(stale) != 1 || stale[0].FirstSeenAt != orig {
		t.Errorf("first seen changed from %q to %+v", orig, stale)
	}

	if err := st.RemoveFirstSeen("msg-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if stale, _ := st.StaleInboxEmails(0); len(stale) != 0 {
		t.Error("row survived removal")
	}
}

func TestPendingFolderQueue(t *testing.T) {
	st := newTestStore(t)

	d := testDecision(types.ActionMove)
	if _, err := st.AddPendingFolderAction("msg-1", "sender: one", d, "why", "Newsletters", "Test"); err != nil {
		t.Fatalf("add folder action: %v", err)
	}
	if _, err := st.AddPendingFolderAction("msg-2", "sender: two", d, "why", "Newsletters", "Test"); err != nil {
		t.Fatalf("add folder action: %v", err)
	}
	if _, err := st.AddPendingFolderAction("msg-3", "sender: three", d, "why", "Invoices", "Work"); err != nil {
		t.Fatalf("add folder action: %v", err)
	}

	folders, err := st.PendingFolders("")
	if err != nil {
		t.Fatalf("pending folders: %v", err)
	}
	if len(folders) != 2 {
		t.Fatalf("folders = %+v, want 2 distinct", folders)
	}

	actions, err := st.ActionsForFolder("Newsletters", "Test")
	if err != nil {
		t.Fatalf("actions for folder: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(actions))
	}

	only, err := st.PendingFolders("Work")
	if err != nil {
		t.Fatalf("pending folders filtered: %v", err)
	}
	if len(only) != 1 || only[0].Folder != "Invoices" {
		t.Errorf("filtered folders = %+v", only)
	}
}

func TestMailboxCacheExpiry(t *testing.T) {
	st := newTestStore(t)

	if err := st.SetCachedMailboxes("Test", []string{"INBOX", "Archive"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	names, ok := st.CachedMailboxes("Test", time.Hour)
	if !ok {
		t.Fatal("fresh cache miss")
	}
	if len(names) != 2 || names[0] != "INBOX" {
		t.Errorf("names = %v", names)
	}

	if _, ok := st.CachedMailboxes("Test", -time.Second); ok {
		t.Error("expired cache hit")
	}
	if _, ok := st.CachedMailboxes("Other", time.Hour); ok {
		t.Error("unknown account hit")
	}

	if _, err := st.ClearMailboxCache("Test"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := st.CachedMailboxes("Test", time.Hour); ok {
		t.Error("cache hit after clear")
	}
}

func TestWatcherState(t *testing.T) {
	st := newTestStore(t)

	if got := st.WatcherState("watcher_pid"); got != "" {
		t.Errorf("unset state = %q", got)
	}
	if err := st.SetWatcherState("watcher_pid", "1234"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := st.WatcherState("watcher_pid"); got != "1234" {
		t.Errorf("state = %q, want 1234", got)
	}
	if err := st.SetWatcherState("watcher_pid", "5678"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got := st.WatcherState("watcher_pid"); got != "5678" {
		t.Errorf("state = %q, want 5678", got)
	}
	if err := st.ClearWatcherState(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := st.WatcherState("watcher_pid"); got != "" {
		t.Errorf("state after clear = %q", got)
	}
}

func TestPIMLinks(t *testing.T) {
	st := newTestStore(t)

	if st.HasPIMLink("msg-1", types.ActionCreateReminder) {
		t.Error("link exists before insert")
	}
	if err := st.AddPIMLink("msg-1", types.ActionCreateReminder); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !st.HasPIMLink("msg-1", types.ActionCreateReminder) {
		t.Error("link missing after insert")
	}
	if st.HasPIMLink("msg-1", types.ActionCreateEvent) {
		t.Error("link kind must be distinguished")
	}
	// Re-adding the same link is idempotent.
	if err := st.AddPIMLink("msg-1", types.ActionCreateReminder); err != nil {
		t.Fatalf("re-add: %v", err)
	}
}

func TestAuditLog(t *testing.T) {
	st := newTestStore(t)

	st.LogAction("run-1", "msg-1", "move", "autopilot", map[string]any{"folder": "Archive"})
	st.LogAction("run-1", "msg-2", "delete", "aging", nil)

	entries, err := st.AuditLog(10, "", "")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	moves, err := st.AuditLog(10, "move", "")
	if err != nil {
		t.Fatalf("audit filtered: %v", err)
	}
	if len(moves) != 1 || moves[0].MessageID != "msg-1" {
		t.Fatalf("filtered = %+v", moves)
	}
	if folder, ok := moves[0].Details["folder"].(string); !ok || folder != "Archive" {
		t.Errorf("details = %+v", moves[0].Details)
	}

	aging, err := st.AuditLog(10, "", "aging")
	if err != nil {
		t.Fatalf("audit by source: %v", err)
	}
	if len(aging) != 1 || aging[0].MessageID != "msg-2" {
		t.Errorf("by source = %+v", aging)
	}
}
