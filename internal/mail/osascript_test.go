package mail

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mailpilot/mailpilot/internal/types"
)

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedClient returns canned output per run call and records scripts.
func scriptedClient(outputs ...string) (*OSAClient, *[]string) {
	var scripts []string
	i := 0
	c := NewOSAClient(slogDiscard())
	c.run = func(ctx context.Context, timeout time.Duration, script string) (string, error) {
		scripts = append(scripts, script)
		if i >= len(outputs) {
			return "", nil
		}
		out := outputs[i]
		i++
		return out, nil
	}
	return c, &scripts
}

func TestEscapeAndQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`plain`, `"plain"`},
		{`say "hi"`, `"say \"hi\""`},
		{`back\slash`, `"back\\slash"`},
		{"line\nbreak", `"line break"`},
		{"tab\there", `"tab here"`},
	}
	for _, tt := range tests {
		if got := quote(tt.in); got != tt.want {
			t.Errorf("quote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestMsgRefScoping(t *testing.T) {
	scoped := msgRef(Ref{ID: "42", Mailbox: "INBOX", Account: "Work"})
	if !strings.Contains(scoped, `mailbox "INBOX" of account "Work"`) {
		t.Errorf("scoped ref = %q", scoped)
	}

	local := msgRef(Ref{ID: "42", Mailbox: "Saved", Account: types.LocalAccount})
	if strings.Contains(local, "account") {
		t.Errorf("local ref must not reference an account: %q", local)
	}

	global := msgRef(Ref{ID: "42"})
	if strings.Contains(global, "mailbox") {
		t.Errorf("global ref = %q", global)
	}
}

func TestParseMessage(t *testing.T) {
	rec := strings.Join([]string{
		"1234",
		"<abc@mail.example.com>",
		"Quarterly report",
		"Alice <alice@example.com>",
		"bob@example.com,carol@example.com",
		"Monday, January 5, 2026 at 3:04:05 PM",
		"Monday, January 5, 2026 at 2:58:11 PM",
		"false",
		"INBOX",
		"Work",
	}, fieldSep)

	m := parseMessage(rec)
	if m == nil {
		t.Fatal("parseMessage returned nil")
	}
	if m.ID != "1234" || m.Subject != "Quarterly report" {
		t.Errorf("parsed = %+v", m)
	}
	if len(m.Recipients) != 2 || m.Recipients[1] != "carol@example.com" {
		t.Errorf("recipients = %v", m.Recipients)
	}
	if m.IsRead {
		t.Error("read status mis-parsed")
	}
	if m.DateReceived.IsZero() {
		t.Error("date not parsed")
	}
	if got := m.DateReceived.Hour(); got != 15 {
		t.Errorf("hour = %d, want 15", got)
	}
	if m.ContentLoaded {
		t.Error("metadata record must not claim loaded content")
	}

	if parseMessage("too,few,fields") != nil {
		t.Error("truncated record should parse to nil")
	}
}

func TestParseScriptDate(t *testing.T) {
	tests := []struct {
		in   string
		zero bool
	}{
		{"Monday, January 5, 2026 at 3:04:05 PM", false},
		{"Monday, January 5, 2026 at 15:04:05", false},
		{"2026-01-05 15:04:05", false},
		{"missing value", true},
		{"", true},
		{"not a date", true},
	}
	for _, tt := range tests {
		got := parseScriptDate(tt.in)
		if got.IsZero() != tt.zero {
			t.Errorf("parseScriptDate(%q) = %v, want zero=%v", tt.in, got, tt.zero)
		}
	}
}

func TestMessagesRewritesVirtualMailbox(t *testing.T) {
	rec := strings.Join([]string{
		"1", "<id>", "subj", "a@example.com", "",
		"2026-01-05 10:00:00", "2026-01-05 09:59:00",
		"true", "All Mail", "Gmail",
	}, fieldSep)
	c, _ := scriptedClient(rec)

	msgs, err := c.Messages(context.Background(), "INBOX", "Gmail", 10, false)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Mailbox != "INBOX" {
		t.Errorf("mailbox = %q, virtual name must be rewritten to the queried one", msgs[0].Mailbox)
	}
}

func TestMoveBatchGroupsByDestination(t *testing.T) {
	// Two destinations; scripts return the moved ids per group.
	c, scripts := scriptedClient(
		"1"+recordSep+"2",
		"3",
	)

	moves := []types.PendingMove{
		{MessageID: "1", TargetMailbox: "Archive", TargetAccount: "Work", SourceAccount: "Work"},
		{MessageID: "2", TargetMailbox: "Archive", TargetAccount: "Work", SourceAccount: "Work"},
		{MessageID: "3", TargetMailbox: "Receipts", TargetAccount: "Work", SourceAccount: "Work"},
	}
	moved, err := c.MoveBatch(context.Background(), moves)
	if err != nil {
		t.Fatalf("move batch: %v", err)
	}
	if len(*scripts) != 2 {
		t.Fatalf("scripts = %d, want one per destination group", len(*scripts))
	}
	if len(moved) != 3 {
		t.Fatalf("moved = %v, want all three ids", moved)
	}
}

func TestMoveBatchPartialGroupFailure(t *testing.T) {
	c := NewOSAClient(slogDiscard())
	call := 0
	c.run = func(ctx context.Context, timeout time.Duration, script string) (string, error) {
		call++
		if call == 1 {
			return "", fmt.Errorf("%w: connection is invalid", ErrNotRunning)
		}
		return "2", nil
	}

	moves := []types.PendingMove{
		{MessageID: "1", TargetMailbox: "Archive", TargetAccount: "Work"},
		{MessageID: "2", TargetMailbox: "Receipts", TargetAccount: "Work"},
	}
	moved, err := c.MoveBatch(context.Background(), moves)
	if err != nil {
		t.Fatalf("partial success must not return an error: %v", err)
	}
	if len(moved) != 1 || moved[0] != "2" {
		t.Fatalf("moved = %v, want only the surviving group", moved)
	}
}

func TestMoveBatchTotalFailure(t *testing.T) {
	c := NewOSAClient(slogDiscard())
	c.run = func(ctx context.Context, timeout time.Duration, script string) (string, error) {
		return "", fmt.Errorf("%w: connection is invalid", ErrNotRunning)
	}

	moves := []types.PendingMove{{MessageID: "1", TargetMailbox: "Archive", TargetAccount: "Work"}}
	if _, err := c.MoveBatch(context.Background(), moves); !IsNotRunning(err) {
		t.Fatalf("error = %v, want the underlying failure", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err   error
		stale bool
		down  bool
	}{
		{nil, false, false},
		{fmt.Errorf("osascript: execution error: Mail got an error: Invalid index. (-1719)"), true, false},
		{fmt.Errorf("osascript: Can't get message 1 of mailbox"), true, false},
		{fmt.Errorf("osascript: execution error: the application isn't running. (-600)"), false, true},
		{fmt.Errorf("%w: wrapped", ErrStaleReference), true, false},
		{fmt.Errorf("some other failure"), false, false},
	}
	for _, tt := range tests {
		if got := IsStale(tt.err); got != tt.stale {
			t.Errorf("IsStale(%v) = %v, want %v", tt.err, got, tt.stale)
		}
		if got := IsNotRunning(tt.err); got != tt.down {
			t.Errorf("IsNotRunning(%v) = %v, want %v", tt.err, got, tt.down)
		}
	}
}
