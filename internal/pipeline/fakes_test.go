package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mailpilot/mailpilot/internal/config"
	"github.com/mailpilot/mailpilot/internal/mail"
	"github.com/mailpilot/mailpilot/internal/store"
	"github.com/mailpilot/mailpilot/internal/types"
)

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testMessage(id, sender, subject string) *types.Message {
	return &types.Message{
		ID:            id,
		Subject:       subject,
		Sender:        sender,
		DateReceived:  time.Now().Add(-time.Hour),
		Mailbox:       "INBOX",
		Account:       "Test",
		Content:       "body of " + id,
		ContentLoaded: true,
	}
}

func testConfig() *config.Settings {
	return &config.Settings{
		Autopilot: config.AutopilotConfig{
			Enabled:                     true,
			Mailboxes:                   []string{"INBOX"},
			Accounts:                    []string{"Test"},
			BatchSize:                   50,
			ChunkSize:                   10,
			ConfidenceThreshold:         0.7,
			OutboundConfidenceThreshold: 0.9,
			LowConfidenceAction:         types.FlagForReview,
			OutboundPolicy:              types.RequireApproval,
			FolderPolicy:                types.FolderQueue,
			RetentionDays:               90,
		},
	}
}

// fakeMail is an in-memory mail.Client recording every mutation.
type fakeMail struct {
	accounts  []mail.Account
	mailboxes map[string][]string        // account -> mailbox names
	inbox     map[string][]*types.Message // "account/mailbox" -> messages
	byID      map[string]*types.Message
	counts    map[string]int // "account/mailbox"

	created    []string // "folder@account"
	moves      []types.PendingMove
	batches    [][]types.PendingMove
	deleted    []string
	markedRead []string
	flagged    []string
	replies    []string
	forwards   []string

	// moveBatchFn overrides the default all-succeed behavior.
	moveBatchFn func(moves []types.PendingMove) ([]string, error)
	// errs maps method names to injected errors.
	errs map[string]error
}

func newFakeMail() *fakeMail {
	return &fakeMail{
		accounts:  []mail.Account{{Name: "Test", Enabled: true}},
		mailboxes: map[string][]string{"Test": {"INBOX", "Archive", "Receipts"}},
		inbox:     make(map[string][]*types.Message),
		byID:      make(map[string]*types.Message),
		counts:    make(map[string]int),
		errs:      make(map[string]error),
	}
}

func (f *fakeMail) add(m *types.Message) {
	key := m.Account + "/" + m.Mailbox
	f.inbox[key] = append(f.inbox[key], m)
	f.byID[m.ID] = m
}

func (f *fakeMail) Accounts(ctx context.Context) ([]mail.Account, error) {
	if err := f.errs["Accounts"]; err != nil {
		return nil, err
	}
	return f.accounts, nil
}

func (f *fakeMail) Mailboxes(ctx context.Context, account string) ([]string, error) {
	if err := f.errs["Mailboxes"]; err != nil {
		return nil, err
	}
	return f.mailboxes[account], nil
}

func (f *fakeMail) CreateMailbox(ctx context.Context, mailbox, account string) error {
	if err := f.errs["CreateMailbox"]; err != nil {
		return err
	}
	f.created = append(f.created, mailbox+"@"+account)
	f.mailboxes[account] = append(f.mailboxes[account], mailbox)
	return nil
}

func (f *fakeMail) Messages(ctx context.Context, mailbox, account string, limit int, unreadOnly bool) ([]*types.Message, error) {
	if err := f.errs["Messages"]; err != nil {
		return nil, err
	}
	msgs := f.inbox[account+"/"+mailbox]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (f *fakeMail) MessageByID(ctx context.Context, id string) (*types.Message, error) {
	if err := f.errs["MessageByID"]; err != nil {
		return nil, err
	}
	m, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: invalid index", mail.ErrStaleReference)
	}
	return m, nil
}

func (f *fakeMail) Content(ctx context.Context, ref mail.Ref) (string, error) {
	if err := f.errs["Content"]; err != nil {
		return "", err
	}
	if m, ok := f.byID[ref.ID]; ok {
		return m.Content, nil
	}
	return "", fmt.Errorf("%w: invalid index", mail.ErrStaleReference)
}

func (f *fakeMail) MessageCount(ctx context.Context, account, mailbox string) (int, error) {
	if err := f.errs["MessageCount"]; err != nil {
		return 0, err
	}
	return f.counts[account+"/"+mailbox], nil
}

func (f *fakeMail) Move(ctx context.Context, ref mail.Ref, targetMailbox, targetAccount string) error {
	if err := f.errs["Move"]; err != nil {
		return err
	}
	f.moves = append(f.moves, types.PendingMove{
		MessageID: ref.ID, TargetMailbox: targetMailbox, TargetAccount: targetAccount,
	})
	return nil
}

func (f *fakeMail) MoveBatch(ctx context.Context, moves []types.PendingMove) ([]string, error) {
	f.batches = append(f.batches, moves)
	if f.moveBatchFn != nil {
		return f.moveBatchFn(moves)
	}
	ids := make([]string, len(moves))
	for i, mv := range moves {
		ids[i] = mv.MessageID
	}
	return ids, nil
}

func (f *fakeMail) Delete(ctx context.Context, ref mail.Ref) error {
	if err := f.errs["Delete"]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, ref.ID)
	return nil
}

func (f *fakeMail) MarkRead(ctx context.Context, ref mail.Ref, read bool) error {
	if err := f.errs["MarkRead"]; err != nil {
		return err
	}
	f.markedRead = append(f.markedRead, ref.ID)
	return nil
}

func (f *fakeMail) Flag(ctx context.Context, ref mail.Ref, flagged bool) error {
	if err := f.errs["Flag"]; err != nil {
		return err
	}
	f.flagged = append(f.flagged, ref.ID)
	return nil
}

func (f *fakeMail) Reply(ctx context.Context, ref mail.Ref, content string, sendNow bool) error {
	if err := f.errs["Reply"]; err != nil {
		return err
	}
	f.replies = append(f.replies, ref.ID)
	return nil
}

func (f *fakeMail) Forward(ctx context.Context, ref mail.Ref, to []string, sendNow bool) error {
	if err := f.errs["Forward"]; err != nil {
		return err
	}
	f.forwards = append(f.forwards, ref.ID)
	return nil
}

var _ mail.Client = (*fakeMail)(nil)

// fakeProvider is an ai.Provider returning canned decisions.
type fakeProvider struct {
	decide func(m *types.Message) (*types.Decision, error)
	calls  int
}

func (f *fakeProvider) Classify(ctx context.Context, m *types.Message, _ string) (*types.Decision, error) {
	f.calls++
	return f.decide(m)
}

func (f *fakeProvider) AutopilotClassify(ctx context.Context, m *types.Message, _ string) (*types.Decision, error) {
	f.calls++
	return f.decide(m)
}

func (f *fakeProvider) GenerateReply(ctx context.Context, m *types.Message, _ string) (string, error) {
	return "generated reply", nil
}

func (f *fakeProvider) Available(ctx context.Context) bool { return true }
func (f *fakeProvider) Name() string                       { return "fake" }

// fakePIM records created reminders and events.
type fakePIM struct {
	reminders []string
	events    []string
	snapshot  string
	createErr error
}

func (f *fakePIM) Calendars(ctx context.Context) ([]string, error) {
	return []string{"Calendar"}, nil
}

func (f *fakePIM) CreateEvent(ctx context.Context, ev *types.EventPayload, note string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.events = append(f.events, ev.Summary)
	return nil
}

func (f *fakePIM) ReminderLists(ctx context.Context) ([]string, error) {
	return []string{"Reminders"}, nil
}

func (f *fakePIM) CreateReminder(ctx context.Context, r *types.ReminderPayload, note string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.reminders = append(f.reminders, r.Name)
	return nil
}

func (f *fakePIM) Snapshot(ctx context.Context) (string, error) {
	return f.snapshot, nil
}

// fakeNotifier records notification titles.
type fakeNotifier struct {
	sent []string
}

func (f *fakeNotifier) Notify(ctx context.Context, title, message string) error {
	f.sent = append(f.sent, title+": "+message)
	return nil
}

// newTestEngine wires an engine with fakes, a fixed clock and no sleeps.
func newTestEngine(t *testing.T, st *store.Store, client *fakeMail, provider *fakeProvider,
	cfg *config.Settings, opts Options) *Engine {
	t.Helper()
	e := New(st, client, &fakePIM{}, provider, cfg, slogDiscard(), &fakeNotifier{}, opts)
	e.clock = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	e.sleep = func(ctx context.Context, d time.Duration) {}
	return e
}
