package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mailpilot/mailpilot/internal/types"
)

// Output separators for scripted list results. ASCII control characters
// virtually never appear in mailbox names or subjects, so parsing stays
// unambiguous without quoting.
const (
	recordSep = "\x1e" // ASCII 30, between messages
	fieldSep  = "\x1f" // ASCII 31, between fields of one message
)

// trashNames are probed in order when soft-deleting, since the host
// application does not expose a trash mailbox property per account.
var trashNames = []string{"Trash", "Deleted Messages", "[Gmail]/Trash", "Deleted Items"}

// contentLimit caps the body size fetched per message.
const contentLimit = 5000

// runFunc executes a script and returns trimmed stdout. Swapped out in tests.
type runFunc func(ctx context.Context, timeout time.Duration, script string) (string, error)

// OSAClient talks to the host mail application through osascript.
type OSAClient struct {
	logger  *slog.Logger
	timeout time.Duration
	run     runFunc
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

// osascript executes one script via the osascript binary and classifies
// failures into the adapter error vocabulary.
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
			return "", fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			stderr := strings.TrimSpace(string(exitErr.Stderr))
			if stderr == "" {
				stderr = "unknown osascript error"
			}
			wrapped := fmt.Errorf("osascript: %s", stderr)
			switch {
			case matchesAny(wrapped, notRunningSignatures):
				return "", fmt.Errorf("%w: %s", ErrNotRunning, stderr)
			case matchesAny(wrapped, staleSignatures):
				return "", fmt.Errorf("%w: %s", ErrStaleReference, stderr)
			}
			return "", wrapped
		}
		return "", fmt.Errorf("osascript: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// escape makes a value safe inside an AppleScript string literal.
// Control characters are replaced since they would break the literal.
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

// quote wraps a value as an AppleScript string literal.
func quote(v string) string {
	return `"` + escape(v) + `"`
}

// msgRef builds a lookup expression for one message. A known source
// mailbox and account makes the lookup scoped and fast; otherwise the
// whole message store is searched.
func msgRef(ref Ref) string {
	if ref.Mailbox != "" && ref.Account != "" && ref.Account != types.LocalAccount {
		return fmt.Sprintf("first message of mailbox %s of account %s whose id is %s",
			quote(ref.Mailbox), quote(ref.Account), ref.ID)
	}
	if ref.Mailbox != "" && ref.Account == types.LocalAccount {
		return fmt.Sprintf("first message of mailbox %s whose id is %s", quote(ref.Mailbox), ref.ID)
	}
	return fmt.Sprintf("first message whose id is %s", ref.ID)
}

// mailboxRef builds a mailbox expression. types.LocalAccount and the
// empty account both address local "On My Mac" mailboxes.
func mailboxRef(mailbox, account string) string {
	if account == "" || account == types.LocalAccount {
		return fmt.Sprintf("mailbox %s", quote(mailbox))
	}
	return fmt.Sprintf("mailbox %s of account %s", quote(mailbox), quote(account))
}

// Accounts lists mail accounts with their enabled state.
func (c *OSAClient) Accounts(ctx context.Context) ([]Account, error) {
	script := `
	tell application "Mail"
		set output to ""
		set RS to (ASCII character 30)
		set FS to (ASCII character 31)
		repeat with acct in accounts
			if output is not "" then set output to output & RS
			set output to output & (name of acct) & FS & (enabled of acct)
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
	var accounts []Account
	for _, rec := range strings.Split(out, recordSep) {
		parts := strings.Split(rec, fieldSep)
		if len(parts) < 2 {
			continue
		}
		accounts = append(accounts, Account{
			Name:    parts[0],
			Enabled: strings.EqualFold(parts[1], "true"),
		})
	}
	return accounts, nil
}

// Mailboxes lists mailbox names for an account, or local mailboxes for
// types.LocalAccount.
func (c *OSAClient) Mailboxes(ctx context.Context, account string) ([]string, error) {
	var script string
	if account == types.LocalAccount {
		script = `
	tell application "Mail"
		set output to ""
		set RS to (ASCII character 30)
		repeat with mbox in mailboxes
			if account of mbox is missing value then
				if output is not "" then set output to output & RS
				set output to output & name of mbox
			end if
		end repeat
		return output
	end tell`
	} else {
		script = fmt.Sprintf(`
	tell application "Mail"
		set output to ""
		set RS to (ASCII character 30)
		repeat with mbox in mailboxes of account %s
			if output is not "" then set output to output & RS
			set output to output & name of mbox
		end repeat
		return output
	end tell`, quote(account))
	}
	out, err := c.run(ctx, 0, script)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	return strings.Split(out, recordSep), nil
}

// CreateMailbox creates a mailbox in an account or locally.
func (c *OSAClient) CreateMailbox(ctx context.Context, mailbox, account string) error {
	var script string
	if account == types.LocalAccount {
		script = fmt.Sprintf(`
	tell application "Mail"
		make new mailbox with properties {name:%s}
	end tell`, quote(mailbox))
	} else {
		script = fmt.Sprintf(`
	tell application "Mail"
		make new mailbox with properties {name:%s} at account %s
	end tell`, quote(mailbox), quote(account))
	}
	_, err := c.run(ctx, 0, script)
	return err
}

// Messages fetches message metadata from a mailbox, newest first. Bodies
// are not loaded; use Content for on-demand materialization.
func (c *OSAClient) Messages(ctx context.Context, mailbox, account string, limit int, unreadOnly bool) ([]*types.Message, error) {
	readFilter := ""
	if unreadOnly {
		readFilter = " whose read status is false"
	}
	script := fmt.Sprintf(`
	tell application "Mail"
		set output to ""
		set RS to (ASCII character 30)
		set FS to (ASCII character 31)
		set msgList to (messages of %s%s)
		set msgCount to count of msgList
		if msgCount > %d then set msgCount to %d
		repeat with i from 1 to msgCount
			set msg to item i of msgList
			set recipList to ""
			repeat with recip in recipients of msg
				if recipList is not "" then set recipList to recipList & ","
				set recipList to recipList & (address of recip)
			end repeat
			if output is not "" then set output to output & RS
			set output to output & (id of msg as string) & FS & (message id of msg) & FS & (subject of msg) & FS & (sender of msg) & FS & recipList & FS & (date received of msg as string) & FS & (date sent of msg as string) & FS & (read status of msg) & FS & (name of mailbox of msg) & FS & (name of account of mailbox of msg)
		end repeat
		return output
	end tell`, mailboxRef(mailbox, account), readFilter, limit, limit)

	out, err := c.run(ctx, 2*time.Minute, script)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var msgs []*types.Message
	for _, rec := range strings.Split(out, recordSep) {
		if m := parseMessage(rec); m != nil {
			// Virtual Gmail mailboxes cannot be addressed back; keep
			// the queried name so later moves resolve.
			if VirtualMailboxes[m.Mailbox] {
				m.Mailbox = mailbox
			}
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

// parseMessage decodes one field-separated metadata record.
func parseMessage(rec string) *types.Message {
	parts := strings.Split(rec, fieldSep)
	if len(parts) < 10 {
		return nil
	}
	return &types.Message{
		ID:           parts[0],
		MessageID:    parts[1],
		Subject:      parts[2],
		Sender:       parts[3],
		Recipients:   splitRecipients(parts[4]),
		DateReceived: parseScriptDate(parts[5]),
		DateSent:     parseScriptDate(parts[6]),
		IsRead:       strings.EqualFold(parts[7], "true"),
		Mailbox:      parts[8],
		Account:      parts[9],
	}
}

func splitRecipients(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// scriptDateLayouts cover the date strings the scripting bridge emits.
var scriptDateLayouts = []string{
	"Monday, January 2, 2006 at 3:04:05 PM",
	"Monday, January 2, 2006 at 15:04:05",
	"2006-01-02 15:04:05",
}

func parseScriptDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" || s == "missing value" {
		return time.Time{}
	}
	for _, layout := range scriptDateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

// MessageByID fetches one message with its body loaded.
func (c *OSAClient) MessageByID(ctx context.Context, id string) (*types.Message, error) {
	script := fmt.Sprintf(`
	tell application "Mail"
		set FS to (ASCII character 31)
		set msg to first message whose id is %s
		set recipList to ""
		repeat with recip in recipients of msg
			if recipList is not "" then set recipList to recipList & ","
			set recipList to recipList & (address of recip)
		end repeat
		set msgContent to ""
		try
			set msgContent to content of msg
			if length of msgContent > %d then set msgContent to text 1 thru %d of msgContent
		end try
		return (id of msg as string) & FS & (message id of msg) & FS & (subject of msg) & FS & (sender of msg) & FS & recipList & FS & (date received of msg as string) & FS & (date sent of msg as string) & FS & (read status of msg) & FS & (name of mailbox of msg) & FS & (name of account of mailbox of msg) & FS & msgContent
	end tell`, id, contentLimit, contentLimit)

	out, err := c.run(ctx, 0, script)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(out, fieldSep)
	m := parseMessage(out)
	if m == nil {
		return nil, fmt.Errorf("unparseable message record for id %s", id)
	}
	if len(parts) >= 11 {
		m.Content = parts[10]
		m.ContentLoaded = true
	}
	return m, nil
}

// Content fetches the body of a message on demand, truncated to the
// content limit.
func (c *OSAClient) Content(ctx context.Context, ref Ref) (string, error) {
	script := fmt.Sprintf(`
	tell application "Mail"
		set msg to %s
		set msgContent to content of msg
		if length of msgContent > %d then set msgContent to text 1 thru %d of msgContent
		return msgContent
	end tell`, msgRef(ref), contentLimit, contentLimit)
	return c.run(ctx, 0, script)
}

// MessageCount returns the number of messages in a mailbox.
func (c *OSAClient) MessageCount(ctx context.Context, account, mailbox string) (int, error) {
	script := fmt.Sprintf(`
	tell application "Mail"
		return count of messages of %s
	end tell`, mailboxRef(mailbox, account))
	out, err := c.run(ctx, 0, script)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("unparseable message count %q: %w", out, err)
	}
	return n, nil
}

// Move relocates one message to a target mailbox.
func (c *OSAClient) Move(ctx context.Context, ref Ref, targetMailbox, targetAccount string) error {
	if targetAccount == "" {
		targetAccount = ref.Account
	}
	script := fmt.Sprintf(`
	tell application "Mail"
		set msg to %s
		move msg to %s
	end tell`, msgRef(ref), mailboxRef(targetMailbox, targetAccount))
	_, err := c.run(ctx, 0, script)
	return err
}

// MoveBatch groups buffered moves by destination and executes one script
// per group. Each move is individually fault tolerant inside the script;
// the ids actually moved are returned so callers can reconcile their
// ledger against partial success.
func (c *OSAClient) MoveBatch(ctx context.Context, moves []types.PendingMove) ([]string, error) {
	if len(moves) == 0 {
		return nil, nil
	}

	type target struct{ mailbox, account string }
	groups := make(map[target][]types.PendingMove)
	var order []target
	for _, mv := range moves {
		key := target{mv.TargetMailbox, mv.TargetAccount}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], mv)
	}

	var moved []string
	var firstErr error
	for _, key := range order {
		group := groups[key]
		account := key.account
		if account == "" {
			account = group[0].SourceAccount
		}

		ids := make([]string, len(group))
		for i, mv := range group {
			ids[i] = mv.MessageID
		}

		script := fmt.Sprintf(`
	tell application "Mail"
		set RS to (ASCII character 30)
		set targetBox to %s
		set msgIds to {%s}
		set movedIds to ""
		repeat with msgId in msgIds
			try
				set msg to first message whose id is msgId
				move msg to targetBox
				if movedIds is not "" then set movedIds to movedIds & RS
				set movedIds to movedIds & (msgId as string)
			end try
		end repeat
		return movedIds
	end tell`, mailboxRef(key.mailbox, account), strings.Join(ids, ", "))

		out, err := c.run(ctx, 2*time.Minute, script)
		if err != nil {
			c.logger.Warn("batch move group failed",
				"mailbox", key.mailbox, "account", account, "count", len(group), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if out != "" {
			moved = append(moved, strings.Split(out, recordSep)...)
		}
	}
	if len(moved) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return moved, nil
}

// Delete soft-deletes a message by moving it to the account's trash,
// probing common trash names.
func (c *OSAClient) Delete(ctx context.Context, ref Ref) error {
	quoted := make([]string, len(trashNames))
	for i, n := range trashNames {
		quoted[i] = quote(n)
	}
	script := fmt.Sprintf(`
	tell application "Mail"
		set msg to %s
		set msgAcct to account of mailbox of msg
		set trashNames to {%s}
		set trashMbox to missing value
		repeat with trashName in trashNames
			try
				set trashMbox to mailbox trashName of msgAcct
				exit repeat
			end try
		end repeat
		if trashMbox is missing value then error "could not find trash mailbox"
		move msg to trashMbox
	end tell`, msgRef(ref), strings.Join(quoted, ", "))
	_, err := c.run(ctx, 0, script)
	return err
}

// MarkRead sets the read status of a message.
func (c *OSAClient) MarkRead(ctx context.Context, ref Ref, read bool) error {
	script := fmt.Sprintf(`
	tell application "Mail"
		set msg to %s
		set read status of msg to %t
	end tell`, msgRef(ref), read)
	_, err := c.run(ctx, 0, script)
	return err
}

// Flag sets the flagged status of a message.
func (c *OSAClient) Flag(ctx context.Context, ref Ref, flagged bool) error {
	script := fmt.Sprintf(`
	tell application "Mail"
		set msg to %s
		set flagged status of msg to %t
	end tell`, msgRef(ref), flagged)
	_, err := c.run(ctx, 0, script)
	return err
}

// Reply creates a reply draft with the given content; sendNow sends it
// immediately instead of leaving the draft open.
func (c *OSAClient) Reply(ctx context.Context, ref Ref, content string, sendNow bool) error {
	sendCmd := "-- draft left open for review"
	if sendNow {
		sendCmd = "send replyMsg"
	}
	script := fmt.Sprintf(`
	tell application "Mail"
		set msg to %s
		set replyMsg to reply msg
		set content of replyMsg to %s
		%s
	end tell`, msgRef(ref), quote(content), sendCmd)
	_, err := c.run(ctx, 0, script)
	return err
}

// Forward forwards a message to the given recipients.
func (c *OSAClient) Forward(ctx context.Context, ref Ref, to []string, sendNow bool) error {
	if len(to) == 0 {
		return fmt.Errorf("forward requires at least one recipient")
	}
	quoted := make([]string, len(to))
	for i, addr := range to {
		quoted[i] = quote(addr)
	}
	sendCmd := "-- draft created"
	if sendNow {
		sendCmd = "send fwdMsg"
	}
	script := fmt.Sprintf(`
	tell application "Mail"
		set msg to %s
		set fwdMsg to forward msg
		repeat with addr in {%s}
			make new to recipient at end of to recipients of fwdMsg with properties {address:addr}
		end repeat
		%s
	end tell`, msgRef(ref), strings.Join(quoted, ", "), sendCmd)
	_, err := c.run(ctx, 0, script)
	return err
}

var _ Client = (*OSAClient)(nil)
