// Package mail defines the narrow adapter interface mailpilot uses to talk
// to the host mail application, plus the osascript-backed implementation.
//
// The pipeline depends only on the Client interface and the small error
// vocabulary in errors.go, never on the scripting mechanism, so the adapter
// can be swapped for a different automation transport.
package mail

import (
	"context"

	"github.com/mailpilot/mailpilot/internal/types"
)

// Account is a mail account known to the host application.
type Account struct {
	Name    string
	Enabled bool
}

// Ref locates a message inside the host application. Mailbox and Account
// speed up lookups; either may be empty, falling back to a global search.
type Ref struct {
	ID      string
	Mailbox string
	Account string
}

// RefFor builds a Ref from a pipeline message.
func RefFor(m *types.Message) Ref {
	return Ref{ID: m.ID, Mailbox: m.Mailbox, Account: m.Account}
}

// VirtualMailboxes are Gmail pseudo-mailboxes the host application reports
// but cannot address directly; the pipeline rewrites them to the queried
// mailbox name.
var VirtualMailboxes = map[string]bool{
	"All Mail":         true,
	"[Gmail]/All Mail": true,
	"Important":        true,
	"Starred":          true,
}

// Client is the host-application adapter. All calls are sequential; the
// automated application is not safely concurrency-tolerant.
type Client interface {
	// Accounts lists the mail accounts configured in the host application.
	Accounts(ctx context.Context) ([]Account, error)

	// Mailboxes lists mailbox names for an account. Pass
	// types.LocalAccount for local "On My Mac" mailboxes.
	Mailboxes(ctx context.Context, account string) ([]string, error)

	// CreateMailbox creates a mailbox in an account (or locally for
	// types.LocalAccount).
	CreateMailbox(ctx context.Context, mailbox, account string) error

	// Messages fetches up to limit messages from a mailbox, newest first.
	Messages(ctx context.Context, mailbox, account string, limit int, unreadOnly bool) ([]*types.Message, error)

	// MessageByID fetches a single message with content loaded.
	MessageByID(ctx context.Context, id string) (*types.Message, error)

	// Content fetches the body of a message on demand.
	Content(ctx context.Context, ref Ref) (string, error)

	// MessageCount returns the number of messages in a mailbox.
	MessageCount(ctx context.Context, account, mailbox string) (int, error)

	// Move relocates one message. TargetAccount may be
	// types.LocalAccount to route to a local mailbox.
	Move(ctx context.Context, ref Ref, targetMailbox, targetAccount string) error

	// MoveBatch submits buffered moves as one batch and returns the ids
	// that were actually moved.
	MoveBatch(ctx context.Context, moves []types.PendingMove) ([]string, error)

	// Delete soft-deletes a message (moves it to the account's trash).
	Delete(ctx context.Context, ref Ref) error

	// MarkRead sets the read status of a message.
	MarkRead(ctx context.Context, ref Ref, read bool) error

	// Flag sets the flagged status of a message.
	Flag(ctx context.Context, ref Ref, flagged bool) error

	// Reply creates (and optionally sends) a reply to a message.
	Reply(ctx context.Context, ref Ref, content string, sendNow bool) error

	// Forward forwards a message (and optionally sends it immediately).
	Forward(ctx context.Context, ref Ref, to []string, sendNow bool) error
}
