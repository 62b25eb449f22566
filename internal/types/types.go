// Package types defines core data structures for mailpilot.
package types

import (
	"fmt"
	"time"
)

// Action is the fixed vocabulary of things mailpilot can do to a message.
type Action string

// Action constants.
const (
	ActionMove           Action = "move"
	ActionDelete         Action = "delete"
	ActionArchive        Action = "archive"
	ActionMarkRead       Action = "mark_read"
	ActionMarkUnread     Action = "mark_unread"
	ActionFlag           Action = "flag"
	ActionUnflag         Action = "unflag"
	ActionReply          Action = "reply"
	ActionForward        Action = "forward"
	ActionCreateReminder Action = "create_reminder"
	ActionCreateEvent    Action = "create_event"
	ActionIgnore         Action = "ignore"
)

// ValidActions is the set of allowed action values.
var ValidActions = []Action{
	ActionMove, ActionDelete, ActionArchive, ActionMarkRead, ActionMarkUnread,
	ActionFlag, ActionUnflag, ActionReply, ActionForward,
	ActionCreateReminder, ActionCreateEvent, ActionIgnore,
}

// IsValidAction checks if an action string is valid.
func IsValidAction(a Action) bool {
	for _, v := range ValidActions {
		if v == a {
			return true
		}
	}
	return false
}

// IsOutbound reports whether the action sends mail on the user's behalf.
func (a Action) IsOutbound() bool {
	return a == ActionReply || a == ActionForward
}

// IsPIM reports whether the action creates a calendar or reminders item.
func (a Action) IsPIM() bool {
	return a == ActionCreateReminder || a == ActionCreateEvent
}

// LocalAccount is the sentinel target account that routes moves to local
// "On My Mac" mailboxes instead of a server account.
const LocalAccount = "__local__"

// Message is a transient, read-mostly copy of a Mail.app message held for
// the duration of one pipeline pass. Content may be unloaded until a rule
// or the classifier needs it.
type Message struct {
	ID            string    `json:"id"`
	MessageID     string    `json:"message_id,omitempty"`
	Subject       string    `json:"subject"`
	Sender        string    `json:"sender"`
	Recipients    []string  `json:"recipients,omitempty"`
	DateReceived  time.Time `json:"date_received"`
	DateSent      time.Time `json:"date_sent,omitempty"`
	Mailbox       string    `json:"mailbox"`
	Account       string    `json:"account"`
	IsRead        bool      `json:"is_read"`
	Content       string    `json:"content,omitempty"`
	ContentLoaded bool      `json:"-"`
}

// Summary returns the "sender: subject" form used for pending-action rows.
func (m *Message) Summary() string {
	subject := m.Subject
	if len(subject) > 50 {
		subject = subject[:50]
	}
	return m.Sender + ": " + subject
}

// MovePayload carries the destination for move/archive actions.
type MovePayload struct {
	Folder  string `json:"folder"`
	Account string `json:"account,omitempty"`
}

// ReplyPayload carries the generated reply for reply actions.
type ReplyPayload struct {
	Content  string `json:"content"`
	ReplyAll bool   `json:"reply_all,omitempty"`
}

// ForwardPayload carries the recipients for forward actions.
type ForwardPayload struct {
	To      []string `json:"to"`
	Comment string   `json:"comment,omitempty"`
}

// ReminderPayload carries the fields for create_reminder actions.
type ReminderPayload struct {
	Name string     `json:"name"`
	Due  *time.Time `json:"due,omitempty"`
	List string     `json:"list,omitempty"`
}

// EventPayload carries the fields for create_event actions.
type EventPayload struct {
	Summary  string     `json:"summary"`
	Start    time.Time  `json:"start"`
	End      *time.Time `json:"end,omitempty"`
	Calendar string     `json:"calendar,omitempty"`
	AllDay   bool       `json:"all_day,omitempty"`
}

// Decision is the classifier's or a rule's verdict for one message: one
// discriminant action plus the payload for that action kind. It is
// immutable after construction except for a folder substitution applied
// by the resolver.
type Decision struct {
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Category   string  `json:"category,omitempty"`

	Move     *MovePayload     `json:"move,omitempty"`
	Reply    *ReplyPayload    `json:"reply,omitempty"`
	Forward  *ForwardPayload  `json:"forward,omitempty"`
	Reminder *ReminderPayload `json:"reminder,omitempty"`
	Event    *EventPayload    `json:"event,omitempty"`

	// Optional secondary action executed after a successful primary.
	// Reply, forward and delete are not permitted as secondaries.
	Secondary     Action       `json:"secondary,omitempty"`
	SecondaryMove *MovePayload `json:"secondary_move,omitempty"`
}

// disallowedSecondary actions cannot run as a secondary.
var disallowedSecondary = map[Action]bool{
	ActionReply:   true,
	ActionForward: true,
	ActionDelete:  true,
}

// SecondaryAllowed reports whether an action may run as a secondary.
func SecondaryAllowed(a Action) bool {
	return a != "" && !disallowedSecondary[a]
}

// Validate checks that the decision's action/payload combination is
// constructible. Invalid combinations are errors here rather than runtime
// branch misses later.
func (d *Decision) Validate() error {
	if !IsValidAction(d.Action) {
		return fmt.Errorf("invalid action %q", d.Action)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %g out of range [0,1]", d.Confidence)
	}
	switch d.Action {
	case ActionMove:
		if d.Move == nil || d.Move.Folder == "" {
			return fmt.Errorf("move decision requires a target folder")
		}
	case ActionReply:
		if d.Reply == nil || d.Reply.Content == "" {
			return fmt.Errorf("reply decision requires reply content")
		}
	case ActionForward:
		if d.Forward == nil || len(d.Forward.To) == 0 {
			return fmt.Errorf("forward decision requires at least one recipient")
		}
	case ActionCreateReminder:
		if d.Reminder == nil || d.Reminder.Name == "" {
			return fmt.Errorf("create_reminder decision requires a reminder name")
		}
	case ActionCreateEvent:
		if d.Event == nil || d.Event.Summary == "" || d.Event.Start.IsZero() {
			return fmt.Errorf("create_event decision requires a summary and start time")
		}
	}
	if d.Secondary != "" {
		if !SecondaryAllowed(d.Secondary) {
			return fmt.Errorf("action %q not permitted as secondary", d.Secondary)
		}
		if d.Secondary == ActionMove && (d.SecondaryMove == nil || d.SecondaryMove.Folder == "") {
			return fmt.Errorf("secondary move requires a target folder")
		}
	}
	return nil
}

// IsOutbound reports whether this decision sends mail.
func (d *Decision) IsOutbound() bool {
	return d.Action.IsOutbound()
}

// TargetFolder returns the primary move destination, or "" if none.
func (d *Decision) TargetFolder() string {
	if d.Move != nil {
		return d.Move.Folder
	}
	return ""
}

// PendingMove is a buffered move operation awaiting batch flush. It lives
// only for the duration of a processing chunk.
type PendingMove struct {
	MessageID     string
	TargetMailbox string
	TargetAccount string
	SourceMailbox string
	SourceAccount string
}

// ProcessResult is the outcome of handling one message. Never persisted;
// reporting only.
type ProcessResult struct {
	MessageID    string `json:"message_id"`
	Success      bool   `json:"success"`
	Skipped      bool   `json:"skipped,omitempty"`
	Queued       bool   `json:"queued,omitempty"`
	Action       string `json:"action,omitempty"`
	TargetFolder string `json:"target_folder,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Err          string `json:"error,omitempty"`
	RuleMatched  string `json:"rule_matched,omitempty"`

	// Buffered marks a tentative success whose ledger commit awaits the
	// batch flush; the flush may still flip it to a failure.
	Buffered bool `json:"-"`
}

// RunResult summarizes one pipeline pass.
type RunResult struct {
	RunID           string       `json:"run_id"`
	StartedAt       time.Time    `json:"started_at"`
	CompletedAt     time.Time    `json:"completed_at"`
	EmailsFetched   int          `json:"emails_fetched"`
	EmailsProcessed int          `json:"emails_processed"`
	EmailsSkipped   int          `json:"emails_skipped"`
	ActionsExecuted int          `json:"actions_executed"`
	ActionsQueued   int          `json:"actions_queued"`
	Errors          int          `json:"errors"`
	DryRun          bool         `json:"dry_run"`
	Aging           *AgingResult `json:"aging,omitempty"`
}

// Duration returns the run duration.
func (r *RunResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// AgingResult summarizes the three-phase aging/retention sweep.
type AgingResult struct {
	MovedToReview     int `json:"moved_to_review"`
	DeletedFromReview int `json:"deleted_from_review"`
	RetentionDeleted  int `json:"retention_deleted"`
	Errors            int `json:"errors"`
}

// LowConfidenceAction is the policy applied when AI confidence is below
// the configured threshold.
type LowConfidenceAction string

// Low-confidence policy constants.
const (
	FlagForReview    LowConfidenceAction = "flag_for_review"
	SkipLowConf      LowConfidenceAction = "skip"
	QueueForApproval LowConfidenceAction = "queue_for_approval"
)

// OutboundPolicy governs reply/forward execution.
type OutboundPolicy string

// Outbound policy constants.
const (
	RequireApproval     OutboundPolicy = "require_approval"
	AllowHighConfidence OutboundPolicy = "allow_high_confidence"
	FullAutopilot       OutboundPolicy = "full_autopilot"
)

// FolderPolicy governs how a missing destination folder is handled.
type FolderPolicy string

// Folder policy constants. Queue is the default: never silently create
// mailbox structure.
const (
	FolderAutoCreate  FolderPolicy = "auto_create"
	FolderInteractive FolderPolicy = "interactive"
	FolderQueue       FolderPolicy = "queue"
)
