// Package ai defines the classifier provider interface and the JSON
// decision wire format shared by the Claude and Ollama providers.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mailpilot/mailpilot/internal/types"
)

// Provider is an AI backend that classifies messages and drafts replies.
type Provider interface {
	// Classify recommends an action for a message given optional
	// context (rules, user preferences).
	Classify(ctx context.Context, m *types.Message, context string) (*types.Decision, error)

	// AutopilotClassify decides an action from the user's natural
	// language instructions. The instructions may include a situational
	// snapshot of calendars and reminders.
	AutopilotClassify(ctx context.Context, m *types.Message, instructions string) (*types.Decision, error)

	// GenerateReply drafts a reply following the given template or
	// instructions.
	GenerateReply(ctx context.Context, m *types.Message, template string) (string, error)

	// Available reports whether the provider is configured and reachable.
	Available(ctx context.Context) bool

	// Name identifies the provider in logs and reports.
	Name() string
}

// autopilotSystemPrompt instructs the model for autopilot classification.
const autopilotSystemPrompt = `You are an intelligent email assistant operating in autopilot mode. Your task is to process emails according to the user's natural language instructions and decide on the appropriate action.

Available actions:
- move: Move to a specific folder (requires target_folder)
- delete: Delete the message (move to trash)
- archive: Archive the message
- mark_read: Mark as read without other action
- mark_unread: Mark as unread
- flag: Flag for attention
- unflag: Remove flag
- reply: Generate and send a reply (requires reply_content)
- forward: Forward to addresses (requires forward_to list)
- create_reminder: Create a Reminders app reminder (requires reminder_name, optional reminder_due)
- create_event: Create a Calendar event (requires event_summary and event_start)
- ignore: Take no action, leave email as-is

SECONDARY ACTIONS:
You can specify a secondary_action for compound operations. This is useful when an email needs two actions.

Valid secondary actions: archive, move, mark_read, mark_unread, flag, unflag, create_reminder, create_event
Do NOT use reply, forward, or delete as secondary actions.

CRITICAL GUIDELINES:
1. Follow the user's instructions precisely - they define your behavior
2. Be CONSERVATIVE - when uncertain, use 'ignore' action
3. Express confidence HONESTLY:
   - 0.9-1.0: Very certain, clear match to user's instructions
   - 0.7-0.9: Confident, reasonable interpretation
   - 0.5-0.7: Moderate confidence, some ambiguity
   - <0.5: Low confidence, unclear how to handle
4. For REPLY actions: include the full reply text in reply_content
5. For MOVE actions: specify the exact folder name in target_folder
6. For CREATE_REMINDER actions: include reminder_name and optionally reminder_due (ISO 8601)
7. For CREATE_EVENT actions: include event_summary and event_start (ISO 8601)
8. NEVER delete emails that appear personal, unique, or important
9. Security-sensitive emails (passwords, 2FA, banking) should be left alone

Respond with ONLY a valid JSON object (no markdown, no explanation):
{
    "action": "action_name",
    "confidence": 0.85,
    "category": "category_label",
    "reasoning": "brief explanation",
    "target_folder": "FolderName",
    "secondary_action": "mark_read",
    "secondary_target_folder": "Archive",
    "reply_content": "full reply text if action is reply",
    "forward_to": ["email@example.com"],
    "reminder_name": "Follow up on email subject",
    "reminder_due": "2025-01-15T09:00:00",
    "event_summary": "Meeting title",
    "event_start": "2025-01-15T14:00:00",
    "event_end": "2025-01-15T15:00:00"
}`

// classifySystemPrompt instructs the model for rule-assisted classification.
const classifySystemPrompt = `You are an email classification assistant. Your task is to analyze emails and recommend actions based on the user's preferences and rules.

Available actions: move, delete, archive, mark_read, mark_unread, flag, unflag, reply, forward, ignore

Respond with ONLY a JSON object containing:
- action: One of the available actions
- confidence: 0.0 to 1.0 confidence in the recommendation
- category: A short category label (e.g., "newsletter", "invoice", "personal")
- target_folder: For move actions, the destination folder
- forward_to: For forward actions, list of email addresses
- reasoning: Brief explanation of your decision

Consider the sender, subject, content, and any provided context/rules.`

// emailBlock renders a message for inclusion in a prompt. The body is
// truncated to keep token usage bounded.
func emailBlock(m *types.Message, bodyLimit int) string {
	content := m.Content
	if len(content) > bodyLimit {
		content = content[:bodyLimit]
	}
	readStatus := "Unread"
	if m.IsRead {
		readStatus = "Read"
	}
	return fmt.Sprintf(`=== EMAIL TO PROCESS ===
Subject: %s
From: %s
To: %s
Date: %s
Mailbox: %s
Account: %s
Read Status: %s

Content:
%s
=== END EMAIL ===`,
		m.Subject, m.Sender, strings.Join(m.Recipients, ", "),
		m.DateReceived.Format(time.RFC3339), m.Mailbox, m.Account,
		readStatus, content)
}

// wireDecision is the JSON shape both providers ask the model to emit.
type wireDecision struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category"`
	Reasoning  string  `json:"reasoning"`

	TargetFolder  string   `json:"target_folder"`
	TargetAccount string   `json:"target_account"`
	ReplyContent  string   `json:"reply_content"`
	ReplyAll      bool     `json:"reply_all"`
	ForwardTo     []string `json:"forward_to"`

	ReminderName string `json:"reminder_name"`
	ReminderDue  string `json:"reminder_due"`
	ReminderList string `json:"reminder_list"`

	EventSummary  string `json:"event_summary"`
	EventStart    string `json:"event_start"`
	EventEnd      string `json:"event_end"`
	EventCalendar string `json:"event_calendar"`
	EventAllDay   bool   `json:"event_all_day"`

	SecondaryAction       string `json:"secondary_action"`
	SecondaryTargetFolder string `json:"secondary_target_folder"`
}

// ParseDecision decodes a model response into a Decision. Markdown code
// fences around the JSON are tolerated; anything else unparseable is a
// classifier error for the caller's failure bookkeeping.
func ParseDecision(responseText string) (*types.Decision, error) {
	jsonStr := stripFences(responseText)

	var w wireDecision
	if err := json.Unmarshal([]byte(jsonStr), &w); err != nil {
		return nil, fmt.Errorf("unparseable classifier response: %w", err)
	}
	if w.Action == "" {
		return nil, fmt.Errorf("classifier response missing action")
	}

	d := &types.Decision{
		Action:     types.Action(w.Action),
		Confidence: w.Confidence,
		Category:   w.Category,
		Reasoning:  w.Reasoning,
	}

	switch d.Action {
	case types.ActionMove:
		d.Move = &types.MovePayload{Folder: w.TargetFolder, Account: w.TargetAccount}
	case types.ActionReply:
		d.Reply = &types.ReplyPayload{Content: w.ReplyContent, ReplyAll: w.ReplyAll}
	case types.ActionForward:
		d.Forward = &types.ForwardPayload{To: w.ForwardTo}
	case types.ActionCreateReminder:
		d.Reminder = &types.ReminderPayload{
			Name: w.ReminderName,
			Due:  parseISO(w.ReminderDue),
			List: w.ReminderList,
		}
	case types.ActionCreateEvent:
		start := parseISO(w.EventStart)
		if start == nil {
			return nil, fmt.Errorf("create_event decision missing event_start")
		}
		d.Event = &types.EventPayload{
			Summary:  w.EventSummary,
			Start:    *start,
			End:      parseISO(w.EventEnd),
			Calendar: w.EventCalendar,
			AllDay:   w.EventAllDay,
		}
	}

	// An invalid secondary is dropped rather than failing the decision.
	if sec := types.Action(w.SecondaryAction); types.IsValidAction(sec) && types.SecondaryAllowed(sec) {
		d.Secondary = sec
		if sec == types.ActionMove && w.SecondaryTargetFolder != "" {
			d.SecondaryMove = &types.MovePayload{Folder: w.SecondaryTargetFolder}
		}
	}

	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid classifier decision: %w", err)
	}
	return d, nil
}

// stripFences extracts JSON from a possibly fenced model response.
func stripFences(s string) string {
	if i := strings.Index(s, "```json"); i >= 0 {
		rest := s[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(s)
}

// parseISO parses an ISO 8601 timestamp, tolerating a trailing Z and a
// missing zone offset.
func parseISO(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
