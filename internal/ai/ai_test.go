package ai

import (
	"strings"
	"testing"
	"time"

	"github.com/mailpilot/mailpilot/internal/types"
)

func TestParseDecisionMove(t *testing.T) {
	d, err := ParseDecision(`{
		"action": "move",
		"confidence": 0.85,
		"category": "newsletter",
		"reasoning": "weekly digest",
		"target_folder": "Newsletters"
	}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Action != types.ActionMove {
		t.Errorf("action = %q", d.Action)
	}
	if d.Move == nil || d.Move.Folder != "Newsletters" {
		t.Errorf("move = %+v", d.Move)
	}
	if d.Confidence != 0.85 {
		t.Errorf("confidence = %g", d.Confidence)
	}
}

func TestParseDecisionToleratesMarkdownFences(t *testing.T) {
	raw := "Here is my decision:\n```json\n{\"action\": \"ignore\", \"confidence\": 0.9, \"reasoning\": \"spam\"}\n```"
	d, err := ParseDecision(raw)
	if err != nil {
		t.Fatalf("parse fenced: %v", err)
	}
	if d.Action != types.ActionIgnore {
		t.Errorf("action = %q", d.Action)
	}

	raw = "```\n{\"action\": \"flag\", \"confidence\": 0.8}\n```"
	d, err = ParseDecision(raw)
	if err != nil {
		t.Fatalf("parse bare fence: %v", err)
	}
	if d.Action != types.ActionFlag {
		t.Errorf("action = %q", d.Action)
	}
}

func TestParseDecisionCreateEvent(t *testing.T) {
	d, err := ParseDecision(`{
		"action": "create_event",
		"confidence": 0.9,
		"event_summary": "Team standup",
		"event_start": "2026-03-02T14:00:00",
		"event_end": "2026-03-02T15:00:00"
	}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Event == nil || d.Event.Summary != "Team standup" {
		t.Fatalf("event = %+v", d.Event)
	}
	want := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	if !d.Event.Start.Equal(want) {
		t.Errorf("start = %v, want %v", d.Event.Start, want)
	}
	if d.Event.End == nil {
		t.Error("end not parsed")
	}
}

func TestParseDecisionEventWithoutStartFails(t *testing.T) {
	_, err := ParseDecision(`{"action": "create_event", "confidence": 0.9, "event_summary": "x"}`)
	if err == nil {
		t.Fatal("want error for create_event without start")
	}
}

func TestParseDecisionSecondary(t *testing.T) {
	d, err := ParseDecision(`{
		"action": "create_reminder",
		"confidence": 0.9,
		"reminder_name": "pay invoice",
		"reminder_due": "2026-03-10",
		"secondary_action": "move",
		"secondary_target_folder": "Invoices"
	}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Secondary != types.ActionMove {
		t.Errorf("secondary = %q", d.Secondary)
	}
	if d.SecondaryMove == nil || d.SecondaryMove.Folder != "Invoices" {
		t.Errorf("secondary move = %+v", d.SecondaryMove)
	}
	if d.Reminder == nil || d.Reminder.Due == nil {
		t.Fatalf("reminder = %+v", d.Reminder)
	}
}

func TestParseDecisionDropsForbiddenSecondary(t *testing.T) {
	d, err := ParseDecision(`{
		"action": "flag",
		"confidence": 0.9,
		"secondary_action": "delete"
	}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Secondary != "" {
		t.Errorf("secondary = %q, destructive secondaries must be dropped", d.Secondary)
	}
}

func TestParseDecisionRejectsGarbage(t *testing.T) {
	cases := []string{
		"I think you should probably archive this one.",
		`{"confidence": 0.9}`,
		`{"action": "detonate", "confidence": 0.9}`,
		`{"action": "move", "confidence": 0.9}`,
		`{"action": "reply", "confidence": 0.9}`,
		`{"action": "move", "confidence": 1.7, "target_folder": "X"}`,
	}
	for _, raw := range cases {
		if _, err := ParseDecision(raw); err == nil {
			t.Errorf("ParseDecision(%q) succeeded, want error", raw)
		}
	}
}

func TestEmailBlockTruncatesBody(t *testing.T) {
	// The body marker must not collide with any header field or label.
	m := &types.Message{
		Subject: "hi",
		Sender:  "a@example.com",
		Content: strings.Repeat("z", 500),
	}
	block := emailBlock(m, 100)
	if strings.Count(block, "z") != 100 {
		t.Errorf("body not truncated to limit: %d z's", strings.Count(block, "z"))
	}
	if !strings.Contains(block, "Subject: hi") {
		t.Error("subject missing from block")
	}
}
