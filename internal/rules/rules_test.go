package rules

import (
	"fmt"
	"testing"

	"github.com/mailpilot/mailpilot/internal/types"
)

func msg(sender, subject string) *types.Message {
	return &types.Message{Sender: sender, Subject: subject, ContentLoaded: true}
}

func TestMatchesKindsAreANDedPatternsAreORed(t *testing.T) {
	r := Rule{
		Name: "billing",
		Match: Match{
			SenderContains:  []string{"stripe.com", "paypal.com"},
			SubjectContains: []string{"receipt", "invoice"},
		},
		Actions: []types.Action{types.ActionMove},
		Folder:  "Receipts",
	}

	tests := []struct {
		name    string
		sender  string
		subject string
		want    bool
	}{
		{"both kinds satisfied", "billing@stripe.com", "Your receipt", true},
		{"alternate patterns", "noreply@paypal.com", "Invoice #12", true},
		{"case insensitive", "Billing@STRIPE.com", "RECEIPT", true},
		{"sender only", "billing@stripe.com", "welcome aboard", false},
		{"subject only", "friend@example.com", "your receipt", false},
		{"neither", "friend@example.com", "lunch?", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Matches(msg(tt.sender, tt.subject)); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.sender, tt.subject, got, tt.want)
			}
		})
	}
}

func TestMatchesSenderDomain(t *testing.T) {
	r := Rule{
		Name:    "github",
		Match:   Match{SenderDomain: []string{"github.com"}},
		Actions: []types.Action{types.ActionIgnore},
	}

	tests := []struct {
		sender string
		want   bool
	}{
		{"notifications@github.com", true},
		{"GitHub <noreply@github.com>", true},
		{"ci@mail.github.com", true}, // subdomain
		{"x@notgithub.com", false},   // suffix must respect the dot boundary
		{"github.com@evil.com", false},
		{"no-at-sign", false},
	}
	for _, tt := range tests {
		if got := r.Matches(msg(tt.sender, "any")); got != tt.want {
			t.Errorf("Matches(sender=%q) = %v, want %v", tt.sender, got, tt.want)
		}
	}
}

func TestMatchesHeaderCoversRecipients(t *testing.T) {
	r := Rule{
		Name:    "lists",
		Match:   Match{HeaderContains: []string{"dev-list@"}},
		Actions: []types.Action{types.ActionIgnore},
	}

	m := msg("someone@example.com", "weekly thread")
	if r.Matches(m) {
		t.Error("matched without the recipient present")
	}
	m.Recipients = []string{"dev-list@example.com"}
	if !r.Matches(m) {
		t.Error("recipient header pattern did not match")
	}
}

func TestFirstMatchLoadsContentInListedOrder(t *testing.T) {
	rs := []Rule{
		{
			Name:    "unsubscribe",
			Match:   Match{BodyContains: []string{"unsubscribe"}},
			Actions: []types.Action{types.ActionIgnore},
		},
		{
			Name:    "boss",
			Match:   Match{SenderContains: []string{"boss@"}},
			Actions: []types.Action{types.ActionFlag},
		},
	}

	// A body rule listed first must win over a later metadata rule that
	// also matches, loading the content on demand exactly once.
	m := &types.Message{Sender: "boss@example.com"}
	loads := 0
	load := func(m *types.Message) error {
		loads++
		m.Content = "please unsubscribe me"
		m.ContentLoaded = true
		return nil
	}
	got, err := FirstMatch(rs, m, load)
	if err != nil {
		t.Fatalf("first match: %v", err)
	}
	if got == nil || got.Name != "unsubscribe" {
		t.Errorf("FirstMatch = %v, want unsubscribe (listed order wins)", got)
	}
	if loads != 1 {
		t.Errorf("content loaded %d times, want 1", loads)
	}

	// A metadata rule listed first short-circuits without loading.
	m = &types.Message{Sender: "boss@example.com"}
	loads = 0
	got, err = FirstMatch([]Rule{rs[1], rs[0]}, m, load)
	if err != nil {
		t.Fatalf("first match: %v", err)
	}
	if got == nil || got.Name != "boss" {
		t.Errorf("FirstMatch = %v, want boss", got)
	}
	if loads != 0 {
		t.Errorf("content loaded %d times for an earlier metadata match, want 0", loads)
	}
}

func TestFirstMatchWithoutLoader(t *testing.T) {
	rs := []Rule{
		{
			Name:    "unsubscribe",
			Match:   Match{BodyContains: []string{"unsubscribe"}},
			Actions: []types.Action{types.ActionIgnore},
		},
		{
			Name:    "boss",
			Match:   Match{SenderContains: []string{"boss@"}},
			Actions: []types.Action{types.ActionFlag},
		},
	}

	m := &types.Message{Sender: "boss@example.com", Content: "please unsubscribe me"}
	got, err := FirstMatch(rs, m, nil)
	if err != nil {
		t.Fatalf("first match: %v", err)
	}
	if got == nil || got.Name != "boss" {
		t.Errorf("FirstMatch without loader = %v, want boss (body rule unevaluated)", got)
	}

	m.ContentLoaded = true
	got, err = FirstMatch(rs, m, nil)
	if err != nil {
		t.Fatalf("first match: %v", err)
	}
	if got == nil || got.Name != "unsubscribe" {
		t.Errorf("FirstMatch with loaded content = %v, want unsubscribe", got)
	}
}

func TestFirstMatchLoadErrorPropagates(t *testing.T) {
	rs := []Rule{{
		Name:    "unsubscribe",
		Match:   Match{BodyContains: []string{"unsubscribe"}},
		Actions: []types.Action{types.ActionIgnore},
	}}

	m := &types.Message{Sender: "x@example.com"}
	load := func(m *types.Message) error { return fmt.Errorf("timed out") }
	if _, err := FirstMatch(rs, m, load); err == nil {
		t.Fatal("load failure not propagated")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{
			"valid",
			Rule{Name: "r", Match: Match{SenderContains: []string{"x"}}, Actions: []types.Action{types.ActionFlag}},
			false,
		},
		{
			"missing name",
			Rule{Match: Match{SenderContains: []string{"x"}}, Actions: []types.Action{types.ActionFlag}},
			true,
		},
		{
			"no actions",
			Rule{Name: "r", Match: Match{SenderContains: []string{"x"}}},
			true,
		},
		{
			"invalid action",
			Rule{Name: "r", Match: Match{SenderContains: []string{"x"}}, Actions: []types.Action{"explode"}},
			true,
		},
		{
			"move without folder",
			Rule{Name: "r", Match: Match{SenderContains: []string{"x"}}, Actions: []types.Action{types.ActionMove}},
			true,
		},
		{
			"no match conditions",
			Rule{Name: "r", Actions: []types.Action{types.ActionFlag}},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.rule.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecisionCarriesRuleProvenance(t *testing.T) {
	r := Rule{Name: "receipts", Folder: "Receipts", Actions: []types.Action{types.ActionMove}}
	d := r.Decision(types.ActionMove)
	if d.Confidence != 1.0 {
		t.Errorf("confidence = %g, want 1.0", d.Confidence)
	}
	if d.Move == nil || d.Move.Folder != "Receipts" {
		t.Errorf("move payload = %+v", d.Move)
	}
	if d.Category != "rule" {
		t.Errorf("category = %q", d.Category)
	}
	if err := d.Validate(); err != nil {
		t.Errorf("decision invalid: %v", err)
	}
}
