// Package rules implements deterministic quick rules evaluated before AI
// classification. Matching is cheap string containment; a rule hit
// short-circuits the classifier entirely.
package rules

import (
	"fmt"
	"strings"

	"github.com/mailpilot/mailpilot/internal/types"
)

// Match holds the predicate patterns of one rule. Within a kind the
// patterns are ORed; across kinds the present kinds are ANDed. All
// comparisons are case-insensitive substring tests except sender_domain,
// which matches the domain suffix of the sender address.
type Match struct {
	SenderContains  []string `mapstructure:"sender_contains" yaml:"sender_contains"`
	SubjectContains []string `mapstructure:"subject_contains" yaml:"subject_contains"`
	BodyContains    []string `mapstructure:"body_contains" yaml:"body_contains"`
	HeaderContains  []string `mapstructure:"header_contains" yaml:"header_contains"`
	SenderDomain    []string `mapstructure:"sender_domain" yaml:"sender_domain"`
}

// NeedsContent reports whether evaluating this match requires the
// message body to be loaded.
func (m *Match) NeedsContent() bool {
	return len(m.BodyContains) > 0
}

// Rule is one deterministic rule. Actions execute in order when the rule
// matches; Folder is the destination for a move action.
type Rule struct {
	Name    string         `mapstructure:"name" yaml:"name"`
	Match   Match          `mapstructure:"match" yaml:"match"`
	Actions []types.Action `mapstructure:"actions" yaml:"actions"`
	Folder  string         `mapstructure:"folder" yaml:"folder"`
}

// Validate checks the rule is well formed.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule missing name")
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %q has no actions", r.Name)
	}
	for _, a := range r.Actions {
		if !types.IsValidAction(a) {
			return fmt.Errorf("rule %q has invalid action %q", r.Name, a)
		}
		if a == types.ActionMove && r.Folder == "" {
			return fmt.Errorf("rule %q moves without a folder", r.Name)
		}
	}
	if len(r.Match.SenderContains)+len(r.Match.SubjectContains)+
		len(r.Match.BodyContains)+len(r.Match.HeaderContains)+
		len(r.Match.SenderDomain) == 0 {
		return fmt.Errorf("rule %q has no match conditions", r.Name)
	}
	return nil
}

// Matches evaluates the rule against a message. Every predicate kind
// present must be satisfied by at least one of its patterns.
func (r *Rule) Matches(m *types.Message) bool {
	if len(r.Match.SenderContains) > 0 && !anyContains(m.Sender, r.Match.SenderContains) {
		return false
	}
	if len(r.Match.SubjectContains) > 0 && !anyContains(m.Subject, r.Match.SubjectContains) {
		return false
	}
	if len(r.Match.BodyContains) > 0 && !anyContains(m.Content, r.Match.BodyContains) {
		return false
	}
	if len(r.Match.HeaderContains) > 0 && !matchesHeaders(m, r.Match.HeaderContains) {
		return false
	}
	if len(r.Match.SenderDomain) > 0 && !matchesDomain(m.Sender, r.Match.SenderDomain) {
		return false
	}
	return true
}

// FirstMatch returns the first rule in configuration order that matches,
// or nil. Evaluation is strictly in listed order: when it reaches a rule
// needing the message body and the content is not yet loaded, load is
// invoked once to materialize it. A nil load leaves body rules
// unevaluated.
func FirstMatch(rules []Rule, m *types.Message, load func(*types.Message) error) (*Rule, error) {
	for i := range rules {
		r := &rules[i]
		if r.Match.NeedsContent() && !m.ContentLoaded {
			if load == nil {
				continue
			}
			if err := load(m); err != nil {
				return nil, err
			}
		}
		if r.Matches(m) {
			return r, nil
		}
	}
	return nil, nil
}

func anyContains(haystack string, patterns []string) bool {
	h := strings.ToLower(haystack)
	for _, p := range patterns {
		if p != "" && strings.Contains(h, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// matchesHeaders checks the metadata fields that stand in for headers:
// sender, subject, and recipients.
func matchesHeaders(m *types.Message, patterns []string) bool {
	fields := append([]string{m.Sender, m.Subject}, m.Recipients...)
	for _, f := range fields {
		if anyContains(f, patterns) {
			return true
		}
	}
	return false
}

// matchesDomain matches the sender's address domain. The sender may be
// in "Display Name <user@domain>" form.
func matchesDomain(sender string, domains []string) bool {
	addr := sender
	if i := strings.LastIndex(sender, "<"); i >= 0 {
		addr = strings.TrimRight(sender[i+1:], ">")
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return false
	}
	senderDomain := strings.ToLower(strings.TrimSpace(addr[at+1:]))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if senderDomain == d || strings.HasSuffix(senderDomain, "."+d) {
			return true
		}
	}
	return false
}

// Decision converts a matched rule into a full-confidence decision for
// one of its actions.
func (r *Rule) Decision(action types.Action) *types.Decision {
	d := &types.Decision{
		Action:     action,
		Confidence: 1.0,
		Reasoning:  "quick rule: " + r.Name,
		Category:   "rule",
	}
	if action == types.ActionMove {
		d.Move = &types.MovePayload{Folder: r.Folder}
	}
	return d
}
