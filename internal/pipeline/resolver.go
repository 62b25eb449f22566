package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/mailpilot/mailpilot/internal/mail"
	"github.com/mailpilot/mailpilot/internal/store"
	"github.com/mailpilot/mailpilot/internal/types"
)

// Resolution is the outcome of resolving a destination folder.
type Resolution int

// Resolver outcomes.
const (
	ResolveProceed Resolution = iota
	ResolveQueued
	ResolveSkipped
)

// PromptChoice is the user's answer when a folder is missing under the
// interactive policy.
type PromptChoice int

// Interactive prompt choices.
const (
	ChoiceUseExisting PromptChoice = iota
	ChoiceCreate
	ChoiceSkip
)

// Prompter asks the user how to handle a missing destination folder.
// nearest may be empty when no similar name exists.
type Prompter interface {
	ResolveMissingFolder(target, account, nearest string) (PromptChoice, string)
}

// folderKey identifies one missing (folder, account) pair.
type folderKey struct {
	Folder  string
	Account string
}

// mailboxCacheTTL bounds how long a cached mailbox list is trusted.
const mailboxCacheTTL = time.Hour

// Resolver decides whether a move may proceed against a destination
// folder, creating, prompting, or queueing per the effective policy.
type Resolver struct {
	st     *store.Store
	client mail.Client
	logger *slog.Logger

	// policyFor yields the configured policy for an account; override,
	// when set (from CLI flags), beats it.
	policyFor func(account string) types.FolderPolicy
	override  types.FolderPolicy
	prompter  Prompter

	// queued tallies folder queueing for the end-of-run notification.
	queued map[folderKey]int
}

// NewResolver builds a folder resolver. prompter may be nil, in which
// case the interactive policy degrades to queue.
func NewResolver(st *store.Store, client mail.Client, logger *slog.Logger,
	policyFor func(account string) types.FolderPolicy, override types.FolderPolicy, prompter Prompter) *Resolver {
	return &Resolver{
		st:        st,
		client:    client,
		logger:    logger,
		policyFor: policyFor,
		override:  override,
		prompter:  prompter,
		queued:    make(map[folderKey]int),
	}
}

// effectivePolicy resolves the policy for an account: CLI override, then
// per-account configuration, then queue.
func (r *Resolver) effectivePolicy(account string) types.FolderPolicy {
	if r.override != "" {
		return r.override
	}
	if p := r.policyFor(account); p != "" {
		return p
	}
	return types.FolderQueue
}

// mailboxesFor returns the mailbox list for an account, from the durable
// cache when fresh.
func (r *Resolver) mailboxesFor(ctx context.Context, account string) ([]string, error) {
	if names, ok := r.st.CachedMailboxes(account, mailboxCacheTTL); ok {
		return names, nil
	}
	names, err := r.client.Mailboxes(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("list mailboxes for %s: %w", account, err)
	}
	if err := r.st.SetCachedMailboxes(account, names); err != nil {
		r.logger.Warn("persist mailbox cache failed", "account", account, "error", err)
	}
	return names, nil
}

// findExisting returns the canonical name of a case-insensitive match,
// or "".
func findExisting(target string, names []string) string {
	for _, n := range names {
		if strings.EqualFold(n, target) {
			return n
		}
	}
	return ""
}

// nearestName returns the best fuzzy match for target, or "".
func nearestName(target string, names []string) string {
	matches := fuzzy.Find(target, names)
	if len(matches) == 0 {
		return ""
	}
	return names[matches[0].Index]
}

// Resolve decides how a move to (folder, account) proceeds. On
// ResolveProceed the decision's move payload carries the canonical
// folder name, which may differ from the requested one.
func (r *Resolver) Resolve(ctx context.Context, m *types.Message, d *types.Decision, folder, account string) (Resolution, error) {
	names, err := r.mailboxesFor(ctx, account)
	if err != nil {
		return ResolveSkipped, err
	}

	if existing := findExisting(folder, names); existing != "" {
		substituteFolder(d, existing)
		return ResolveProceed, nil
	}

	policy := r.effectivePolicy(account)
	if policy == types.FolderInteractive && r.prompter == nil {
		policy = types.FolderQueue
	}

	switch policy {
	case types.FolderAutoCreate:
		if err := r.createAndCache(ctx, folder, account, names); err != nil {
			return ResolveSkipped, err
		}
		substituteFolder(d, folder)
		return ResolveProceed, nil

	case types.FolderInteractive:
		choice, name := r.prompter.ResolveMissingFolder(folder, account, nearestName(folder, names))
		switch choice {
		case ChoiceUseExisting:
			substituteFolder(d, name)
			return ResolveProceed, nil
		case ChoiceCreate:
			if err := r.createAndCache(ctx, folder, account, names); err != nil {
				return ResolveSkipped, err
			}
			substituteFolder(d, folder)
			return ResolveProceed, nil
		default:
			return ResolveSkipped, nil
		}

	default: // queue
		if _, err := r.st.AddPendingFolderAction(m.ID, m.Summary(), d, d.Reasoning, folder, account); err != nil {
			return ResolveSkipped, fmt.Errorf("queue folder action: %w", err)
		}
		r.queued[folderKey{folder, account}]++
		return ResolveQueued, nil
	}
}

// createAndCache creates a mailbox and appends it to the durable cache.
func (r *Resolver) createAndCache(ctx context.Context, folder, account string, names []string) error {
	if err := r.client.CreateMailbox(ctx, folder, account); err != nil {
		return fmt.Errorf("create mailbox %s in %s: %w", folder, account, err)
	}
	if err := r.st.SetCachedMailboxes(account, append(names, folder)); err != nil {
		r.logger.Warn("persist mailbox cache failed", "account", account, "error", err)
	}
	r.logger.Info("created mailbox", "folder", folder, "account", account)
	return nil
}

// substituteFolder rewrites the decision's move destination. The
// resolver is the only writer of a decision after construction.
func substituteFolder(d *types.Decision, folder string) {
	if d.Move != nil {
		d.Move.Folder = folder
	} else {
		d.Move = &types.MovePayload{Folder: folder}
	}
}

// QueuedFolders returns how many actions were queued per missing folder
// during this run, for the single end-of-run notification.
func (r *Resolver) QueuedFolders() map[folderKey]int {
	return r.queued
}

// QueuedSummary renders the tally for a notification, e.g.
// "Marketing (iCloud): 3 queued".
func (r *Resolver) QueuedSummary() string {
	if len(r.queued) == 0 {
		return ""
	}
	keys := make([]folderKey, 0, len(r.queued))
	for k := range r.queued {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Account != keys[j].Account {
			return keys[i].Account < keys[j].Account
		}
		return keys[i].Folder < keys[j].Folder
	})
	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s (%s): %d queued", k.Folder, k.Account, r.queued[k]))
	}
	return strings.Join(parts, ", ")
}

// RetryPending re-checks every distinct pending (folder, account) pair
// and drains the queued actions of any folder that now exists. Returns
// the number of actions executed.
func (r *Resolver) RetryPending(ctx context.Context, runID string) (int, error) {
	folders, err := r.st.PendingFolders("")
	if err != nil {
		return 0, err
	}

	executed := 0
	for _, pf := range folders {
		// Bypass the cache: the whole point is detecting folders
		// created since the queueing pass.
		if _, err := r.st.ClearMailboxCache(pf.Account); err != nil {
			r.logger.Warn("clear mailbox cache failed", "account", pf.Account, "error", err)
		}
		names, err := r.mailboxesFor(ctx, pf.Account)
		if err != nil {
			r.logger.Warn("retry: list mailboxes failed", "account", pf.Account, "error", err)
			continue
		}
		canonical := findExisting(pf.Folder, names)
		if canonical == "" {
			continue
		}

		actions, err := r.st.ActionsForFolder(pf.Folder, pf.Account)
		if err != nil {
			r.logger.Warn("retry: load queued actions failed", "folder", pf.Folder, "error", err)
			continue
		}
		for _, pa := range actions {
			if err := r.executeQueuedMove(ctx, runID, pa, canonical, pf.Account); err != nil {
				r.logger.Warn("retry: queued move failed",
					"message_id", pa.MessageID, "folder", canonical, "error", err)
				continue
			}
			executed++
		}
	}
	return executed, nil
}

// executeQueuedMove moves one previously queued message and retires its
// pending row. A stale reference means the message was already handled;
// the row is retired without a move.
func (r *Resolver) executeQueuedMove(ctx context.Context, runID string, pa *store.PendingAction, folder, account string) error {
	m, err := r.client.MessageByID(ctx, pa.MessageID)
	if err != nil && !mail.IsStale(err) {
		return err
	}

	if m != nil {
		if err := r.client.Move(ctx, mail.RefFor(m), folder, account); err != nil {
			if !mail.IsStale(err) {
				return err
			}
		}
	} else {
		m = &types.Message{ID: pa.MessageID}
	}

	d := pa.Decision
	if d == nil {
		d = &types.Decision{Action: types.ActionMove, Confidence: pa.Confidence, Reasoning: pa.Reasoning}
	}
	substituteFolder(d, folder)

	if err := r.st.MarkProcessed(m, d); err != nil {
		return err
	}
	if err := r.st.RemovePendingAction(pa.ID); err != nil {
		// MarkProcessed already deleted the pending row; not an error.
		r.logger.Debug("pending row already removed", "id", pa.ID)
	}
	r.st.ClearRuleFailures(pa.MessageID)
	r.st.RemoveFirstSeen(pa.MessageID)
	if err := r.st.LogAction(runID, pa.MessageID, string(types.ActionMove), "autopilot",
		map[string]any{"folder": folder, "account": account, "retried": true}); err != nil {
		r.logger.Warn("audit log failed", "message_id", pa.MessageID, "error", err)
	}
	return nil
}
