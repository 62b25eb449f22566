// Package pipeline implements the autopilot core: the per-message
// decision flow, folder resolution, the batched mutation buffer, the
// failure/retry bookkeeping and the aging sweep.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailpilot/mailpilot/internal/ai"
	"github.com/mailpilot/mailpilot/internal/config"
	"github.com/mailpilot/mailpilot/internal/mail"
	"github.com/mailpilot/mailpilot/internal/notify"
	"github.com/mailpilot/mailpilot/internal/pim"
	"github.com/mailpilot/mailpilot/internal/rules"
	"github.com/mailpilot/mailpilot/internal/store"
	"github.com/mailpilot/mailpilot/internal/types"
)

// Retryable failure stages with durable counters.
const (
	StageContentLoading   = "content_loading"
	StageAIClassification = "ai_classification"
)

// failureThreshold is the counter value at which a message stops being
// retried and is force-marked processed.
const failureThreshold = 3

// Audit-log sources.
const (
	SourceAutopilot = "autopilot"
	SourceRule      = "rule"
	SourceApproval  = "approval"
	SourceAging     = "aging"
)

// processedScanLimit bounds the processed-id set loaded per pass.
const processedScanLimit = 10000

// Options are per-invocation overrides, typically from CLI flags.
type Options struct {
	DryRun    bool
	BatchSize int
	// Account restricts the pass to one account.
	Account string
	// FolderPolicy overrides the configured folder policy.
	FolderPolicy types.FolderPolicy
	// Prompter enables the interactive folder policy.
	Prompter Prompter
}

// Engine runs one autopilot pass over the configured mailboxes.
type Engine struct {
	st       *store.Store
	client   mail.Client
	pim      pim.Client
	provider ai.Provider
	cfg      *config.Settings
	logger   *slog.Logger
	notifier notify.Notifier
	resolver *Resolver
	opts     Options

	// clock and sleep are injectable for tests.
	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New builds an engine. pimClient may be nil when no PIM integration is
// available; reminder/event actions then fail as automation errors.
func New(st *store.Store, client mail.Client, pimClient pim.Client, provider ai.Provider,
	cfg *config.Settings, logger *slog.Logger, notifier notify.Notifier, opts Options) *Engine {
	e := &Engine{
		st:       st,
		client:   client,
		pim:      pimClient,
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		notifier: notifier,
		opts:     opts,
		clock:    time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
	e.resolver = NewResolver(st, client, logger,
		cfg.Autopilot.EffectiveFolderPolicy, opts.FolderPolicy, opts.Prompter)
	return e
}

// Resolver exposes the folder resolver for the retry command path.
func (e *Engine) Resolver() *Resolver {
	return e.resolver
}

// ExecuteApproved carries out a user-approved pending action. The
// message must still exist; if it vanished the pending row is rejected
// and an error returned.
func (e *Engine) ExecuteApproved(ctx context.Context, pa *store.PendingAction) (*types.ProcessResult, error) {
	if pa == nil {
		return nil, fmt.Errorf("no such pending action")
	}
	if pa.Status != store.StatusPending {
		return nil, fmt.Errorf("pending action %d already processed (status: %s)", pa.ID, pa.Status)
	}
	if pa.Decision == nil {
		return nil, fmt.Errorf("pending action %d has no decision payload", pa.ID)
	}

	m, err := e.client.MessageByID(ctx, pa.MessageID)
	if err != nil && !mail.IsStale(err) {
		return nil, fmt.Errorf("look up message: %w", err)
	}
	if m == nil {
		if err := e.st.UpdatePendingStatus(pa.ID, store.StatusRejected); err != nil {
			e.logger.Warn("reject vanished pending action failed", "id", pa.ID, "error", err)
		}
		return nil, fmt.Errorf("message %s no longer exists, action rejected", pa.MessageID)
	}

	runID := uuid.NewString()
	buffer := NewBuffer(0)
	res := e.executeDecision(ctx, runID, buffer, m, pa.Decision, SourceApproval, "approved:")
	if buffer.Len() > 0 {
		fr, err := buffer.Flush(ctx, e.client, e.st, e.logger, runID)
		if err != nil {
			return nil, fmt.Errorf("execute move: %w", err)
		}
		if len(fr.Committed) == 0 {
			return nil, fmt.Errorf("move did not confirm for message %s", pa.MessageID)
		}
	}
	if res.Err != "" {
		return res, fmt.Errorf("%s", res.Err)
	}
	if err := e.st.RemovePendingAction(pa.ID); err != nil {
		e.logger.Debug("pending row already removed", "id", pa.ID)
	}
	return res, nil
}

// Run executes one full pipeline pass and returns the summary plus the
// per-message results for verbose reporting.
func (e *Engine) Run(ctx context.Context) (*types.RunResult, []*types.ProcessResult, error) {
	runID := uuid.NewString()
	result := &types.RunResult{
		RunID:     runID,
		StartedAt: e.clock(),
		DryRun:    e.opts.DryRun,
	}
	log := e.logger.With("run_id", runID)
	log.Info("pipeline pass starting", "dry_run", e.opts.DryRun)

	msgs, fetched, err := e.collect(ctx)
	if err != nil {
		result.CompletedAt = e.clock()
		return result, nil, err
	}
	result.EmailsFetched = fetched
	log.Info("collected messages", "fetched", fetched, "to_process", len(msgs))

	buffer := NewBuffer(e.cfg.Autopilot.ChunkSize)
	var results []*types.ProcessResult
	byID := make(map[string]*types.ProcessResult)

	for _, m := range msgs {
		// A pass is never interrupted mid-message; cancellation is
		// observed between messages.
		if ctx.Err() != nil {
			log.Warn("pass cancelled", "remaining", len(msgs)-len(results))
			break
		}

		r := e.processMessage(ctx, runID, buffer, m)
		results = append(results, r)
		byID[m.ID] = r
		e.tally(result, r)

		if buffer.Full() {
			e.flush(ctx, runID, buffer, result, byID)
		}
	}
	e.flush(ctx, runID, buffer, result, byID)

	if e.cfg.Autopilot.Aging.Enabled && !e.opts.DryRun {
		result.Aging = e.sweep(ctx, runID)
	}

	if !e.opts.DryRun {
		if n, err := e.st.CleanupOldRecords(e.cfg.Autopilot.RetentionDays); err != nil {
			log.Warn("ledger cleanup failed", "error", err)
		} else if n > 0 {
			log.Info("ledger cleanup", "removed", n)
		}
	}

	if summary := e.resolver.QueuedSummary(); summary != "" && e.cfg.Autopilot.Notifications {
		if err := e.notifier.Notify(ctx, "mailpilot: folders awaiting creation", summary); err != nil {
			log.Warn("notification failed", "error", err)
		}
	}

	result.CompletedAt = e.clock()
	log.Info("pipeline pass complete",
		"processed", result.EmailsProcessed, "skipped", result.EmailsSkipped,
		"executed", result.ActionsExecuted, "queued", result.ActionsQueued,
		"errors", result.Errors, "duration", result.Duration())
	return result, results, nil
}

// tally folds one per-message result into the run summary.
func (e *Engine) tally(result *types.RunResult, r *types.ProcessResult) {
	switch {
	case r.Queued:
		result.ActionsQueued++
		result.EmailsProcessed++
	case r.Skipped:
		result.EmailsSkipped++
	case r.Success:
		result.EmailsProcessed++
		if !r.Buffered {
			result.ActionsExecuted++
		}
	default:
		result.Errors++
	}
}

// collect fetches candidate messages for this pass: every configured
// account and mailbox, filtered by the processed ledger, outstanding
// pending rows, exclusion patterns and the max-age cutoff; newest first.
func (e *Engine) collect(ctx context.Context) ([]*types.Message, int, error) {
	a := &e.cfg.Autopilot

	accounts, err := e.targetAccounts(ctx)
	if err != nil {
		return nil, 0, err
	}

	processed, err := e.st.ProcessedIDs(processedScanLimit)
	if err != nil {
		return nil, 0, fmt.Errorf("load processed ids: %w", err)
	}
	pending, err := e.st.PendingMessageIDs()
	if err != nil {
		return nil, 0, fmt.Errorf("load pending ids: %w", err)
	}

	batch := a.BatchSize
	if e.opts.BatchSize > 0 {
		batch = e.opts.BatchSize
	}
	var cutoff time.Time
	if a.MaxAgeDays > 0 {
		cutoff = e.clock().AddDate(0, 0, -a.MaxAgeDays)
	}

	var candidates []*types.Message
	fetched := 0
	for _, account := range accounts {
		for _, mailbox := range a.Mailboxes {
			msgs, err := e.client.Messages(ctx, mailbox, account, batch, false)
			if err != nil {
				e.logger.Warn("fetch failed", "account", account, "mailbox", mailbox, "error", err)
				continue
			}
			fetched += len(msgs)
			for _, m := range msgs {
				if processed[m.ID] {
					continue
				}
				if err := e.st.TrackFirstSeen(m.ID, m.Mailbox, m.Account); err != nil {
					e.logger.Warn("first-seen tracking failed", "message_id", m.ID, "error", err)
				}
				if pending[m.ID] {
					continue
				}
				if e.excluded(m) {
					continue
				}
				if !cutoff.IsZero() && !m.DateReceived.IsZero() && m.DateReceived.Before(cutoff) {
					continue
				}
				candidates = append(candidates, m)
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].DateReceived.After(candidates[j].DateReceived)
	})
	return candidates, fetched, nil
}

// targetAccounts resolves which accounts this pass covers.
func (e *Engine) targetAccounts(ctx context.Context) ([]string, error) {
	if e.opts.Account != "" {
		return []string{e.opts.Account}, nil
	}
	if len(e.cfg.Autopilot.Accounts) > 0 {
		return e.cfg.Autopilot.Accounts, nil
	}
	all, err := e.client.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	var names []string
	for _, a := range all {
		if a.Enabled {
			names = append(names, a.Name)
		}
	}
	return names, nil
}

// excluded applies the sender/subject exclusion patterns.
func (e *Engine) excluded(m *types.Message) bool {
	for _, p := range e.cfg.Autopilot.ExcludeSenders {
		if p != "" && strings.Contains(strings.ToLower(m.Sender), strings.ToLower(p)) {
			return true
		}
	}
	for _, p := range e.cfg.Autopilot.ExcludeSubjects {
		if p != "" && strings.Contains(strings.ToLower(m.Subject), strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// processMessage runs the decision pipeline for one message.
func (e *Engine) processMessage(ctx context.Context, runID string, buffer *Buffer, m *types.Message) *types.ProcessResult {
	a := &e.cfg.Autopilot

	// 1. Quick rules, first match wins, in listed order. A body rule
	// materializes the content on demand when evaluation reaches it.
	rule, err := rules.FirstMatch(a.QuickRules, m, func(m *types.Message) error {
		return e.loadContent(ctx, m)
	})
	if err != nil {
		return e.stageFailure(m, StageContentLoading, err)
	}
	if rule != nil {
		return e.executeRule(ctx, runID, buffer, m, rule)
	}

	// 2. Content materialization for the classifier.
	if !m.ContentLoaded {
		if err := e.loadContent(ctx, m); err != nil {
			return e.stageFailure(m, StageContentLoading, err)
		}
	}

	// 3. AI classification with best-effort situational context.
	instructions := a.Instructions
	if e.pim != nil {
		if snap, err := e.pim.Snapshot(ctx); err == nil && snap != "" {
			instructions += "\n\n## CURRENT SITUATION (calendar and reminders):\n" + snap
		}
	}
	if delay := e.cfg.RateLimitDelay(); delay > 0 {
		e.sleep(ctx, delay)
	}
	d, err := e.provider.AutopilotClassify(ctx, m, instructions)
	if err != nil {
		return e.stageFailure(m, StageAIClassification, err)
	}

	// Archiving is never AI-initiated: a proposed archive becomes
	// ignore, and a secondary archive is dropped.
	if d.Action == types.ActionArchive {
		d.Action = types.ActionIgnore
		d.Move = nil
		d.Reasoning = strings.TrimSpace(d.Reasoning + " (archive not permitted, treated as ignore)")
	}
	if d.Secondary == types.ActionArchive {
		d.Secondary = ""
		d.SecondaryMove = nil
	}

	// 4. Confidence gate.
	if d.Confidence < a.ConfidenceThreshold {
		return e.applyLowConfidence(ctx, runID, m, d)
	}

	// 5. Outbound gate.
	if d.IsOutbound() {
		switch a.OutboundPolicy {
		case types.FullAutopilot:
		case types.AllowHighConfidence:
			if d.Confidence < a.OutboundConfidenceThreshold {
				return e.queueForApproval(m, d, fmt.Sprintf(
					"outbound confidence %.2f below %.2f", d.Confidence, a.OutboundConfidenceThreshold))
			}
		default: // require_approval
			return e.queueForApproval(m, d, "outbound action requires approval")
		}
	}

	// 6. Execution.
	return e.executeDecision(ctx, runID, buffer, m, d, SourceAutopilot, "")
}

// applyLowConfidence routes a below-threshold decision per policy.
func (e *Engine) applyLowConfidence(ctx context.Context, runID string, m *types.Message, d *types.Decision) *types.ProcessResult {
	a := &e.cfg.Autopilot
	reason := fmt.Sprintf("confidence %.2f below threshold %.2f", d.Confidence, a.ConfidenceThreshold)

	switch a.LowConfidenceAction {
	case types.SkipLowConf:
		return &types.ProcessResult{
			MessageID: m.ID, Skipped: true,
			Action: string(d.Action), Reason: reason + ", skipped",
		}

	case types.QueueForApproval:
		return e.queueForApproval(m, d, reason)

	default: // flag_for_review
		if !e.opts.DryRun {
			if err := e.client.Flag(ctx, mail.RefFor(m), true); err != nil && !mail.IsStale(err) {
				e.logger.Warn("flag for review failed", "message_id", m.ID, "error", err)
			}
			flagged := *d
			flagged.Action = types.ActionFlag
			flagged.Reasoning = strings.TrimSpace(d.Reasoning + " (flagged for review: " + reason + ")")
			if err := e.settle(runID, m, &flagged, SourceAutopilot, nil); err != nil {
				return e.persistenceFailure(m, err)
			}
		}
		return &types.ProcessResult{
			MessageID: m.ID, Success: true,
			Action: string(types.ActionFlag), Reason: reason + ", flagged for review",
		}
	}
}

// queueForApproval writes a durable pending action; nothing executes.
func (e *Engine) queueForApproval(m *types.Message, d *types.Decision, reason string) *types.ProcessResult {
	if !e.opts.DryRun {
		if _, err := e.st.AddPendingAction(m.ID, m.Summary(), d, d.Reasoning); err != nil {
			return e.persistenceFailure(m, fmt.Errorf("queue for approval: %w", err))
		}
	}
	return &types.ProcessResult{
		MessageID: m.ID, Queued: true,
		Action:       string(d.Action),
		TargetFolder: d.TargetFolder(),
		Reason:       reason + ", queued for approval",
	}
}

// executeRule runs a matched quick rule's ordered action list. Moves are
// buffered; everything else executes inline. The ledger write defers to
// the flush when any action was buffered.
func (e *Engine) executeRule(ctx context.Context, runID string, buffer *Buffer, m *types.Message, rule *rules.Rule) *types.ProcessResult {
	res := &types.ProcessResult{
		MessageID:   m.ID,
		RuleMatched: rule.Name,
		Action:      joinActions(rule.Actions),
		Reason:      "quick rule " + rule.Name,
	}
	if e.opts.DryRun {
		res.Success = true
		res.Reason += " (dry run)"
		return res
	}

	buffered := false
	for _, action := range rule.Actions {
		d := rule.Decision(action)
		switch action {
		case types.ActionMove, types.ActionArchive:
			folder, account := e.routeMove(m, d)
			resolution, err := e.resolver.Resolve(ctx, m, d, folder, account)
			if err != nil {
				res.Err = err.Error()
				e.logger.Warn("rule move resolution failed", "rule", rule.Name, "error", err)
				continue
			}
			switch resolution {
			case ResolveProceed:
				buffer.Add(pendingMove(m, d, account), m, d, SourceRule)
				buffered = true
				res.TargetFolder = d.TargetFolder()
			case ResolveQueued:
				res.Queued = true
				res.TargetFolder = folder
			case ResolveSkipped:
				res.Skipped = true
			}
		case types.ActionIgnore:
			// no-op
		default:
			if err := e.performAction(ctx, runID, m, d); err != nil {
				if mail.IsStale(err) {
					res.Reason += ", already moved"
					e.st.ClearRuleFailures(m.ID)
				} else {
					res.Err = err.Error()
					e.logger.Warn("rule action failed", "rule", rule.Name, "action", action, "error", err)
				}
			}
		}
	}

	if res.Queued || res.Skipped {
		return res
	}
	if res.Err != "" {
		return e.stageFailure(m, "rule:"+rule.Name, fmt.Errorf("%s", res.Err))
	}

	res.Success = true
	if buffered {
		// The flush commits the ledger write once the move confirms.
		res.Buffered = true
		return res
	}

	d := rule.Decision(rule.Actions[0])
	if err := e.settle(runID, m, d, SourceRule, map[string]any{"rule": rule.Name}); err != nil {
		return e.persistenceFailure(m, err)
	}
	return res
}

// executeDecision dispatches a gated decision: moves are buffered,
// everything else executes inline, then the secondary action runs
// best-effort and the message settles into the ledger.
func (e *Engine) executeDecision(ctx context.Context, runID string, buffer *Buffer, m *types.Message, d *types.Decision, source, reasonPrefix string) *types.ProcessResult {
	res := &types.ProcessResult{
		MessageID:    m.ID,
		Action:       string(d.Action),
		TargetFolder: d.TargetFolder(),
		Reason:       strings.TrimSpace(reasonPrefix + " " + d.Reasoning),
	}
	if e.opts.DryRun {
		res.Success = true
		res.Reason = strings.TrimSpace(res.Reason + " (dry run)")
		return res
	}

	switch d.Action {
	case types.ActionMove, types.ActionArchive:
		folder, account := e.routeMove(m, d)
		resolution, err := e.resolver.Resolve(ctx, m, d, folder, account)
		if err != nil {
			return e.stageFailure(m, string(d.Action), err)
		}
		switch resolution {
		case ResolveQueued:
			res.Queued = true
			res.TargetFolder = folder
			res.Reason = strings.TrimSpace(res.Reason + ", folder queued for creation")
			return res
		case ResolveSkipped:
			res.Skipped = true
			res.Reason = strings.TrimSpace(res.Reason + ", folder resolution skipped")
			return res
		}
		buffer.Add(pendingMove(m, d, account), m, d, source)
		res.Success = true
		res.Buffered = true
		res.TargetFolder = d.TargetFolder()
		return res

	case types.ActionIgnore:
		if err := e.settle(runID, m, d, source, nil); err != nil {
			return e.persistenceFailure(m, err)
		}
		res.Success = true
		return res

	default:
		if err := e.performAction(ctx, runID, m, d); err != nil {
			if mail.IsStale(err) {
				// The message is gone; a prior pass or the user
				// already handled it.
				e.st.ClearRuleFailures(m.ID)
				if err := e.settle(runID, m, d, source, map[string]any{"stale": true}); err != nil {
					return e.persistenceFailure(m, err)
				}
				res.Success = true
				res.Reason = strings.TrimSpace(res.Reason + ", already moved")
				return res
			}
			return e.stageFailure(m, string(d.Action), err)
		}

		e.runSecondary(ctx, runID, buffer, m, d)

		if err := e.settle(runID, m, d, source, nil); err != nil {
			return e.persistenceFailure(m, err)
		}
		res.Success = true
		return res
	}
}

// runSecondary attempts the bounded secondary action after a successful
// primary. Failures are logged, never propagated.
func (e *Engine) runSecondary(ctx context.Context, runID string, buffer *Buffer, m *types.Message, d *types.Decision) {
	if d.Secondary == "" || !types.SecondaryAllowed(d.Secondary) {
		return
	}
	switch d.Secondary {
	case types.ActionMove, types.ActionArchive:
		sec := &types.Decision{
			Action:     d.Secondary,
			Confidence: d.Confidence,
			Move:       d.SecondaryMove,
		}
		folder, account := e.routeMove(m, sec)
		resolution, err := e.resolver.Resolve(ctx, m, sec, folder, account)
		if err != nil || resolution != ResolveProceed {
			e.logger.Warn("secondary move not executed",
				"message_id", m.ID, "folder", folder, "error", err)
			return
		}
		buffer.AddMove(pendingMove(m, sec, account))
	default:
		sec := &types.Decision{
			Action:     d.Secondary,
			Confidence: d.Confidence,
			Reminder:   d.Reminder,
			Event:      d.Event,
		}
		if err := e.performAction(ctx, runID, m, sec); err != nil && !mail.IsStale(err) {
			e.logger.Warn("secondary action failed",
				"message_id", m.ID, "action", d.Secondary, "error", err)
		}
	}
}

// performAction executes one non-move action against the host
// applications. Reminder and event creation dedup against the durable
// PIM link before creating.
func (e *Engine) performAction(ctx context.Context, runID string, m *types.Message, d *types.Decision) error {
	ref := mail.RefFor(m)
	switch d.Action {
	case types.ActionDelete:
		return e.client.Delete(ctx, ref)
	case types.ActionMarkRead:
		return e.client.MarkRead(ctx, ref, true)
	case types.ActionMarkUnread:
		return e.client.MarkRead(ctx, ref, false)
	case types.ActionFlag:
		return e.client.Flag(ctx, ref, true)
	case types.ActionUnflag:
		return e.client.Flag(ctx, ref, false)
	case types.ActionReply:
		content := ""
		if d.Reply != nil {
			content = d.Reply.Content
		}
		return e.client.Reply(ctx, ref, content, e.cfg.Autopilot.SendReplies)
	case types.ActionForward:
		var to []string
		if d.Forward != nil {
			to = d.Forward.To
		}
		return e.client.Forward(ctx, ref, to, e.cfg.Autopilot.SendReplies)
	case types.ActionCreateReminder:
		if e.pim == nil {
			return fmt.Errorf("no PIM client configured")
		}
		if e.st.HasPIMLink(m.ID, types.ActionCreateReminder) {
			e.logger.Debug("reminder already exists", "message_id", m.ID)
			return nil
		}
		if err := e.pim.CreateReminder(ctx, d.Reminder, "From email: "+m.Summary()); err != nil {
			return err
		}
		return e.st.AddPIMLink(m.ID, types.ActionCreateReminder)
	case types.ActionCreateEvent:
		if e.pim == nil {
			return fmt.Errorf("no PIM client configured")
		}
		if e.st.HasPIMLink(m.ID, types.ActionCreateEvent) {
			e.logger.Debug("event already exists", "message_id", m.ID)
			return nil
		}
		if err := e.pim.CreateEvent(ctx, d.Event, "From email: "+m.Summary()); err != nil {
			return err
		}
		return e.st.AddPIMLink(m.ID, types.ActionCreateEvent)
	case types.ActionIgnore:
		return nil
	default:
		return fmt.Errorf("unexecutable action %q", d.Action)
	}
}

// settle commits a handled message: ledger write, counter reset,
// first-seen removal and the audit row.
func (e *Engine) settle(runID string, m *types.Message, d *types.Decision, source string, details map[string]any) error {
	if err := e.st.MarkProcessed(m, d); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	e.st.ClearRuleFailures(m.ID)
	e.st.RemoveFirstSeen(m.ID)
	if err := e.st.LogAction(runID, m.ID, string(d.Action), source, details); err != nil {
		e.logger.Warn("audit log failed", "message_id", m.ID, "error", err)
	}
	return nil
}

// stageFailure increments the durable counter for a retryable failure.
// Below the threshold the message stays unprocessed for the next pass;
// at the threshold it is force-marked processed with a terminal
// annotation and the counter cleared.
func (e *Engine) stageFailure(m *types.Message, stage string, cause error) *types.ProcessResult {
	count, err := e.st.IncrementRuleFailure(m.ID, stage, cause.Error())
	if err != nil {
		e.logger.Error("failure counter update failed", "message_id", m.ID, "stage", stage, "error", err)
	}

	if count >= failureThreshold {
		annotation := terminalAnnotation(stage)
		if err := e.st.ForceMarkProcessed(m, annotation, cause.Error()); err != nil {
			e.logger.Error("force-mark failed", "message_id", m.ID, "error", err)
		}
		e.logger.Warn("failure threshold reached, giving up",
			"message_id", m.ID, "stage", stage, "failures", count, "error", cause)
		return &types.ProcessResult{
			MessageID: m.ID,
			Action:    annotation,
			Reason:    fmt.Sprintf("%s failed %d times, giving up", stage, count),
			Err:       cause.Error(),
		}
	}

	e.logger.Warn("stage failed, will retry next pass",
		"message_id", m.ID, "stage", stage, "failures", count, "error", cause)
	return &types.ProcessResult{
		MessageID: m.ID,
		Reason:    fmt.Sprintf("%s failed (attempt %d of %d), will retry", stage, count, failureThreshold),
		Err:       cause.Error(),
	}
}

// terminalAnnotation names the exhausted stage in the ledger.
func terminalAnnotation(stage string) string {
	if stage == StageAIClassification {
		return "classification_failed"
	}
	return strings.ReplaceAll(stage, ":", "_") + "_failed"
}

// persistenceFailure wraps a store error; these are fatal to the current
// message only, never to the pass.
func (e *Engine) persistenceFailure(m *types.Message, err error) *types.ProcessResult {
	e.logger.Error("persistence failure", "message_id", m.ID, "error", err)
	return &types.ProcessResult{
		MessageID: m.ID,
		Reason:    "persistence failure",
		Err:       err.Error(),
	}
}

// flush drains the mutation buffer and reconciles the run counters:
// committed moves count as executed, failures run the counter policy.
func (e *Engine) flush(ctx context.Context, runID string, buffer *Buffer, result *types.RunResult, byID map[string]*types.ProcessResult) {
	if buffer.Len() == 0 {
		return
	}
	fr, err := buffer.Flush(ctx, e.client, e.st, e.logger, runID)
	if err != nil {
		e.logger.Error("batch flush failed", "error", err)
	}
	result.ActionsExecuted += len(fr.Committed)
	for _, m := range fr.Failed {
		failRes := e.stageFailure(m, "move", fmt.Errorf("batch move did not confirm"))
		if r, ok := byID[m.ID]; ok {
			r.Success = false
			r.Buffered = false
			r.Err = failRes.Err
			r.Reason = failRes.Reason
			result.EmailsProcessed--
		}
		result.Errors++
	}
}

// loadContent materializes a message body on demand.
func (e *Engine) loadContent(ctx context.Context, m *types.Message) error {
	content, err := e.client.Content(ctx, mail.RefFor(m))
	if err != nil {
		return fmt.Errorf("load content: %w", err)
	}
	m.Content = content
	m.ContentLoaded = true
	return nil
}

// routeMove resolves the destination (folder, account) for a move or
// archive. A configured main account centralizes all moves; the
// decision's own account and the message's account are fallbacks.
func (e *Engine) routeMove(m *types.Message, d *types.Decision) (string, string) {
	folder := d.TargetFolder()
	if folder == "" && d.Action == types.ActionArchive {
		folder = "Archive"
	}
	account := ""
	if d.Move != nil && d.Move.Account != "" {
		account = d.Move.Account
	} else if e.cfg.Autopilot.MainAccount != "" {
		account = e.cfg.Autopilot.MainAccount
	} else {
		account = m.Account
	}
	return folder, account
}

// pendingMove builds the buffer record for one resolved move.
func pendingMove(m *types.Message, d *types.Decision, account string) types.PendingMove {
	return types.PendingMove{
		MessageID:     m.ID,
		TargetMailbox: d.TargetFolder(),
		TargetAccount: account,
		SourceMailbox: m.Mailbox,
		SourceAccount: m.Account,
	}
}

func joinActions(actions []types.Action) string {
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = string(a)
	}
	return strings.Join(parts, "+")
}
