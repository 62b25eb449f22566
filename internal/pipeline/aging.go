package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/mailpilot/mailpilot/internal/mail"
	"github.com/mailpilot/mailpilot/internal/types"
)

// agingFetchLimit bounds how many messages one purge phase examines per
// folder per pass. Anything beyond the limit waits for the next pass.
const agingFetchLimit = 200

// sweep runs the three-phase aging pass: stale inbox messages move to
// the review folder, stale review messages are deleted, and retention
// rules purge their folders. Each message is handled independently; one
// failure never aborts the sweep.
func (e *Engine) sweep(ctx context.Context, runID string) *types.AgingResult {
	res := &types.AgingResult{}
	aging := &e.cfg.Autopilot.Aging
	log := e.logger.With("run_id", runID)
	log.Info("aging sweep starting",
		"stale_days", aging.StaleInboxDays, "review_folder", aging.ReviewFolder)

	e.sweepStaleInbox(ctx, runID, res)
	e.sweepReviewFolder(ctx, runID, res)
	e.sweepRetention(ctx, runID, res)

	log.Info("aging sweep complete",
		"moved_to_review", res.MovedToReview,
		"deleted_from_review", res.DeletedFromReview,
		"retention_deleted", res.RetentionDeleted,
		"errors", res.Errors)
	return res
}

// sweepStaleInbox moves messages that sat in the inbox past the stale
// threshold into the review folder. A message that already left the
// inbox just loses its tracking row.
func (e *Engine) sweepStaleInbox(ctx context.Context, runID string, res *types.AgingResult) {
	aging := &e.cfg.Autopilot.Aging

	stale, err := e.st.StaleInboxEmails(aging.StaleInboxDays)
	if err != nil {
		e.logger.Error("stale inbox query failed", "error", err)
		res.Errors++
		return
	}

	// Review folder existence is checked once per account per sweep.
	ensured := make(map[string]bool)

	for _, fs := range stale {
		if ctx.Err() != nil {
			return
		}

		m, err := e.client.MessageByID(ctx, fs.MessageID)
		if err != nil && !mail.IsStale(err) {
			e.logger.Warn("stale-inbox lookup failed", "message_id", fs.MessageID, "error", err)
			res.Errors++
			continue
		}
		if m == nil || !strings.EqualFold(m.Mailbox, fs.Mailbox) {
			// Handled elsewhere since it was tracked.
			e.st.RemoveFirstSeen(fs.MessageID)
			continue
		}

		account := fs.Account
		if e.cfg.Autopilot.MainAccount != "" {
			account = e.cfg.Autopilot.MainAccount
		}
		if !ensured[account] {
			if err := e.ensureFolder(ctx, aging.ReviewFolder, account); err != nil {
				e.logger.Error("review folder unavailable", "account", account, "error", err)
				res.Errors++
				continue
			}
			ensured[account] = true
		}

		if err := e.client.Move(ctx, mail.RefFor(m), aging.ReviewFolder, account); err != nil {
			if mail.IsStale(err) {
				e.st.RemoveFirstSeen(fs.MessageID)
				continue
			}
			e.logger.Warn("move to review failed", "message_id", fs.MessageID, "error", err)
			res.Errors++
			continue
		}

		e.st.RemoveFirstSeen(fs.MessageID)
		if err := e.st.LogAction(runID, fs.MessageID, string(types.ActionMove), SourceAging,
			map[string]any{"folder": aging.ReviewFolder, "account": account, "stale_days": aging.StaleInboxDays}); err != nil {
			e.logger.Warn("audit log failed", "message_id", fs.MessageID, "error", err)
		}
		res.MovedToReview++
	}
}

// sweepReviewFolder deletes review-folder messages older than the purge
// threshold. Sitting in review that long means the user did not rescue
// them.
func (e *Engine) sweepReviewFolder(ctx context.Context, runID string, res *types.AgingResult) {
	aging := &e.cfg.Autopilot.Aging
	if aging.ReviewPurgeDays <= 0 {
		return
	}

	accounts, err := e.targetAccounts(ctx)
	if err != nil {
		e.logger.Warn("review purge: account list failed", "error", err)
		res.Errors++
		return
	}
	cutoff := e.clock().AddDate(0, 0, -aging.ReviewPurgeDays)

	for _, account := range accounts {
		n := e.purgeFolder(ctx, runID, aging.ReviewFolder, account, cutoff, "review_purge")
		res.DeletedFromReview += n
	}
}

// sweepRetention applies each configured retention rule.
func (e *Engine) sweepRetention(ctx context.Context, runID string, res *types.AgingResult) {
	for _, rule := range e.cfg.Autopilot.Aging.Retention {
		if ctx.Err() != nil {
			return
		}
		cutoff := e.clock().AddDate(0, 0, -rule.Days)

		accounts := []string{rule.Account}
		if rule.Account == "" {
			all, err := e.targetAccounts(ctx)
			if err != nil {
				e.logger.Warn("retention: account list failed", "error", err)
				res.Errors++
				continue
			}
			accounts = all
		}
		for _, account := range accounts {
			n := e.purgeFolder(ctx, runID, rule.Folder, account, cutoff, "retention")
			res.RetentionDeleted += n
		}
	}
}

// purgeFolder soft-deletes every message in (folder, account) received
// before cutoff and returns how many it deleted. A folder the account
// does not have is not an error.
func (e *Engine) purgeFolder(ctx context.Context, runID, folder, account string, cutoff time.Time, reason string) int {
	msgs, err := e.client.Messages(ctx, folder, account, agingFetchLimit, false)
	if err != nil {
		e.logger.Debug("purge: folder not readable", "folder", folder, "account", account, "error", err)
		return 0
	}

	deleted := 0
	for _, m := range msgs {
		if ctx.Err() != nil {
			return deleted
		}
		if m.DateReceived.IsZero() || !m.DateReceived.Before(cutoff) {
			continue
		}
		if err := e.client.Delete(ctx, mail.RefFor(m)); err != nil {
			if !mail.IsStale(err) {
				e.logger.Warn("purge delete failed", "message_id", m.ID, "folder", folder, "error", err)
			}
			continue
		}
		if err := e.st.LogAction(runID, m.ID, string(types.ActionDelete), SourceAging,
			map[string]any{"folder": folder, "account": account, "reason": reason}); err != nil {
			e.logger.Warn("audit log failed", "message_id", m.ID, "error", err)
		}
		deleted++
	}
	return deleted
}

// ensureFolder verifies a folder exists for an account, creating it when
// absent. The aging sweep always creates its review folder regardless of
// the folder policy; it is system infrastructure, not mailbox structure
// invented by the classifier.
func (e *Engine) ensureFolder(ctx context.Context, folder, account string) error {
	names, err := e.resolver.mailboxesFor(ctx, account)
	if err != nil {
		return err
	}
	if findExisting(folder, names) != "" {
		return nil
	}
	return e.resolver.createAndCache(ctx, folder, account, names)
}
