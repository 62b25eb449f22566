package pipeline

import (
	"context"
	"log/slog"

	"github.com/mailpilot/mailpilot/internal/mail"
	"github.com/mailpilot/mailpilot/internal/store"
	"github.com/mailpilot/mailpilot/internal/types"
)

// deferredMark pairs a buffered move with the ledger write that may only
// commit once the move is confirmed.
type deferredMark struct {
	msg    *types.Message
	dec    *types.Decision
	source string
}

// Buffer accumulates move/archive operations for one processing chunk.
// Moves are never executed inline; they flush as one batch call, and
// only confirmed ids are committed to the processed ledger.
type Buffer struct {
	chunkSize int
	moves     []types.PendingMove
	marks     map[string]deferredMark
}

// NewBuffer builds a mutation buffer flushing every chunkSize moves.
// chunkSize <= 0 disables the mid-run boundary (end-of-run flush only).
func NewBuffer(chunkSize int) *Buffer {
	return &Buffer{
		chunkSize: chunkSize,
		marks:     make(map[string]deferredMark),
	}
}

// Add queues one move together with its deferred mark-processed record.
func (b *Buffer) Add(mv types.PendingMove, m *types.Message, d *types.Decision, source string) {
	b.moves = append(b.moves, mv)
	b.marks[mv.MessageID] = deferredMark{msg: m, dec: d, source: source}
}

// AddMove queues a move with no deferred ledger write, used for
// secondary moves whose primary action already settled the ledger.
func (b *Buffer) AddMove(mv types.PendingMove) {
	b.moves = append(b.moves, mv)
}

// Len returns the number of buffered moves.
func (b *Buffer) Len() int {
	return len(b.moves)
}

// Full reports whether the chunk boundary has been reached.
func (b *Buffer) Full() bool {
	return b.chunkSize > 0 && len(b.moves) >= b.chunkSize
}

// FlushResult reports what a flush confirmed and what it did not.
// Failed carries the messages themselves so the caller can run failure
// bookkeeping without refetching.
type FlushResult struct {
	Committed []string
	Failed    []*types.Message
}

// Flush submits all buffered moves as one batch and reconciles the
// deferred marks: a mark commits if and only if its id is in the success
// set the adapter returns. Failed ids are handed back to the caller for
// failure-counter bookkeeping. The buffer is reset either way.
func (b *Buffer) Flush(ctx context.Context, client mail.Client, st *store.Store, logger *slog.Logger, runID string) (*FlushResult, error) {
	if len(b.moves) == 0 {
		return &FlushResult{}, nil
	}

	moves := b.moves
	marks := b.marks
	b.moves = nil
	b.marks = make(map[string]deferredMark)

	succeeded, err := client.MoveBatch(ctx, moves)
	if err != nil {
		// Total batch failure: every buffered message counts as failed.
		res := &FlushResult{}
		for _, mv := range moves {
			if mark, ok := marks[mv.MessageID]; ok && mark.msg != nil {
				res.Failed = append(res.Failed, mark.msg)
			}
		}
		return res, err
	}

	succeededSet := make(map[string]bool, len(succeeded))
	for _, id := range succeeded {
		succeededSet[id] = true
	}

	res := &FlushResult{}
	for _, mv := range moves {
		mark, ok := marks[mv.MessageID]
		if !ok {
			continue
		}
		if !succeededSet[mv.MessageID] {
			if mark.msg != nil {
				res.Failed = append(res.Failed, mark.msg)
			}
			continue
		}
		if err := st.MarkProcessed(mark.msg, mark.dec); err != nil {
			logger.Error("mark processed failed after confirmed move",
				"message_id", mv.MessageID, "error", err)
			continue
		}
		st.ClearRuleFailures(mv.MessageID)
		st.RemoveFirstSeen(mv.MessageID)
		if err := st.LogAction(runID, mv.MessageID, string(mark.dec.Action), mark.source,
			map[string]any{"folder": mv.TargetMailbox, "account": mv.TargetAccount}); err != nil {
			logger.Warn("audit log failed", "message_id", mv.MessageID, "error", err)
		}
		res.Committed = append(res.Committed, mv.MessageID)
	}
	return res, nil
}
