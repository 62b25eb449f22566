// Package store provides SQLite storage for mailpilot state: the
// processed-message ledger, approval and folder-pending queues, failure
// counters, first-seen tracking, the mailbox-name cache, watcher state
// and the audit log.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mailpilot/mailpilot/internal/types"
	_ "modernc.org/sqlite"
)

// Pending action statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Store wraps a SQLite connection for mailpilot operations.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) a mailpilot database at the given path.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec(Schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{conn: conn, path: dbPath}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DefaultPath returns the standard database location
// (~/.local/share/mailpilot/mailpilot.db).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailpilot.db")
	}
	return filepath.Join(home, ".local", "share", "mailpilot", "mailpilot.db")
}

// Now returns the current time as an ISO 8601 string.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// --- Processed ledger ---

// MarkProcessed records a message in the processed ledger (last write wins)
// and clears any outstanding pending rows for it, so a message id is never
// simultaneously processed and queued.
func (s *Store) MarkProcessed(m *types.Message, d *types.Decision) error {
	action, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	subject := m.Subject
	if len(subject) > 100 {
		subject = subject[:100]
	}
	sender := m.Sender
	if len(sender) > 100 {
		sender = sender[:100]
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO processed_emails
			(message_id, mailbox, account, subject, sender, processed_at, action_taken, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Mailbox, m.Account, subject, sender, Now(), string(action), d.Confidence,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"DELETE FROM pending_actions WHERE message_id = ? AND status = ?",
		m.ID, StatusPending,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ForceMarkProcessed records a message as terminally handled after its
// failure counter is exhausted: action_taken carries the annotation
// (e.g. "classification_failed"), confidence is zero, and the message's
// pending rows and failure counters are cleared.
func (s *Store) ForceMarkProcessed(m *types.Message, annotation, lastError string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO processed_emails
			(message_id, mailbox, account, subject, sender, processed_at, action_taken, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		m.ID, m.Mailbox, m.Account, m.Subject, m.Sender, Now(), annotation,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"DELETE FROM pending_actions WHERE message_id = ? AND status = ?",
		m.ID, StatusPending,
	); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM rule_failures WHERE message_id = ?", m.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// IsProcessed checks if a message has already been processed.
func (s *Store) IsProcessed(messageID string) bool {
	var n int
	s.conn.QueryRow("SELECT 1 FROM processed_emails WHERE message_id = ?", messageID).Scan(&n)
	return n == 1
}

// ProcessedIDs returns the most recent processed message ids as a set.
func (s *Store) ProcessedIDs(limit int) (map[string]bool, error) {
	rows, err := s.conn.Query(
		"SELECT message_id FROM processed_emails ORDER BY processed_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// ProcessedCount returns the total number of ledger rows.
func (s *Store) ProcessedCount() int {
	var n int
	s.conn.QueryRow("SELECT COUNT(*) FROM processed_emails").Scan(&n)
	return n
}

// CleanupOldRecords removes processed-ledger rows older than the retention
// period. Returns the number of rows deleted.
func (s *Store) CleanupOldRecords(retentionDays int) (int64, error) {
	res, err := s.conn.Exec(
		"DELETE FROM processed_emails WHERE datetime(processed_at) < datetime('now', ?)",
		fmt.Sprintf("-%d days", retentionDays),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Pending approval queue ---

// PendingAction is a durable deferred decision awaiting approval, or — when
// PendingFolder is set — awaiting a not-yet-existing destination folder.
type PendingAction struct {
	ID             int64           `json:"id"`
	MessageID      string          `json:"message_id"`
	Summary        string          `json:"email_summary"`
	Decision       *types.Decision `json:"proposed_action"`
	Confidence     float64         `json:"confidence"`
	Reasoning      string          `json:"reasoning"`
	CreatedAt      string          `json:"created_at"`
	Status         string          `json:"status"`
	PendingFolder  string          `json:"pending_folder,omitempty"`
	PendingAccount string          `json:"pending_account,omitempty"`
}

// AddPendingAction queues a decision for approval. Any older pending row
// for the same message is replaced, keeping at most one outstanding row
// per message id.
func (s *Store) AddPendingAction(messageID, summary string, d *types.Decision, reasoning string) (int64, error) {
	return s.addPending(messageID, summary, d, reasoning, "", "", "general")
}

// AddPendingFolderAction queues a decision blocked on a folder that does
// not exist yet, keyed by (folder, account).
func (s *Store) AddPendingFolderAction(messageID, summary string, d *types.Decision, reasoning, folder, account string) (int64, error) {
	return s.addPending(messageID, summary, d, reasoning, folder, account, "folder_pending")
}

func (s *Store) addPending(messageID, summary string, d *types.Decision, reasoning, folder, account, actionType string) (int64, error) {
	proposed, err := json.Marshal(d)
	if err != nil {
		return 0, fmt.Errorf("encode decision: %w", err)
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM pending_actions WHERE message_id = ? AND status = ?",
		messageID, StatusPending,
	); err != nil {
		return 0, err
	}

	res, err := tx.Exec(`
		INSERT INTO pending_actions
			(message_id, email_summary, proposed_action, confidence, reasoning,
			 created_at, status, pending_folder, pending_account, action_type)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?)`,
		messageID, summary, string(proposed), d.Confidence, reasoning,
		Now(), nullStr(folder), nullStr(account), actionType,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

const pendingColumns = `id, message_id, email_summary, proposed_action, confidence,
       reasoning, created_at, status, pending_folder, pending_account`

func scanPending(rows *sql.Rows) ([]*PendingAction, error) {
	var result []*PendingAction
	for rows.Next() {
		p := &PendingAction{}
		var proposed string
		var folder, account sql.NullString
		if err := rows.Scan(
			&p.ID, &p.MessageID, &p.Summary, &proposed, &p.Confidence,
			&p.Reasoning, &p.CreatedAt, &p.Status, &folder, &account,
		); err != nil {
			return nil, err
		}
		d := &types.Decision{}
		if err := json.Unmarshal([]byte(proposed), d); err == nil {
			p.Decision = d
		}
		p.PendingFolder = folder.String
		p.PendingAccount = account.String
		result = append(result, p)
	}
	return result, rows.Err()
}

// PendingActions returns pending actions by status, newest first.
func (s *Store) PendingActions(status string, limit int) ([]*PendingAction, error) {
	rows, err := s.conn.Query(`
		SELECT `+pendingColumns+`
		FROM pending_actions
		WHERE status = ?
		ORDER BY created_at DESC
		LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPending(rows)
}

// PendingAction returns a single pending action by id, or nil if absent.
func (s *Store) PendingAction(id int64) (*PendingAction, error) {
	rows, err := s.conn.Query(`
		SELECT `+pendingColumns+`
		FROM pending_actions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	actions, err := scanPending(rows)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, nil
	}
	return actions[0], nil
}

// UpdatePendingStatus sets the status of a pending action.
func (s *Store) UpdatePendingStatus(id int64, status string) error {
	res, err := s.conn.Exec(
		"UPDATE pending_actions SET status = ?, resolved_at = ? WHERE id = ?",
		status, Now(), id,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pending action %d not found", id)
	}
	return nil
}

// RemovePendingAction deletes a pending action after it has been executed.
func (s *Store) RemovePendingAction(id int64) error {
	res, err := s.conn.Exec("DELETE FROM pending_actions WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pending action %d not found", id)
	}
	return nil
}

// PendingCount returns the number of outstanding pending actions.
func (s *Store) PendingCount() int {
	var n int
	s.conn.QueryRow(
		"SELECT COUNT(*) FROM pending_actions WHERE status = 'pending'").Scan(&n)
	return n
}

// PendingMessageIDs returns the ids of all messages with an outstanding
// pending row, so the pipeline does not re-classify them every pass.
func (s *Store) PendingMessageIDs() (map[string]bool, error) {
	rows, err := s.conn.Query(
		"SELECT DISTINCT message_id FROM pending_actions WHERE status = 'pending'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// --- Folder-pending queue ---

// PendingFolder aggregates the queue for one missing (folder, account) pair.
type PendingFolder struct {
	Folder       string `json:"pending_folder"`
	Account      string `json:"pending_account"`
	MessageCount int    `json:"message_count"`
	FirstQueued  string `json:"first_queued"`
}

// PendingFolders returns the distinct folders actions are blocked on.
// Pass account="" for all accounts.
func (s *Store) PendingFolders(account string) ([]*PendingFolder, error) {
	query := `
		SELECT pending_folder, pending_account,
		       COUNT(*) AS message_count,
		       MIN(created_at) AS first_queued
		FROM pending_actions
		WHERE status = 'pending' AND pending_folder IS NOT NULL`
	var args []any
	if account != "" {
		query += " AND pending_account = ?"
		args = append(args, account)
	}
	query += " GROUP BY pending_folder, pending_account ORDER BY first_queued"

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*PendingFolder
	for rows.Next() {
		f := &PendingFolder{}
		if err := rows.Scan(&f.Folder, &f.Account, &f.MessageCount, &f.FirstQueued); err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

// ActionsForFolder returns all pending actions blocked on one folder.
func (s *Store) ActionsForFolder(folder, account string) ([]*PendingAction, error) {
	rows, err := s.conn.Query(`
		SELECT `+pendingColumns+`
		FROM pending_actions
		WHERE status = 'pending' AND pending_folder = ? AND pending_account = ?
		ORDER BY created_at`, folder, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPending(rows)
}

// --- Failure counters ---

// IncrementRuleFailure bumps the failure counter for one (message, stage)
// pair and returns the new count.
func (s *Store) IncrementRuleFailure(messageID, stage, lastError string) (int, error) {
	_, err := s.conn.Exec(`
		INSERT INTO rule_failures (message_id, stage, failures, last_error, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(message_id, stage) DO UPDATE SET
			failures = failures + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		messageID, stage, lastError, Now(),
	)
	if err != nil {
		return 0, err
	}
	return s.RuleFailureCount(messageID, stage), nil
}

// RuleFailureCount returns the current counter for one (message, stage) pair.
func (s *Store) RuleFailureCount(messageID, stage string) int {
	var n int
	s.conn.QueryRow(
		"SELECT failures FROM rule_failures WHERE message_id = ? AND stage = ?",
		messageID, stage,
	).Scan(&n)
	return n
}

// ClearRuleFailures removes all failure counters for a message.
func (s *Store) ClearRuleFailures(messageID string) error {
	_, err := s.conn.Exec("DELETE FROM rule_failures WHERE message_id = ?", messageID)
	return err
}

// --- First-seen tracking (inbox aging) ---

// FirstSeen records when a message was first observed in the inbox.
type FirstSeen struct {
	MessageID   string `json:"message_id"`
	Mailbox     string `json:"mailbox"`
	Account     string `json:"account"`
	FirstSeenAt string `json:"first_seen_at"`
}

// TrackFirstSeen records when a message was first observed. The insert
// is a no-op while a record exists, so repeated passes do not refresh
// the timestamp; a message returning to the inbox gets a fresh one
// because RemoveFirstSeen dropped its row when it left.
func (s *Store) TrackFirstSeen(messageID, mailbox, account string) error {
	_, err := s.conn.Exec(`
		INSERT OR IGNORE INTO email_first_seen (message_id, mailbox, account, first_seen_at)
		VALUES (?, ?, ?, ?)`,
		messageID, mailbox, account, Now(),
	)
	return err
}

// StaleInboxEmails returns messages first seen more than staleDays ago,
// oldest first.
func (s *Store) StaleInboxEmails(staleDays int) ([]*FirstSeen, error) {
	rows, err := s.conn.Query(`
		SELECT message_id, mailbox, account, first_seen_at
		FROM email_first_seen
		WHERE datetime(first_seen_at) <= datetime('now', ?)
		ORDER BY first_seen_at ASC`,
		fmt.Sprintf("-%d days", staleDays),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*FirstSeen
	for rows.Next() {
		f := &FirstSeen{}
		if err := rows.Scan(&f.MessageID, &f.Mailbox, &f.Account, &f.FirstSeenAt); err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

// RemoveFirstSeen drops first-seen tracking once a message leaves the inbox.
func (s *Store) RemoveFirstSeen(messageID string) error {
	_, err := s.conn.Exec("DELETE FROM email_first_seen WHERE message_id = ?", messageID)
	return err
}

// --- Mailbox cache ---

// CachedMailboxes returns the cached mailbox list for an account if it is
// fresher than maxAge, else (nil, false).
func (s *Store) CachedMailboxes(account string, maxAge time.Duration) ([]string, bool) {
	var mailboxes, cachedAt string
	err := s.conn.QueryRow(
		"SELECT mailboxes, cached_at FROM mailbox_cache WHERE account = ?", account,
	).Scan(&mailboxes, &cachedAt)
	if err != nil {
		return nil, false
	}

	t, err := time.Parse(time.RFC3339, cachedAt)
	if err != nil || time.Since(t) > maxAge {
		return nil, false
	}

	var names []string
	if err := json.Unmarshal([]byte(mailboxes), &names); err != nil {
		return nil, false
	}
	return names, true
}

// SetCachedMailboxes stores the mailbox list for an account.
func (s *Store) SetCachedMailboxes(account string, mailboxes []string) error {
	data, err := json.Marshal(mailboxes)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(`
		INSERT OR REPLACE INTO mailbox_cache (account, mailboxes, cached_at)
		VALUES (?, ?, ?)`,
		account, string(data), Now(),
	)
	return err
}

// ClearMailboxCache clears cached mailbox lists. Pass account="" for all.
func (s *Store) ClearMailboxCache(account string) (int64, error) {
	var res sql.Result
	var err error
	if account != "" {
		res, err = s.conn.Exec("DELETE FROM mailbox_cache WHERE account = ?", account)
	} else {
		res, err = s.conn.Exec("DELETE FROM mailbox_cache")
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Watcher state ---

// WatcherState returns the stored value for a watcher state key, or "".
func (s *Store) WatcherState(key string) string {
	var v string
	s.conn.QueryRow("SELECT value FROM watcher_state WHERE key = ?", key).Scan(&v)
	return v
}

// SetWatcherState stores a watcher state key/value pair.
func (s *Store) SetWatcherState(key, value string) error {
	_, err := s.conn.Exec(
		"INSERT OR REPLACE INTO watcher_state (key, value) VALUES (?, ?)", key, value)
	return err
}

// ClearWatcherState removes all watcher state.
func (s *Store) ClearWatcherState() error {
	_, err := s.conn.Exec("DELETE FROM watcher_state")
	return err
}

// --- PIM links (reminder/event dedup) ---

// HasPIMLink reports whether a reminder or event was already created for
// a message.
func (s *Store) HasPIMLink(messageID string, kind types.Action) bool {
	var n int
	s.conn.QueryRow(
		"SELECT 1 FROM pim_links WHERE message_id = ? AND kind = ?",
		messageID, string(kind),
	).Scan(&n)
	return n == 1
}

// AddPIMLink records that a reminder or event exists for a message.
func (s *Store) AddPIMLink(messageID string, kind types.Action) error {
	_, err := s.conn.Exec(
		"INSERT OR IGNORE INTO pim_links (message_id, kind, created_at) VALUES (?, ?, ?)",
		messageID, string(kind), Now(),
	)
	return err
}

// --- Audit log ---

// AuditEntry is one audit-log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id,omitempty"`
	MessageID string         `json:"message_id"`
	Action    string         `json:"action"`
	Source    string         `json:"source"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// LogAction appends a row to the audit trail.
func (s *Store) LogAction(runID, messageID, action, source string, details map[string]any) error {
	var detailsJSON any
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return err
		}
		detailsJSON = string(data)
	}
	_, err := s.conn.Exec(`
		INSERT INTO audit_log (run_id, message_id, action, source, timestamp, details)
		VALUES (?, ?, ?, ?, ?, ?)`,
		nullStr(runID), messageID, action, source, Now(), detailsJSON,
	)
	return err
}

// AuditLog returns recent audit entries, optionally filtered by action
// and/or source.
func (s *Store) AuditLog(limit int, actionFilter, sourceFilter string) ([]*AuditEntry, error) {
	query := "SELECT id, run_id, message_id, action, source, timestamp, details FROM audit_log"
	var conditions []string
	var args []any

	if actionFilter != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, actionFilter)
	}
	if sourceFilter != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, sourceFilter)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var runID, details sql.NullString
		if err := rows.Scan(&e.ID, &runID, &e.MessageID, &e.Action, &e.Source, &e.Timestamp, &details); err != nil {
			return nil, err
		}
		e.RunID = runID.String
		if details.Valid {
			json.Unmarshal([]byte(details.String), &e.Details)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- Statistics ---

// Stats holds summary counters for the stats command.
type Stats struct {
	ProcessedTotal int            `json:"processed_total"`
	PendingCount   int            `json:"pending_count"`
	Actions7d      map[string]int `json:"actions_7d"`
	LastProcessed  string         `json:"last_processed,omitempty"`
}

// GetStats returns database statistics.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{
		ProcessedTotal: s.ProcessedCount(),
		PendingCount:   s.PendingCount(),
		Actions7d:      map[string]int{},
	}

	rows, err := s.conn.Query(`
		SELECT action, COUNT(*) FROM audit_log
		WHERE datetime(timestamp) > datetime('now', '-7 days')
		GROUP BY action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		stats.Actions7d[action] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var last sql.NullString
	s.conn.QueryRow("SELECT MAX(processed_at) FROM processed_emails").Scan(&last)
	stats.LastProcessed = last.String

	return stats, nil
}
