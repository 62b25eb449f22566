package store

// Schema is the DDL for the mailpilot database.
const Schema = `
CREATE TABLE IF NOT EXISTS processed_emails (
    message_id   TEXT PRIMARY KEY,
    mailbox      TEXT NOT NULL,
    account      TEXT NOT NULL,
    subject      TEXT,
    sender       TEXT,
    processed_at TEXT NOT NULL,
    action_taken TEXT NOT NULL,
    confidence   REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_actions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id      TEXT NOT NULL,
    email_summary   TEXT NOT NULL,
    proposed_action TEXT NOT NULL,
    confidence      REAL NOT NULL,
    reasoning       TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    resolved_at     TEXT,
    pending_folder  TEXT,
    pending_account TEXT,
    action_type     TEXT NOT NULL DEFAULT 'general'
);

CREATE TABLE IF NOT EXISTS rule_failures (
    message_id  TEXT NOT NULL,
    stage       TEXT NOT NULL,
    failures    INTEGER NOT NULL DEFAULT 0,
    last_error  TEXT,
    updated_at  TEXT NOT NULL,
    PRIMARY KEY (message_id, stage)
);

CREATE TABLE IF NOT EXISTS email_first_seen (
    message_id    TEXT PRIMARY KEY,
    mailbox       TEXT NOT NULL,
    account       TEXT NOT NULL,
    first_seen_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mailbox_cache (
    account   TEXT PRIMARY KEY,
    mailboxes TEXT NOT NULL,
    cached_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS watcher_state (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT,
    message_id TEXT NOT NULL,
    action     TEXT NOT NULL,
    source     TEXT NOT NULL,
    timestamp  TEXT NOT NULL,
    details    TEXT
);

CREATE TABLE IF NOT EXISTS pim_links (
    message_id TEXT NOT NULL,
    kind       TEXT NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (message_id, kind)
);

CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_emails(processed_at);
CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_actions(status);
CREATE INDEX IF NOT EXISTS idx_pending_message ON pending_actions(message_id, status);
CREATE INDEX IF NOT EXISTS idx_pending_folder
    ON pending_actions(pending_folder, pending_account)
    WHERE pending_folder IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_first_seen_at ON email_first_seen(first_seen_at);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
`
