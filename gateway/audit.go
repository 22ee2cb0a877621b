package gateway

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Audit actions recorded for state-changing calls. Emergency refunds carry
// their own action so incident responses stay distinguishable from ordinary
// dispute resolution.
const (
	AuditActionListItem        = "list_item"
	AuditActionCancelListing   = "cancel_listing"
	AuditActionBuyItem         = "buy_item"
	AuditActionMarkDelivered   = "mark_delivered"
	AuditActionConfirmDelivery = "confirm_delivery"
	AuditActionRaiseDispute    = "raise_dispute"
	AuditActionResolveDispute  = "resolve_dispute"
	AuditActionAutoRelease     = "auto_release"
	AuditActionEmergencyRefund = "emergency_refund"
	AuditActionMint            = "mint"
)

// AuditEntry is one row of the settlement audit journal.
type AuditEntry struct {
	RequestID  string
	APIKey     string
	Action     string
	Asset      string
	Actor      string
	Outcome    string
	Detail     string
	OccurredAt time.Time
}

// AuditStore persists the audit journal in SQLite.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore opens (and migrates) the audit database at path.
func NewAuditStore(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &AuditStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *AuditStore) init() error {
	schema := `CREATE TABLE IF NOT EXISTS audit_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        occurred_at TIMESTAMP NOT NULL,
        request_id TEXT NOT NULL,
        api_key TEXT,
        action TEXT NOT NULL,
        asset TEXT NOT NULL,
        actor TEXT,
        outcome TEXT NOT NULL,
        detail TEXT
    );`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends one entry to the journal.
func (s *AuditStore) Record(ctx context.Context, entry AuditEntry) error {
	occurred := entry.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (occurred_at, request_id, api_key, action, asset, actor, outcome, detail)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		occurred, entry.RequestID, entry.APIKey, entry.Action, entry.Asset, entry.Actor, entry.Outcome, entry.Detail,
	)
	return err
}

// Recent returns up to limit journal entries, newest first. Intended for
// operator inspection and tests.
func (s *AuditStore) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT occurred_at, request_id, api_key, action, asset, actor, outcome, detail
         FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		if err := rows.Scan(&entry.OccurredAt, &entry.RequestID, &entry.APIKey, &entry.Action,
			&entry.Asset, &entry.Actor, &entry.Outcome, &entry.Detail); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close releases the underlying database handle.
func (s *AuditStore) Close() error {
	return s.db.Close()
}
