package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Dispatch outcomes recorded per message.
const (
	OutcomeWebhook  = "webhook"
	OutcomeFallback = "fallback"
)

// Entry is one dispatched message and how it was handled.
type Entry struct {
	ID       string    `json:"id"`
	TenantID string    `json:"empresaId"`
	Sender   string    `json:"telefono"`
	Text     string    `json:"mensaje"`
	Outcome  string    `json:"outcome"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"timestamp"`
}

// History is a SQLite-backed log of dispatch outcomes, queried by the
// per-tenant history endpoint. Losing it loses observability, not
// messages, so writes are best-effort at the call site.
type History struct {
	db *sql.DB
}

const historySchema = `
CREATE TABLE IF NOT EXISTS dispatch_history (
	id       TEXT PRIMARY KEY,
	tenant   TEXT NOT NULL,
	sender   TEXT NOT NULL,
	text     TEXT NOT NULL,
	outcome  TEXT NOT NULL,
	detail   TEXT NOT NULL DEFAULT '',
	at_ms    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_tenant_at ON dispatch_history(tenant, at_ms DESC);
`

// OpenHistory opens (or creates) the history database at path.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db %s: %w", path, err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &History{db: db}, nil
}

// Close releases the database.
func (h *History) Close() error { return h.db.Close() }

// Record appends one entry. A zero ID gets a fresh UUID.
func (h *History) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO dispatch_history (id, tenant, sender, text, outcome, detail, at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.Sender, e.Text, e.Outcome, e.Detail, e.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

// Recent returns the newest entries for a tenant, newest first.
func (h *History) Recent(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, tenant, sender, text, outcome, detail, at_ms
		 FROM dispatch_history WHERE tenant = ?
		 ORDER BY at_ms DESC LIMIT ?`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var atMs int64
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Sender, &e.Text, &e.Outcome, &e.Detail, &atMs); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.At = time.UnixMilli(atMs).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
