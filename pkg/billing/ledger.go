package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Entry is one audited charge attempt.
type Entry struct {
	BizNo      int64
	InputUnits int64
	Photons    int
	SKUID      int64
	Success    bool
	Code       int
	Message    string
	ChargedAt  time.Time
}

// Ledger keeps an append-only sqlite record of charge attempts for
// reconciliation against the backend. Recording is best effort: a ledger
// write failure is logged and never fails the charge.
type Ledger struct {
	db     *sql.DB
	logger zerolog.Logger
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS charge_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	biz_no INTEGER NOT NULL,
	input_units INTEGER NOT NULL,
	photons INTEGER NOT NULL,
	sku_id INTEGER NOT NULL,
	success INTEGER NOT NULL,
	code INTEGER NOT NULL,
	message TEXT NOT NULL,
	charged_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_charge_log_biz_no ON charge_log(biz_no);
`

// OpenLedger opens (and if needed initializes) the audit database at path.
func OpenLedger(path string, logger zerolog.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open charge ledger: %w", err)
	}

	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize charge ledger schema: %w", err)
	}

	return &Ledger{
		db:     db,
		logger: logger.With().Str("component", "charge_ledger").Logger(),
	}, nil
}

// Record appends one charge attempt.
func (l *Ledger) Record(ctx context.Context, e Entry) {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO charge_log (biz_no, input_units, photons, sku_id, success, code, message, charged_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.BizNo, e.InputUnits, e.Photons, e.SKUID, e.Success, e.Code, e.Message, e.ChargedAt,
	)
	if err != nil {
		l.logger.Warn().Err(err).Int64("biz_no", e.BizNo).Msg("failed to record charge")
	}
}

// Recent returns the most recent n entries, newest first.
func (l *Ledger) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT biz_no, input_units, photons, sku_id, success, code, message, charged_at
		 FROM charge_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query charge ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.BizNo, &e.InputUnits, &e.Photons, &e.SKUID, &e.Success, &e.Code, &e.Message, &e.ChargedAt); err != nil {
			return nil, fmt.Errorf("scan charge entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
