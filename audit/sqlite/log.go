package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/abdoulaahmad/transcrypt2/audit"
	"github.com/abdoulaahmad/transcrypt2/ident"
)

// Log is an audit.Log stored in the audit_entries table.
type Log struct {
	db     *sql.DB
	writer *Worker
}

var _ audit.Log = (*Log)(nil)

func NewLog(db *sql.DB, writer *Worker) *Log {
	return &Log{db: db, writer: writer}
}

func (l *Log) PutAuditEntry(ctx context.Context, e audit.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return l.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO audit_entries(id, transcript_id, accessor, reason, court_order, ts_ns, ledger_seq)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`,
			e.ID, e.TranscriptID.String(), e.Accessor.String(), e.Reason, e.CourtOrder,
			e.Timestamp.UTC().UnixNano(), int64(e.LedgerSeq),
		)
		if err != nil {
			return fmt.Errorf("PutAuditEntry insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("PutAuditEntry rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("entry %s: %w", e.ID, audit.ErrDuplicateEntry)
		}
		return nil
	})
}

func (l *Log) ScanAuditEntries(ctx context.Context, id ident.TranscriptID) ([]audit.Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT id, transcript_id, accessor, reason, court_order, ts_ns, ledger_seq
FROM audit_entries
WHERE transcript_id = ?
ORDER BY ts_ns DESC, id DESC;
`, id.String())
	if err != nil {
		return nil, fmt.Errorf("ScanAuditEntries query: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e                      audit.Entry
			transcriptID, accessor string
			tsNS, ledgerSeq        int64
		)
		if err := rows.Scan(&e.ID, &transcriptID, &accessor, &e.Reason, &e.CourtOrder, &tsNS, &ledgerSeq); err != nil {
			return nil, fmt.Errorf("ScanAuditEntries scan: %w", err)
		}
		e.TranscriptID = ident.TranscriptID(transcriptID)
		e.Accessor = ident.Address(accessor)
		e.Timestamp = time.Unix(0, tsNS).UTC()
		e.LedgerSeq = uint64(ledgerSeq)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ScanAuditEntries rows: %w", err)
	}
	return out, nil
}
