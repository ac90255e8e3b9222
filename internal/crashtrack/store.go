package crashtrack

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Store persists crash records to the crash_records table so that
// `warden status` can inspect history across restarts.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert writes one record.
func (s *Store) Insert(rec Record) error {
	var ctxJSON sql.NullString
	if len(rec.Context) > 0 {
		if b, err := json.Marshal(rec.Context); err == nil {
			ctxJSON = sql.NullString{String: string(b), Valid: true}
		}
	}
	var detail sql.NullString
	if rec.Detail != "" {
		detail = sql.NullString{String: rec.Detail, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO crash_records (id, created_at, category, message, detail, context, recovery_attempted, recovery_succeeded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.Unix(), rec.Category, rec.Message, detail, ctxJSON,
		boolToInt(rec.RecoveryAttempted), boolToInt(rec.RecoverySucceeded))
	return err
}

// UpdateRecovery stores the recovery outcome for an existing record.
func (s *Store) UpdateRecovery(id string, succeeded bool) error {
	_, err := s.db.Exec(`
		UPDATE crash_records SET recovery_attempted = 1, recovery_succeeded = ? WHERE id = ?`,
		boolToInt(succeeded), id)
	return err
}

// Recent returns up to n of the newest persisted records, oldest first.
func (s *Store) Recent(n int) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, category, message, detail, context, recovery_attempted, recovery_succeeded
		FROM crash_records ORDER BY created_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			created   int64
			detail    sql.NullString
			ctxJSON   sql.NullString
			attempted int
			succeeded int
		)
		if err := rows.Scan(&rec.ID, &created, &rec.Category, &rec.Message, &detail, &ctxJSON, &attempted, &succeeded); err != nil {
			return nil, err
		}
		rec.Timestamp = time.Unix(created, 0)
		rec.Detail = detail.String
		if ctxJSON.Valid {
			_ = json.Unmarshal([]byte(ctxJSON.String), &rec.Context)
		}
		rec.RecoveryAttempted = attempted != 0
		rec.RecoverySucceeded = succeeded != 0
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into time-ascending order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count returns the number of persisted records.
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM crash_records`).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
