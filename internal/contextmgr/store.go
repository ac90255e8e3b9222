package contextmgr

import (
	"database/sql"
	"time"
)

// Store persists compaction snapshots to the context_snapshots table.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert writes one snapshot.
func (s *Store) Insert(snap Snapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO context_snapshots (created_at, iterations, input_tokens, output_tokens, age_seconds)
		VALUES (?, ?, ?, ?, ?)`,
		snap.Timestamp.Unix(), snap.Iterations, snap.InputTokens, snap.OutputTokens,
		int64(snap.Age.Seconds()))
	return err
}

// Recent returns up to n of the newest snapshots, oldest first.
func (s *Store) Recent(n int) ([]Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT created_at, iterations, input_tokens, output_tokens, age_seconds
		FROM context_snapshots ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap    Snapshot
			created int64
			ageSec  int64
		)
		if err := rows.Scan(&created, &snap.Iterations, &snap.InputTokens, &snap.OutputTokens, &ageSec); err != nil {
			return nil, err
		}
		snap.Timestamp = time.Unix(created, 0)
		snap.Age = time.Duration(ageSec) * time.Second
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
