package detect

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const createSQL = `CREATE TABLE IF NOT EXISTS signals (
	"ID"             INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	"CenterFreq"     REAL NOT NULL,
	"PeakFreq"       REAL NOT NULL,
	"Bandwidth"      REAL NOT NULL,
	"PeakPower"      REAL NOT NULL,
	"FirstSeen"      INTEGER NOT NULL,
	"LastSeen"       INTEGER NOT NULL,
	"HitCount"       INTEGER DEFAULT 1,
	"Classification" TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_signals_freq ON signals(CenterFreq);
CREATE INDEX IF NOT EXISTS idx_signals_last_seen ON signals(LastSeen);`

// Store persists detected signals to sqlite. All writes run on the
// coordinator's event loop, never on the DSP worker, so a plain connection
// with no extra locking is enough.
type Store struct {
	db      *sql.DB
	matchBW float64 // Hz, upsert tolerance
}

// OpenStore opens (and if needed creates) the signal database.
func OpenStore(path string, matchBW float64) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("unable to open signal DB %q: %w", path, err)
	}
	if _, err := db.Exec(createSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to create signals table: %w", err)
	}
	if matchBW <= 0 {
		matchBW = 50e3
	}
	return &Store{db: db, matchBW: matchBW}, nil
}

// Upsert records a signal. A row within matchBW of the center frequency is
// updated in place, anything else inserts.
func (s *Store) Upsert(sig Signal) error {
	row := s.db.QueryRow(
		`SELECT ID, HitCount, PeakPower FROM signals
		 WHERE ABS(CenterFreq - ?) < ?
		 ORDER BY ABS(CenterFreq - ?) LIMIT 1`,
		sig.CenterFreq, s.matchBW, sig.CenterFreq,
	)

	var id int64
	var hits int
	var peak float64
	err := row.Scan(&id, &hits, &peak)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(
			`INSERT INTO signals
			 (CenterFreq, PeakFreq, Bandwidth, PeakPower, FirstSeen, LastSeen, HitCount, Classification)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sig.CenterFreq, sig.PeakFreq, sig.Bandwidth, sig.PeakPower,
			sig.FirstSeen.UnixMilli(), sig.LastSeen.UnixMilli(), sig.HitCount, sig.Classification,
		)
		return err
	case err != nil:
		return err
	}

	if sig.PeakPower > peak {
		peak = sig.PeakPower
	}
	_, err = s.db.Exec(
		`UPDATE signals SET
		 CenterFreq=?, PeakFreq=?, Bandwidth=?, PeakPower=?, LastSeen=?, HitCount=HitCount+?
		 WHERE ID=?`,
		sig.CenterFreq, sig.PeakFreq, sig.Bandwidth, peak,
		sig.LastSeen.UnixMilli(), sig.HitCount, id,
	)
	return err
}

// StoredSignal is one persisted row.
type StoredSignal struct {
	ID             int64   `json:"id"`
	CenterFreq     float64 `json:"center_freq"`
	PeakFreq       float64 `json:"peak_freq"`
	Bandwidth      float64 `json:"bandwidth"`
	PeakPower      float64 `json:"peak_power"`
	FirstSeen      int64   `json:"first_seen_ms"`
	LastSeen       int64   `json:"last_seen_ms"`
	HitCount       int     `json:"hit_count"`
	Classification string  `json:"classification,omitempty"`
}

// Recent returns up to limit rows ordered by last activity.
func (s *Store) Recent(limit int) ([]StoredSignal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT ID, CenterFreq, PeakFreq, Bandwidth, PeakPower, FirstSeen, LastSeen, HitCount, Classification
		 FROM signals ORDER BY LastSeen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredSignal
	for rows.Next() {
		var r StoredSignal
		if err := rows.Scan(&r.ID, &r.CenterFreq, &r.PeakFreq, &r.Bandwidth,
			&r.PeakPower, &r.FirstSeen, &r.LastSeen, &r.HitCount, &r.Classification); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
