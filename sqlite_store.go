package tpmlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

type sqliteStore struct{ db *sql.DB }

// OpenSQLiteStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteStore(dsn string) (RangeStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	st := &sqliteStore{db: db}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS records (
  idx       INTEGER PRIMARY KEY,
  id        TEXT    NOT NULL UNIQUE,
  ts        REAL    NOT NULL,
  count     INTEGER NOT NULL,
  can_id    INTEGER,
  msg       TEXT    NOT NULL,
  pcr       BLOB    NOT NULL,
  sig       BLOB    NOT NULL,
  new_chain INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS records_ts ON records(ts);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Append stores a record under the next index. Records without an ID get a
// random UUID.
func (s *sqliteStore) Append(r SignedRecord) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var maxIdx int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(idx),0) FROM records`).Scan(&maxIdx); err != nil {
		return 0, err
	}
	idx := uint64(maxIdx) + 1 // #nosec G115 -- idx is never negative
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	var canID sql.NullInt64
	if r.CanID != nil {
		canID = sql.NullInt64{Int64: int64(*r.CanID), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records(idx, id, ts, count, can_id, msg, pcr, sig, new_chain) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		idx, r.ID, r.Timestamp, r.Count, canID, r.Message, r.PCR, r.Signature, r.IsNewChain); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return idx, nil
}

const recordColumns = `idx, id, ts, count, can_id, msg, pcr, sig, new_chain`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (SignedRecord, error) {
	var r SignedRecord
	var canID sql.NullInt64
	if err := row.Scan(&r.Index, &r.ID, &r.Timestamp, &r.Count, &canID,
		&r.Message, &r.PCR, &r.Signature, &r.IsNewChain); err != nil {
		return r, err
	}
	if canID.Valid {
		id := int(canID.Int64)
		r.CanID = &id
	}
	return r, nil
}

// Iter returns a channel that streams records starting from startIdx in ascending order.
func (s *sqliteStore) Iter(startIdx uint64) (<-chan SignedRecord, func() error, error) {
	ctx, cancel := context.WithCancel(context.Background())
	query := `SELECT ` + recordColumns + ` FROM records WHERE idx >= ? ORDER BY idx ASC`
	rows, err := s.db.QueryContext(ctx, query, startIdx)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	out := make(chan SignedRecord, 64)
	var iterErr error
	go func() {
		defer close(out)
		defer rows.Close()
		for rows.Next() {
			r, err := scanRecord(rows)
			if err != nil {
				iterErr = err
				return
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
		if err := rows.Err(); err != nil && !errors.Is(err, context.Canceled) {
			iterErr = err
		}
	}()
	return out, func() error {
		cancel()
		for range out {
		}
		return iterErr
	}, nil
}

// Range returns up to limit records with start <= ts < end.
func (s *sqliteStore) Range(start, end float64, limit int) ([]SignedRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE ts >= ? AND ts < ? ORDER BY idx ASC LIMIT ?`,
		start, end, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SignedRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Tail returns the index and PCR of the newest record.
func (s *sqliteStore) Tail() (TailState, bool, error) {
	var tail TailState
	err := s.db.QueryRow(`SELECT idx, pcr FROM records ORDER BY idx DESC LIMIT 1`).Scan(&tail.Index, &tail.PCR)
	if errors.Is(err, sql.ErrNoRows) {
		return tail, false, nil
	}
	if err != nil {
		return tail, false, err
	}
	return tail, true, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }
