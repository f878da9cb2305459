// Package spool implements the hit-spooling durability queue behind the
// hitSpooling configuration option (spec § 6): a WAL-mode SQLite-backed
// at-least-once queue that sits in front of internal/sender so that merged
// hit buffers survive a sender outage or a process crash.
//
// The schema, WAL/synchronous pragmas, single-connection pool, and
// Enqueue/Dequeue/Ack/Depth shape follow the teacher's
// internal/queue/sqlite_queue.go, generalized from JSON alert rows to raw
// hit buffers keyed by mbid and timestamp.
package spool

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "modernc.org/sqlite" // register the "sqlite" driver with database/sql
)

// Spool is a WAL-mode SQLite-backed durable queue of raw hit buffers. It is
// safe for concurrent use.
type Spool struct {
	db    *sql.DB
	depth atomic.Int64
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. Pass ":memory:" for tests; an in-memory
// database loses all data when closed.
func Open(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spool: open %q: %w", path, err)
	}

	// SQLite allows only one writer; a single pooled connection serializes
	// concurrent Enqueue calls from multiple hit-engine workers instead of
	// surfacing "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: apply schema: %w", err)
	}

	s := &Spool{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM hit_spool WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: count pending rows: %w", err)
	}
	s.depth.Store(count)

	return s, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS hit_spool (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    mbid        INTEGER NOT NULL,
    ts          INTEGER NOT NULL,
    payload     BLOB    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_hit_spool_pending
    ON hit_spool (delivered, id);
`

// Enqueue persists raw for mbid/ts. Spool itself does not implement
// sortengine.Consumer; cmd/stringhub's spoolConsumer adapter calls Enqueue
// from Consume to spool a channel sort engine's hits ahead of
// internal/sender.
func (s *Spool) Enqueue(ctx context.Context, mbid uint64, ts int64, raw []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hit_spool (mbid, ts, payload) VALUES (?, ?, ?)`,
		int64(mbid), ts, raw,
	)
	if err != nil {
		return fmt.Errorf("spool: enqueue: %w", err)
	}
	s.depth.Add(1)
	return nil
}

// PendingHit is an unacknowledged spooled buffer returned by Dequeue.
type PendingHit struct {
	ID      int64
	MBID    uint64
	Ts      int64
	Payload []byte
}

// Dequeue returns up to n unacknowledged buffers in insertion order (oldest
// first). It does not mark them delivered; call Ack with the returned IDs.
func (s *Spool) Dequeue(ctx context.Context, n int) ([]PendingHit, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mbid, ts, payload FROM hit_spool
		 WHERE delivered = 0 ORDER BY id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("spool: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []PendingHit
	for rows.Next() {
		var (
			p    PendingHit
			mbid int64
		)
		if err := rows.Scan(&p.ID, &mbid, &p.Ts, &p.Payload); err != nil {
			return nil, fmt.Errorf("spool: dequeue scan: %w", err)
		}
		p.MBID = uint64(mbid)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spool: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks ids as delivered; acknowledged rows are excluded from subsequent
// Dequeue results. Calling Ack with already-acked IDs is safe.
func (s *Spool) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := "UPDATE hit_spool SET delivered = 1 WHERE delivered = 0 AND id IN ("
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("spool: ack: %w", err)
	}
	n, _ := result.RowsAffected()
	s.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) buffers.
func (s *Spool) Depth() int64 { return s.depth.Load() }

// Close closes the underlying database connection.
func (s *Spool) Close() error { return s.db.Close() }
