// Package calibstore persists accepted RAPCal updates to PostgreSQL for
// long-term query and offline analysis, as a durable complement to
// internal/caliblog's tamper-evident local ledger.
//
// Ingestion is batched exactly as the reference's storage.Store batches
// alert rows: updates accumulate in memory and are flushed to the database
// either when the buffer reaches batchSize or when a background ticker
// fires, whichever comes first, via a single pgx.Batch round trip with
// ON CONFLICT DO NOTHING for idempotent replay.
package calibstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stringhub-core/stringhub/internal/caliblog"
)

const (
	// DefaultBatchSize is the maximum number of update rows held in memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending updates even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed history of accepted RAPCal updates.
type Store struct {
	pool *pgxpool.Pool

	mu            sync.Mutex
	batch         []caliblog.Entry
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, ensures the
// schema exists, and starts the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize; flushInterval <= 0 is
// replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("calibstore: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calibstore: pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calibstore: apply schema: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]caliblog.Entry, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS rapcal_updates (
    seq        BIGINT PRIMARY KEY,
    ts         TIMESTAMPTZ NOT NULL,
    mbid       BIGINT NOT NULL,
    dom_tx_ticks       BIGINT NOT NULL,
    round_trip_ns100   BIGINT NOT NULL,
    gps_offset_ns100   BIGINT NOT NULL,
    prev_hash  TEXT NOT NULL,
    event_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rapcal_updates_mbid_ts
    ON rapcal_updates (mbid, ts);
`

// Close stops the background flush goroutine, flushes any remaining
// buffered updates, and closes the connection pool. Safe to call more than
// once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// Record enqueues e for deferred batch insertion. If the in-memory buffer
// reaches batchSize after appending, Flush runs synchronously so the caller
// observes back-pressure rather than unbounded memory growth.
func (s *Store) Record(ctx context.Context, e caliblog.Entry) error {
	s.mu.Lock()
	s.batch = append(s.batch, e)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the buffered updates and sends them to PostgreSQL in one
// pgx.Batch round-trip. Rows that conflict on the primary key (a replayed
// seq) are silently ignored.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]caliblog.Entry, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO rapcal_updates
			(seq, ts, mbid, dom_tx_ticks, round_trip_ns100, gps_offset_ns100, prev_hash, event_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		e := &toInsert[i]
		b.Queue(query,
			e.Seq, e.Timestamp, int64(e.Update.MBID),
			e.Update.DomTxTicks, e.Update.RoundTripNs100, e.Update.GPSOffsetNs100,
			e.PrevHash, e.EventHash,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("calibstore: batch exec update: %w", err)
		}
	}
	return nil
}

// Query returns updates for mbid with timestamps in [from, to), ordered by
// seq ascending.
func (s *Store) Query(ctx context.Context, mbid uint64, from, to time.Time) ([]caliblog.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, ts, mbid, dom_tx_ticks, round_trip_ns100, gps_offset_ns100, prev_hash, event_hash
		FROM   rapcal_updates
		WHERE  mbid = $1 AND ts >= $2 AND ts < $3
		ORDER  BY seq ASC`,
		int64(mbid), from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("calibstore: query: %w", err)
	}
	defer rows.Close()

	var entries []caliblog.Entry
	for rows.Next() {
		var e caliblog.Entry
		var mbidCol int64
		if err := rows.Scan(
			&e.Seq, &e.Timestamp, &mbidCol,
			&e.Update.DomTxTicks, &e.Update.RoundTripNs100, &e.Update.GPSOffsetNs100,
			&e.PrevHash, &e.EventHash,
		); err != nil {
			return nil, fmt.Errorf("calibstore: scan: %w", err)
		}
		e.Update.MBID = uint64(mbidCol)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
