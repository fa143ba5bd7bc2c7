// Package journal records frame manager transitions in a SQLite database for
// post-mortem inspection.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/zerovm/vm"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("zerovm.journal")

// DefaultBuffer is the number of events that can wait for the writer before
// new ones are dropped.
const DefaultBuffer = 4096

const maxBatch = 256

const schema = `CREATE TABLE IF NOT EXISTS transitions (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	thread    TEXT    NOT NULL,
	method    TEXT    NOT NULL,
	bci       INTEGER NOT NULL,
	kind      INTEGER NOT NULL,
	kind_name TEXT    NOT NULL,
	callee    TEXT,
	depth     INTEGER NOT NULL,
	monitors  INTEGER NOT NULL,
	frames    INTEGER NOT NULL,
	at        INTEGER NOT NULL
)`

// Journal is a vm.Tracer that appends every transition to a table. Events
// are queued and written in batches by a background goroutine, so the guest
// thread never waits on the database.
type Journal struct {
	db      *sql.DB
	events  chan vm.Event
	flushes chan chan error
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	return OpenBuffered(path, DefaultBuffer)
}

// OpenBuffered is Open with an explicit queue size.
func OpenBuffered(path string, buffer int) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	if buffer < 1 {
		buffer = 1
	}
	j := &Journal{
		db:      db,
		events:  make(chan vm.Event, buffer),
		flushes: make(chan chan error),
		done:    make(chan struct{}),
	}
	go j.run()
	return j, nil
}

// Transition queues ev. It never blocks: when the queue is full the event
// is dropped and counted.
func (j *Journal) Transition(ev vm.Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.events <- ev:
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) run() {
	defer close(j.done)
	batch := make([]vm.Event, 0, maxBatch)
	for {
		select {
		case ev, ok := <-j.events:
			if !ok {
				return
			}
			batch = append(batch[:0], ev)
			batch = j.drain(batch)
			j.write(batch)
		case reply := <-j.flushes:
			reply <- j.write(j.drain(batch[:0]))
		}
	}
}

// drain appends queued events to batch without blocking.
func (j *Journal) drain(batch []vm.Event) []vm.Event {
	for len(batch) < cap(batch) {
		select {
		case ev, ok := <-j.events:
			if !ok {
				return batch
			}
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (j *Journal) write(batch []vm.Event) error {
	if len(batch) == 0 {
		return nil
	}
	err := j.insert(batch)
	if err != nil {
		j.failed.Add(int64(len(batch)))
		log.Errorf("writing %d transitions: %s", len(batch), err)
		return err
	}
	j.written.Add(int64(len(batch)))
	return nil
}

func (j *Journal) insert(batch []vm.Event) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO transitions
		(thread, method, bci, kind, kind_name, callee, depth, monitors, frames, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, ev := range batch {
		var callee sql.NullString
		if ev.Callee != "" {
			callee = sql.NullString{String: ev.Callee, Valid: true}
		}
		if _, err := stmt.Exec(ev.Thread.String(), ev.Method, ev.BCI, int(ev.Kind), ev.Kind.String(),
			callee, ev.Depth, ev.Monitors, ev.Frames, ev.Time.UnixNano()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Flush waits until every event queued before the call is written.
func (j *Journal) Flush(ctx context.Context) error {
	for {
		reply := make(chan error, 1)
		select {
		case j.flushes <- reply:
		case <-j.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case err := <-reply:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		if len(j.events) == 0 {
			return nil
		}
	}
}

// Close writes the queued events and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.events)
	j.mu.Unlock()
	<-j.done
	return j.db.Close()
}

// Stats counts events by outcome.
type Stats struct {
	Written int64
	Dropped int64
	Failed  int64
}

// Stats returns the journal's counters.
func (j *Journal) Stats() Stats {
	return Stats{Written: j.written.Load(), Dropped: j.dropped.Load(), Failed: j.failed.Load()}
}

// Filter selects transitions. Zero fields match everything.
type Filter struct {
	Thread uuid.UUID
	Kind   vm.MessageKind
	Method string
	Limit  int
}

// Query returns matching transitions, newest first.
func (j *Journal) Query(ctx context.Context, f Filter) ([]vm.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.Thread != uuid.Nil {
		where = append(where, "thread = ?")
		args = append(args, f.Thread.String())
	}
	if f.Kind != vm.KindNone {
		where = append(where, "kind = ?")
		args = append(args, int(f.Kind))
	}
	if f.Method != "" {
		where = append(where, "method = ?")
		args = append(args, f.Method)
	}
	q := "SELECT thread, method, bci, kind, callee, depth, monitors, frames, at FROM transitions"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()
	var out []vm.Event
	for rows.Next() {
		var (
			ev     vm.Event
			thread string
			kind   int
			callee sql.NullString
			at     int64
		)
		if err := rows.Scan(&thread, &ev.Method, &ev.BCI, &kind, &callee, &ev.Depth, &ev.Monitors, &ev.Frames, &at); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		if ev.Thread, err = uuid.Parse(thread); err != nil {
			return nil, fmt.Errorf("transition thread %q: %w", thread, err)
		}
		ev.Kind = vm.MessageKind(kind)
		ev.Callee = callee.String
		ev.Time = time.Unix(0, at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Counts returns the number of recorded transitions of each kind.
func (j *Journal) Counts(ctx context.Context) (map[vm.MessageKind]int64, error) {
	rows, err := j.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM transitions GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("counting transitions: %w", err)
	}
	defer rows.Close()
	out := make(map[vm.MessageKind]int64)
	for rows.Next() {
		var kind int
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		out[vm.MessageKind(kind)] = n
	}
	return out, rows.Err()
}
