// Package ledger is an optional SQLite-backed observer of the event bus:
// it records task state transitions, workspace lifecycle events, and the
// final stack for later inspection or resume. It is not part of the core's
// required persisted state (the shadow directory is); a run with no Ledger
// attached behaves identically.
//
// Uses the same modernc.org/sqlite driver, WAL-mode + busy-timeout
// connection string, and CREATE TABLE IF NOT EXISTS schema-as-migration
// idiom as other SQLite-backed stores in this codebase's lineage. Unlike a
// synchronous checkpoint call wired inline into the run loop, a Ledger is a
// pure events.SubscribeAll consumer: slow observers must never block the
// scheduler, so it drains its own channel on a dedicated goroutine.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/arittr/chopstack/internal/events"
)

// Ledger persists event-bus activity for one run to a SQLite database.
type Ledger struct {
	db    *sql.DB
	runID int64

	done chan struct{}
}

// Open creates (or reuses the schema of) a SQLite database at path and
// starts a new run row with the given base reference.
func Open(ctx context.Context, path, baseRef string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ledger: create directory %s: %w", dir, err)
		}
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(2)

	l := &Ledger{db: db, done: make(chan struct{})}
	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}

	res, err := db.ExecContext(ctx, `INSERT INTO runs (base_ref) VALUES (?)`, baseRef)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: read run id: %w", err)
	}
	l.runID = runID

	return l, nil
}

// OpenMemory creates an in-memory Ledger, for tests.
func OpenMemory(ctx context.Context, baseRef string) (*Ledger, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("ledger: open memory db: %w", err)
	}
	db.SetMaxOpenConns(2)

	l := &Ledger{db: db, done: make(chan struct{})}
	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}

	res, err := db.ExecContext(ctx, `INSERT INTO runs (base_ref) VALUES (?)`, baseRef)
	if err != nil {
		db.Close()
		return nil, err
	}
	runID, err := res.LastInsertId()
	if err != nil {
		db.Close()
		return nil, err
	}
	l.runID = runID
	return l, nil
}

// Subscribe drains bus's SubscribeAll channel on a dedicated goroutine,
// persisting each event as it arrives, until ctx is cancelled or the bus is
// closed. It never blocks the publisher: the channel itself is the only
// backpressure point, and a full channel simply drops events at the bus
// (see events.EventBus.Publish).
func (l *Ledger) Subscribe(ctx context.Context, bus *events.EventBus) {
	ch := bus.SubscribeAll(256)
	go func() {
		defer close(l.done)
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				l.record(ctx, e)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the Subscribe goroutine has drained and exited.
func (l *Ledger) Wait() {
	<-l.done
}

func (l *Ledger) record(ctx context.Context, e events.Event) {
	switch ev := e.(type) {
	case events.TaskStateChangeEvent:
		_, _ = l.db.ExecContext(ctx,
			`INSERT INTO task_transitions (run_id, task_id, from_state, to_state, reason, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
			l.runID, ev.ID, ev.From, ev.To, ev.Reason, ev.Timestamp)
	case events.WorkspaceCreatedEvent:
		_, _ = l.db.ExecContext(ctx,
			`INSERT INTO workspace_events (run_id, task_id, kind, path, timestamp) VALUES (?, ?, 'created', ?, ?)`,
			l.runID, ev.ID, ev.Path, ev.Timestamp)
	case events.WorkspaceReleasedEvent:
		_, _ = l.db.ExecContext(ctx,
			`INSERT INTO workspace_events (run_id, task_id, kind, timestamp) VALUES (?, ?, 'released', ?)`,
			l.runID, ev.ID, ev.Timestamp)
	case events.StackBuiltEvent:
		// Branch detail is recorded separately via RecordStack; this just
		// marks that assembly happened.
	}
}

// RecordStack persists the assembled stack's branches for this run.
func (l *Ledger) RecordStack(ctx context.Context, branches []StackBranchRecord) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, b := range branches {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stack_branches (run_id, task_id, branch_name, parent_branch, commit_id) VALUES (?, ?, ?, ?, ?)`,
			l.runID, b.TaskID, b.BranchName, b.ParentBranch, b.CommitID); err != nil {
			return fmt.Errorf("ledger: insert branch %s: %w", b.TaskID, err)
		}
	}
	return tx.Commit()
}

// StackBranchRecord is the subset of stack.Branch the ledger persists; kept
// as its own type so this package does not import internal/stack.
type StackBranchRecord struct {
	TaskID       string
	BranchName   string
	ParentBranch string
	CommitID     string
}

// Finish marks the run row complete with the given summary counts.
func (l *Ledger) Finish(ctx context.Context, completed, failed, blocked, skipped int, cancelled bool) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = CURRENT_TIMESTAMP, completed = ?, failed = ?, blocked = ?, skipped = ?, cancelled = ? WHERE id = ?`,
		completed, failed, blocked, skipped, cancelled, l.runID)
	if err != nil {
		return fmt.Errorf("ledger: finish run: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
