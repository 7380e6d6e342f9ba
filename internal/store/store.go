// Package store wires the rest of the engine together behind a single
// handle: one SQLite connection, its schema registry, the local HLC
// clock, and the apply engine bound to both. It is the only package that
// opens a database file or starts a transaction — every other package
// (apply, snapshot, version) takes an already-open *sql.Tx and trusts the
// caller to have set up crr_temp session state correctly. Store is that
// caller.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/crrsync/internal/apply"
	"github.com/untoldecay/crrsync/internal/changelog"
	"github.com/untoldecay/crrsync/internal/config"
	"github.com/untoldecay/crrsync/internal/crrerrors"
	"github.com/untoldecay/crrsync/internal/eventbus"
	"github.com/untoldecay/crrsync/internal/hlc"
	"github.com/untoldecay/crrsync/internal/schema"
	"github.com/untoldecay/crrsync/internal/telemetry"
	"github.com/untoldecay/crrsync/internal/trigger"
	"github.com/untoldecay/crrsync/internal/version"
)

// Options configures Open.
type Options struct {
	// SiteID is this replica's identity, typically config.GetSiteID's result.
	SiteID string
	// BusyTimeout bounds how long a writer waits on SQLITE_BUSY before
	// failing, applied via PRAGMA busy_timeout. Defaults to 5s.
	BusyTimeout time.Duration
	// LockTimeout bounds how long Open waits to acquire the cross-process
	// file lock before giving up. Defaults to 30s.
	LockTimeout time.Duration
	// Apply is passed to apply.New (its TombstoneTTL is not read by the
	// engine).
	Apply apply.Options
}

func (o Options) withDefaults() Options {
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 30 * time.Second
	}
	return o
}

// Store is the engine's single application write entry point (spec §6).
// Locally originated SQL and remotely received change batches both pass
// through its methods so triggers and the apply engine always observe a
// consistent crr_temp/time_travelling session.
type Store struct {
	db     *sql.DB
	lock   *flock.Flock
	reg    *schema.Registry
	clock  *hlc.Clock
	eng    *apply.Engine
	events *eventbus.Bus
	siteID string
}

// Open takes an OS-level exclusive lock on path+".lock" — a cross-process
// backstop for the single-threaded cooperative scheduling model of spec
// §5, since two crrsync processes could otherwise race on the same
// SQLite file — opens the database with write transactions starting in
// IMMEDIATE mode (the teacher's internal/storage/storage.go documents the
// same BEGIN IMMEDIATE discipline to avoid deadlocking against a
// concurrent writer), runs the engine's own schema migrations, and
// restores the HLC clock state left by the previous session.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	lock := flock.New(path + ".lock")
	locked, err := lockWithTimeout(ctx, lock, opts.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("store: acquire file lock: %w", err)
	}
	if !locked {
		return nil, crrerrors.Newf(crrerrors.KindTransient, "store: %s is locked by another process", path)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate")
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // one connection: triggers and the apply engine assume a single writer session

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds())); err != nil {
		db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	if err := trigger.EnsureTempRow(ctx, db); err != nil {
		db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	clock := hlc.New()
	if enc, err := loadClock(ctx, db); err == nil && enc != "" {
		if stamp, decErr := hlc.Decode(enc); decErr == nil {
			clock.Load(stamp)
		} else {
			telemetry.Debugf("store: ignoring malformed persisted clock %q: %v", enc, decErr)
		}
	}

	reg := schema.NewRegistry()
	eng := apply.New(reg, clock, opts.Apply)

	return &Store{db: db, lock: lock, reg: reg, clock: clock, eng: eng, events: eventbus.New(), siteID: opts.SiteID}, nil
}

// OpenFromConfig opens path the same way Open does, filling in Options
// from the process-wide config (site-id, lock-timeout, busy-timeout,
// apply.tombstone-ttl) the way the teacher's internal/syncbranch reads
// its own settings straight off config.GetString rather than requiring
// every caller to thread them through explicitly. If config.Initialize
// was never called, every lookup falls back to Open's own defaults.
// siteIDFlag overrides config's site-id the way an explicit --site-id
// flag would.
func OpenFromConfig(ctx context.Context, path, siteIDFlag string) (*Store, error) {
	opts := Options{
		SiteID:      config.GetSiteID(siteIDFlag),
		LockTimeout: config.GetDuration("lock-timeout"),
		BusyTimeout: config.GetDuration("busy-timeout"),
		Apply:       apply.Options{TombstoneTTL: config.GetDuration("apply.tombstone-ttl")},
	}
	return Open(ctx, path, opts)
}

func lockWithTimeout(ctx context.Context, lock *flock.Flock, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		locked, err := lock.TryLock()
		if err != nil {
			return false, err
		}
		if locked {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func loadClock(ctx context.Context, db *sql.DB) (string, error) {
	var enc string
	err := db.QueryRowContext(ctx, `SELECT clock FROM crr_temp WHERE id = 0`).Scan(&enc)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return enc, err
}

// Close releases the database connection and the cross-process file
// lock. Safe to call once.
func (s *Store) Close() error {
	dbErr := s.db.Close()
	lockErr := s.lock.Unlock()
	if dbErr != nil {
		return fmt.Errorf("store: close: %w", dbErr)
	}
	if lockErr != nil {
		return fmt.Errorf("store: unlock: %w", lockErr)
	}
	return nil
}

// SiteID returns this replica's identity.
func (s *Store) SiteID() string { return s.siteID }

// Registry exposes the schema registry for introspection.
func (s *Store) Registry() *schema.Registry { return s.reg }

// Engine exposes the apply engine, e.g. for the sync orchestrator's own
// direct apply calls outside a push/pull exchange.
func (s *Store) Engine() *apply.Engine { return s.eng }

// Clock exposes the replica's HLC clock.
func (s *Store) Clock() *hlc.Clock { return s.clock }

// DB exposes the underlying connection for callers that need to create
// or inspect plain (non-replicated) tables directly — e.g. the initial
// `CREATE TABLE` a caller runs before RegisterTable, or a read against a
// table this package has no opinion about.
func (s *Store) DB() *sql.DB { return s.db }

// Events exposes the table-change event bus. Reactive query layers
// subscribe here instead of polling; see internal/eventbus.
func (s *Store) Events() *eventbus.Bus { return s.events }

// changedTables returns the distinct tables touched by changes, in the
// order first seen.
func changedTables(changes []changelog.Change) []string {
	seen := make(map[string]bool, len(changes))
	var tables []string
	for _, c := range changes {
		if !seen[c.Table] {
			seen[c.Table] = true
			tables = append(tables, c.Table)
		}
	}
	return tables
}

// RegisterTable upgrades table's metadata in the registry and
// (re)installs its change-capture triggers. Call once per replicated
// table before any tracked write against it.
func (s *Store) RegisterTable(ctx context.Context, table string, pkColumns []string, columns []schema.ColumnOptions) error {
	if err := s.reg.UpgradeTable(table, pkColumns, columns); err != nil {
		return err
	}
	return trigger.Finalize(ctx, s.db, s.reg, s.siteID)
}

// UpgradeColumnToFractionalIndex switches column's merge discipline and
// re-finalizes triggers.
func (s *Store) UpgradeColumnToFractionalIndex(ctx context.Context, table, column, parentColumn string) error {
	if err := s.reg.UpgradeColumnToFractionalIndex(table, column, parentColumn); err != nil {
		return err
	}
	return trigger.Finalize(ctx, s.db, s.reg, s.siteID)
}

// WithTx runs fn inside a single write transaction (BEGIN IMMEDIATE, via
// the connection's _txlock=immediate DSN setting), committing on success
// and rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}

// ExecTrackChanges is the sole application write entry point of spec §6:
// every locally originated INSERT/UPDATE/DELETE against a registered
// table runs through it so the row triggers fire against a freshly
// stamped HLC value and the right document context, and so the clock
// advance survives a process restart. table names the target of query,
// solely to tag the resulting eventbus notification — it is never
// interpolated into SQL.
func (s *Store) ExecTrackChanges(ctx context.Context, tx *sql.Tx, document, table, query string, args ...any) (sql.Result, error) {
	stamp := s.clock.Send()
	if err := trigger.SetSession(ctx, tx, stamp.Encode(), document); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, crrerrors.Wrap(crrerrors.KindTransient, fmt.Errorf("store: exec tracked write: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `UPDATE crr_temp SET clock = ?`, stamp.Encode()); err != nil {
		return nil, fmt.Errorf("store: persist clock: %w", err)
	}
	s.events.Publish(eventbus.Event{Document: document, Table: table, Reason: eventbus.ReasonLocalWrite})
	return res, nil
}

// ApplyRemote consumes a batch of foreign changes via the apply engine,
// toggling time_travelling so the triggers stay silent while the engine
// replays accepted changes into the user tables.
func (s *Store) ApplyRemote(ctx context.Context, tx *sql.Tx, document string, changes []changelog.Change) (apply.Result, error) {
	start := time.Now()
	if err := trigger.SetTimeTravelling(ctx, tx, true); err != nil {
		return apply.Result{}, err
	}
	defer trigger.SetTimeTravelling(ctx, tx, false) //nolint:errcheck
	result, err := s.eng.Apply(ctx, tx, s.siteID, document, changes)
	if err == nil {
		telemetry.ApplySummary(document, len(result.Applied), time.Since(start))
		s.events.PublishTables(document, changedTables(result.Applied), eventbus.ReasonApplyRemote)
	}
	return result, err
}

// Commit allocates a fresh commit id for document's uncommitted changes.
func (s *Store) Commit(ctx context.Context, tx *sql.Tx, document, message string) (*version.Commit, error) {
	stamp := s.clock.Send()
	return version.DoCommit(ctx, tx, document, message, s.siteID, stamp.Encode(), time.Now().UnixMilli())
}

// Checkout moves document's head and replicated tables to commitID. A
// checkout can rewrite any replicated table's rows, so it notifies every
// registered table rather than trying to diff which ones actually moved.
func (s *Store) Checkout(ctx context.Context, tx *sql.Tx, document, commitID string) error {
	if err := version.Checkout(ctx, tx, s.reg, document, commitID); err != nil {
		return err
	}
	s.events.PublishTables(document, s.reg.Tables(), eventbus.ReasonCheckout)
	return nil
}

// DiscardChanges drops document's uncommitted changes and re-folds the
// live tables from the last commit.
func (s *Store) DiscardChanges(ctx context.Context, tx *sql.Tx, document string) error {
	if err := version.DiscardChanges(ctx, tx, s.reg, document); err != nil {
		return err
	}
	s.events.PublishTables(document, s.reg.Tables(), eventbus.ReasonCheckout)
	return nil
}

// LoadDocument reads document's sync bookkeeping row.
func (s *Store) LoadDocument(ctx context.Context, tx *sql.Tx, document string) (*version.Document, error) {
	return version.LoadDocument(ctx, tx, document)
}

// PreparePushCommits gathers document's unpushed commits for a push request.
func (s *Store) PreparePushCommits(ctx context.Context, tx *sql.Tx, document string) (*version.PushRequest, error) {
	return version.PreparePushCommits(ctx, tx, document)
}

// ReceivePushCommits validates and applies an incoming push request.
func (s *Store) ReceivePushCommits(ctx context.Context, tx *sql.Tx, req *version.PushRequest) (*version.PushResponse, error) {
	resp, err := version.ReceivePushCommits(ctx, tx, s.reg, s.eng, s.siteID, req)
	if err == nil && resp.Status == version.PushOK {
		var flattened []changelog.Change
		for _, group := range req.Changes {
			flattened = append(flattened, group...)
		}
		s.events.PublishTables(req.DocumentID, changedTables(flattened), eventbus.ReasonApplyRemote)
	}
	return resp, err
}

// PreparePullCommits builds the request a client sends to pull document.
func (s *Store) PreparePullCommits(ctx context.Context, tx *sql.Tx, document string) (*version.PullRequest, error) {
	return version.PreparePullCommits(ctx, tx, document)
}

// ReceivePullCommits gathers the commits and changes a server ships back
// in response to a pull request.
func (s *Store) ReceivePullCommits(ctx context.Context, tx *sql.Tx, req *version.PullRequest, pulledAt int64) (*version.PullResponse, error) {
	return version.ReceivePullCommits(ctx, tx, req, pulledAt)
}

// MarkPushed records that document's commits up to pushedCommit have
// reached the remote.
func (s *Store) MarkPushed(ctx context.Context, tx *sql.Tx, document, pushedCommit string) error {
	return version.MarkPushed(ctx, tx, document, pushedCommit)
}

// TouchPulledAt records that a pull attempt against document completed,
// whether or not it found any new commits.
func (s *Store) TouchPulledAt(ctx context.Context, tx *sql.Tx, document string, pulledAtMs int64) error {
	return version.TouchPulledAt(ctx, tx, document, pulledAtMs)
}

// Merge performs the three-way merge of spec §4.9 against the changes a
// pull returned.
func (s *Store) Merge(ctx context.Context, tx *sql.Tx, document, ourHead, theirHead string,
	theirCommits []version.Commit, theirChanges [][]changelog.Change) (*version.Commit, []version.Conflict, error) {
	stamp := s.clock.Send()
	commit, conflicts, err := version.Merge(ctx, tx, s.reg, s.eng, s.siteID, document, ourHead, theirHead,
		theirCommits, theirChanges, stamp.Encode(), time.Now().UnixMilli())
	if err == nil {
		var flattened []changelog.Change
		for _, group := range theirChanges {
			flattened = append(flattened, group...)
		}
		s.events.PublishTables(document, changedTables(flattened), eventbus.ReasonMerge)
	}
	return commit, conflicts, err
}

// GetConflicts returns document's outstanding manual_conflict rows for table.
func (s *Store) GetConflicts(ctx context.Context, tx *sql.Tx, document, table string) ([]version.Conflict, error) {
	return version.GetConflicts(ctx, tx, document, table)
}

// ResolveConflict applies the caller's column choices and clears the
// conflict record.
func (s *Store) ResolveConflict(ctx context.Context, tx *sql.Tx, document, table, pk string, choices []version.ColumnChoice) error {
	return version.ResolveConflict(ctx, tx, s.reg, document, table, pk, choices)
}
