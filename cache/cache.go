// Package cache implements the durable, transactional key-value store of
// spec §4.7 and §6: a mapping of task fingerprint to result artifact, with
// a claims table enforcing at-most-one-in-flight execution per fingerprint
// across every worker sharing the store.
//
// Storage is grounded on roach88-nysm/brutalist/internal/store/store.go:
// database/sql over github.com/mattn/go-sqlite3, WAL journal mode, a
// single-writer connection pool (SQLite itself only supports one writer),
// and an embedded schema applied idempotently on Open.
package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jhrmnn/mona/fingerprint"
	"github.com/jhrmnn/mona/hashed"
	"github.com/jhrmnn/mona/merrors"
)

//go:embed schema.sql
var schemaSQL string

// Entry is a fully materialised cache row (spec §4.7, §6).
type Entry struct {
	Fingerprint fingerprint.Hash
	Rule        string
	InputHash   fingerprint.Hash
	Value       hashed.Value
	Created     time.Time
}

// Options configures a Cache's claim protocol timing (spec §4.7).
type Options struct {
	// WorkerID identifies this process's claims in the claims table.
	// Defaults to a fresh UUID, time-sortable via uuid.NewV7 the way
	// roach88-nysm's internal/engine/flow.go mints run identifiers.
	WorkerID string
	// StaleAfter is how old a claim's heartbeat may get before another
	// worker is allowed to reclaim it (spec §4.7 "Stale claims").
	StaleAfter time.Duration
	// BackoffInitial and BackoffCap bound the exponential backoff a
	// worker uses while polling a claim it lost the race for (spec §4.7
	// step 4).
	BackoffInitial time.Duration
	BackoffCap     time.Duration
}

func (o *Options) setDefaults() {
	if o.WorkerID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		o.WorkerID = id.String()
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 2 * time.Minute
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 25 * time.Millisecond
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 2 * time.Second
	}
}

// Cache is a durable, transactional store of task results keyed by
// fingerprint, shared by every worker process pointed at the same file
// (spec §4.7, §6).
type Cache struct {
	db   *sql.DB
	path string
	opts Options
}

// Open creates or opens a SQLite-backed cache at path, applying WAL mode
// and the embedded schema idempotently.
func Open(path string, opts Options) (*Cache, error) {
	opts.setDefaults()
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, merrors.Wrap(merrors.CacheConflict, fmt.Errorf("open cache %s: %w", path, err))
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, merrors.Wrap(merrors.CacheConflict, fmt.Errorf("connect to cache %s: %w", path, err))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, merrors.Wrap(merrors.CacheConflict, fmt.Errorf("apply pragma %q: %w", pragma, err))
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, merrors.Wrap(merrors.CacheConflict, fmt.Errorf("apply schema: %w", err))
	}
	return &Cache{db: db, path: path, opts: opts}, nil
}

// WorkerID returns the identifier this cache's claims are recorded under.
func (c *Cache) WorkerID() string { return c.opts.WorkerID }

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Get looks up a stored result for fp. ok is false if no entry exists.
func (c *Cache) Get(ctx context.Context, fp fingerprint.Hash) (Entry, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT rule, input_hash, value, created FROM results WHERE fingerprint = ?`, string(fp))
	var rule, inputHash string
	var raw []byte
	var created int64
	err := row.Scan(&rule, &inputHash, &raw, &created)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, merrors.Wrap(merrors.CacheConflict, err)
	}
	val, err := hashed.Unmarshal(raw)
	if err != nil {
		return Entry{}, false, merrors.Wrap(merrors.CacheConflict, err)
	}
	return Entry{
		Fingerprint: fp,
		Rule:        rule,
		InputHash:   fingerprint.Hash(inputHash),
		Value:       val,
		Created:     time.Unix(created, 0).UTC(),
	}, true, nil
}

// TryClaim attempts to claim fp for execution by this cache's worker. It
// returns true if the claim was acquired. Claiming fails (without error) if
// a result already exists for fp or any claim row for fp exists, including
// a stale one or one held by this same worker; stale claims are removed
// only by AwaitClaim (spec §4.7 step 1).
func (c *Cache) TryClaim(ctx context.Context, fp fingerprint.Hash) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO claims (fingerprint, worker, heartbeat)
		 SELECT ?, ?, ?
		 WHERE NOT EXISTS (SELECT 1 FROM results WHERE fingerprint = ?)`,
		string(fp), c.opts.WorkerID, time.Now().Unix(), string(fp))
	if err != nil {
		return false, merrors.Wrap(merrors.CacheConflict, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, merrors.Wrap(merrors.CacheConflict, err)
	}
	return n == 1, nil
}

// reclaimStale deletes fp's claim if its heartbeat is older than
// StaleAfter, letting a subsequent TryClaim succeed (spec §4.7 "Stale
// claims").
func (c *Cache) reclaimStale(ctx context.Context, fp fingerprint.Hash) error {
	cutoff := time.Now().Add(-c.opts.StaleAfter).Unix()
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM claims WHERE fingerprint = ? AND heartbeat < ?`, string(fp), cutoff)
	if err != nil {
		return merrors.Wrap(merrors.CacheConflict, err)
	}
	return nil
}

// Heartbeat refreshes the heartbeat of this worker's claim on fp, called at
// every suspension point of the running task (spec §4.7 "Stale claims").
func (c *Cache) Heartbeat(ctx context.Context, fp fingerprint.Hash) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE claims SET heartbeat = ? WHERE fingerprint = ? AND worker = ?`,
		time.Now().Unix(), string(fp), c.opts.WorkerID)
	if err != nil {
		return merrors.Wrap(merrors.CacheConflict, err)
	}
	return nil
}

// Commit writes the result for fp and releases its claim in one
// transaction (spec §4.7 step 2).
func (c *Cache) Commit(ctx context.Context, fp fingerprint.Hash, rule string, inputHash fingerprint.Hash, value hashed.Value, deps []fingerprint.Hash) error {
	raw, err := hashed.Marshal(value)
	if err != nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return merrors.Wrap(merrors.CacheConflict, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO results (fingerprint, rule, input_hash, value, created) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET rule=excluded.rule, input_hash=excluded.input_hash, value=excluded.value`,
		string(fp), rule, string(inputHash), raw, time.Now().Unix(),
	); err != nil {
		return merrors.Wrap(merrors.CacheConflict, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE fingerprint = ?`, string(fp)); err != nil {
		return merrors.Wrap(merrors.CacheConflict, err)
	}
	for _, dep := range deps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deps (parent, child) VALUES (?, ?)`, string(fp), string(dep),
		); err != nil {
			return merrors.Wrap(merrors.CacheConflict, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return merrors.Wrap(merrors.CacheConflict, err)
	}
	return nil
}

// Release removes this worker's claim on fp without writing a result,
// used when the task's body fails (spec §4.7 step 3: "the error is not
// persisted by default").
func (c *Cache) Release(ctx context.Context, fp fingerprint.Hash) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM claims WHERE fingerprint = ? AND worker = ?`, string(fp), c.opts.WorkerID)
	if err != nil {
		return merrors.Wrap(merrors.CacheConflict, err)
	}
	return nil
}

// Deps returns the recorded dependency fingerprints for fp, if any were
// written by a prior Commit. Whether this table is authoritative or
// merely a hint for incremental demand analysis is left to callers (spec
// §9 Open Questions); the session package treats it as a hint only, never
// as a substitute for its own in-memory graph.
func (c *Cache) Deps(ctx context.Context, fp fingerprint.Hash) ([]fingerprint.Hash, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT child FROM deps WHERE parent = ?`, string(fp))
	if err != nil {
		return nil, merrors.Wrap(merrors.CacheConflict, err)
	}
	defer rows.Close()
	var out []fingerprint.Hash
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, merrors.Wrap(merrors.CacheConflict, err)
		}
		out = append(out, fingerprint.Hash(child))
	}
	return out, rows.Err()
}

// AwaitClaim blocks, using bounded exponential backoff, until fp either
// gets a published result or its claim disappears (released or reclaimed
// as stale) — spec §4.7 step 4. It returns (true, nil) if the caller
// should retry TryClaim itself, or (false, nil) if a result now exists.
func (c *Cache) AwaitClaim(ctx context.Context, fp fingerprint.Hash) (shouldRetryClaim bool, err error) {
	backoff := c.opts.BackoffInitial
	for {
		if _, ok, err := c.Get(ctx, fp); err != nil {
			return false, err
		} else if ok {
			return false, nil
		}
		if err := c.reclaimStale(ctx, fp); err != nil {
			return false, err
		}
		var heldByAnyone bool
		row := c.db.QueryRowContext(ctx, `SELECT 1 FROM claims WHERE fingerprint = ?`, string(fp))
		if err := row.Scan(new(int)); err == nil {
			heldByAnyone = true
		} else if err != sql.ErrNoRows {
			return false, merrors.Wrap(merrors.CacheConflict, err)
		}
		if !heldByAnyone {
			return true, nil
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return false, merrors.Wrap(merrors.Cancelled, ctx.Err())
		}
		backoff = time.Duration(math.Min(float64(backoff*2), float64(c.opts.BackoffCap)))
	}
}
