package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Chichichkin/LogIngestionAgent/internal/logging"
	"github.com/Chichichkin/LogIngestionAgent/internal/telemetry"
)

const (
	DefaultCapacity           = 300
	DefaultCheckpointInterval = 5 * time.Minute
	DefaultBusyTimeout        = 5 * time.Second
)

type Config struct {
	Path string

	// DefaultCapacity bounds each group unless SetCapacity overrides it.
	// Zero or less means unbounded.
	DefaultCapacity int

	CheckpointInterval time.Duration
	BusyTimeout        time.Duration

	Serializer *logging.Serializer
	Logger     *slog.Logger

	// OnEvict is called after entries were removed to respect capacity.
	OnEvict func(group string, n int)
	// OnDiscard is called after undecodable entries were removed.
	OnDiscard func(group string, n int)

	// SkipRecovery leaves batches in flight as they are. Set it when another
	// process may own the pipeline on the same file, so its unresolved
	// batches are not requeued under it.
	SkipRecovery bool
}

// Store persists logs per group until they are acknowledged. Every method is
// serialized per group, and Append returns only after the entry is on disk.
type Store struct {
	db         *sql.DB
	serializer *logging.Serializer
	logger     *slog.Logger
	onEvict    func(string, int)
	onDiscard  func(string, int)

	defaultCapacity int
	capMu           sync.RWMutex
	capacity        map[string]int

	locks sync.Map

	insertStmt   *sql.Stmt
	sizeStmt     *sql.Stmt
	eligibleStmt *sql.Stmt
	inFlightStmt *sql.Stmt

	checkpointInterval time.Duration
	done               chan struct{}
	wg                 sync.WaitGroup
	closeOnce          sync.Once
}

type Entry struct {
	ID      int64
	Log     logging.Log
	Payload []byte
}

// Batch is a set of entries of one group that is in flight until it is
// acknowledged.
type Batch struct {
	ID      string
	Group   string
	Entries []Entry
}

func (b *Batch) Logs() []logging.Log {
	logs := make([]logging.Log, len(b.Entries))
	for i, e := range b.Entries {
		logs[i] = e.Log
	}
	return logs
}

func (b *Batch) Payloads() [][]byte {
	payloads := make([][]byte, len(b.Entries))
	for i, e := range b.Entries {
		payloads[i] = e.Payload
	}
	return payloads
}

type GroupStats struct {
	Total    int
	InFlight int
	Held     int
}

type AppendOption func(*appendOptions)

type appendOptions struct {
	held bool
}

// Held stores the entry as pending confirmation: it is kept durably but never
// selected for a batch until Release is called.
func Held() AppendOption {
	return func(o *appendOptions) { o.held = true }
}

func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.Serializer == nil {
		cfg.Serializer = logging.DefaultSerializer()
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:                 db,
		serializer:         cfg.Serializer,
		logger:             telemetry.OrDiscard(cfg.Logger),
		onEvict:            cfg.OnEvict,
		onDiscard:          cfg.OnDiscard,
		defaultCapacity:    cfg.DefaultCapacity,
		capacity:           make(map[string]int),
		checkpointInterval: cfg.CheckpointInterval,
		done:               make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, &StorageError{Op: "init schema", Err: err}
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, &StorageError{Op: "prepare statements", Err: err}
	}
	if !cfg.SkipRecovery {
		if err := s.recover(); err != nil {
			db.Close()
			return nil, err
		}
	}

	s.wg.Add(1)
	go s.checkpointLoop()

	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		log_group TEXT NOT NULL,
		payload BLOB NOT NULL,
		batch_id TEXT,
		held INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		sent_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_logs_group ON logs(log_group, id);
	CREATE INDEX IF NOT EXISTS idx_logs_batch ON logs(batch_id);

	CREATE TABLE IF NOT EXISTS preferences (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`)
	return err
}

func (s *Store) prepareStatements() error {
	var err error

	s.insertStmt, err = s.db.Prepare(`INSERT INTO logs (log_group, payload, held, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	s.sizeStmt, err = s.db.Prepare(`SELECT COUNT(*) FROM logs WHERE log_group = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare size: %w", err)
	}
	s.eligibleStmt, err = s.db.Prepare(`SELECT COUNT(*) FROM logs WHERE log_group = ? AND batch_id IS NULL AND held = 0`)
	if err != nil {
		return fmt.Errorf("failed to prepare count: %w", err)
	}
	s.inFlightStmt, err = s.db.Prepare(`SELECT COUNT(*) FROM logs WHERE log_group = ? AND batch_id IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("failed to prepare in-flight count: %w", err)
	}
	return nil
}

// recover returns batches left in flight by a previous process to the queue.
// Their outcome is unknown, so they are sent again.
func (s *Store) recover() error {
	res, err := s.db.Exec(`UPDATE logs SET batch_id = NULL, sent_at = NULL WHERE batch_id IS NOT NULL`)
	if err != nil {
		return &StorageError{Op: "recover", Err: err}
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("requeued entries left in flight by previous run", "entries", n)
	}
	return nil
}

func (s *Store) lock(group string) func() {
	mu, _ := s.locks.LoadOrStore(group, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (s *Store) SetCapacity(group string, capacity int) {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	s.capacity[group] = capacity
}

func (s *Store) Capacity(group string) int {
	s.capMu.RLock()
	defer s.capMu.RUnlock()
	if c, ok := s.capacity[group]; ok {
		return c
	}
	return s.defaultCapacity
}

// Append serializes log and stores it durably at the tail of group. When the
// group is full the oldest entry that is not in flight is evicted.
func (s *Store) Append(ctx context.Context, group string, log logging.Log, opts ...AppendOption) (int64, error) {
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := s.serializer.Serialize(log)
	if err != nil {
		return 0, err
	}

	unlock := s.lock(group)
	defer unlock()

	var id int64
	var evicted int
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		evicted, err = s.makeRoom(ctx, tx, group, 1)
		if err != nil {
			return err
		}
		res, err := tx.StmtContext(ctx, s.insertStmt).ExecContext(ctx, group, payload, boolToInt(o.held), time.Now().UnixMilli())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, &StorageError{Op: "append", Group: group, Err: err}
	}

	s.evicted(group, evicted)
	return id, nil
}

// makeRoom deletes the oldest entries that are not in flight until incoming
// more entries fit. Whatever cannot be freed now is freed once the in-flight
// batch resolves.
func (s *Store) makeRoom(ctx context.Context, tx *sql.Tx, group string, incoming int) (int, error) {
	capacity := s.Capacity(group)
	if capacity <= 0 {
		return 0, nil
	}

	var size int
	if err := tx.StmtContext(ctx, s.sizeStmt).QueryRowContext(ctx, group).Scan(&size); err != nil {
		return 0, err
	}
	excess := size + incoming - capacity
	if excess <= 0 {
		return 0, nil
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM logs WHERE id IN (
			SELECT id FROM logs WHERE log_group = ? AND batch_id IS NULL ORDER BY id LIMIT ?
		)`, group, excess)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) evicted(group string, n int) {
	if n == 0 {
		return
	}
	s.logger.Warn("store capacity reached, evicted oldest entries", "group", group, "evicted", n)
	if s.onEvict != nil {
		s.onEvict(group, n)
	}
}

// NextBatch selects up to max of the oldest eligible entries of group and
// marks them in flight under a new batch id. It returns nil when there is
// nothing to send or a batch of the group is already in flight.
func (s *Store) NextBatch(ctx context.Context, group string, max int) (*Batch, error) {
	if max <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", max)
	}

	unlock := s.lock(group)
	defer unlock()

	var batch *Batch
	var discarded int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var inFlight int
		if err := tx.StmtContext(ctx, s.inFlightStmt).QueryRowContext(ctx, group).Scan(&inFlight); err != nil {
			return err
		}
		if inFlight > 0 {
			return nil
		}

		entries, bad, err := s.selectEntries(ctx, tx, `
			SELECT id, payload FROM logs
			WHERE log_group = ? AND batch_id IS NULL AND held = 0
			ORDER BY id LIMIT ?`, group, max)
		if err != nil {
			return err
		}
		if discarded, err = deleteIDs(ctx, tx, bad); err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		b := &Batch{ID: uuid.NewString(), Group: group, Entries: entries}
		stmt, err := tx.PrepareContext(ctx, `UPDATE logs SET batch_id = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx, b.ID, e.ID); err != nil {
				return err
			}
		}
		batch = b
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "next batch", Group: group, Err: err}
	}

	s.discarded(group, discarded)
	return batch, nil
}

func (s *Store) selectEntries(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]Entry, []int64, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var entries []Entry
	var bad []int64
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Payload); err != nil {
			return nil, nil, err
		}
		log, err := s.serializer.Deserialize(e.Payload)
		if err != nil {
			s.logger.Error("discarding undecodable log", "entry", e.ID, "error", err)
			bad = append(bad, e.ID)
			continue
		}
		e.Log = log
		entries = append(entries, e)
	}
	return entries, bad, rows.Err()
}

func deleteIDs(ctx context.Context, tx *sql.Tx, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM logs WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) discarded(group string, n int) {
	if n > 0 && s.onDiscard != nil {
		s.onDiscard(group, n)
	}
}

// MarkSent records that b was handed to the transport.
func (s *Store) MarkSent(ctx context.Context, b *Batch) error {
	unlock := s.lock(b.Group)
	defer unlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE logs SET sent_at = ? WHERE batch_id = ?`, time.Now().UnixMilli(), b.ID); err != nil {
		return &StorageError{Op: "mark sent", Group: b.Group, Err: err}
	}
	return nil
}

// AckSuccess removes the entries of a delivered batch.
func (s *Store) AckSuccess(ctx context.Context, b *Batch) error {
	return s.resolve(ctx, b, "ack success", `DELETE FROM logs WHERE batch_id = ?`)
}

// AckFailure resolves a failed batch. Retryable entries become eligible again
// in their original order; the others are deleted.
func (s *Store) AckFailure(ctx context.Context, b *Batch, retryable bool) error {
	if retryable {
		return s.resolve(ctx, b, "ack failure", `UPDATE logs SET batch_id = NULL, sent_at = NULL WHERE batch_id = ?`)
	}
	return s.resolve(ctx, b, "ack failure", `DELETE FROM logs WHERE batch_id = ?`)
}

func (s *Store) resolve(ctx context.Context, b *Batch, op, query string) error {
	unlock := s.lock(b.Group)
	defer unlock()

	var evicted int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, b.ID); err != nil {
			return err
		}
		var err error
		evicted, err = s.makeRoom(ctx, tx, b.Group, 0)
		return err
	})
	if err != nil {
		return &StorageError{Op: op, Group: b.Group, Err: err}
	}

	s.evicted(b.Group, evicted)
	return nil
}

// Count returns the number of entries of group waiting to be batched.
func (s *Store) Count(ctx context.Context, group string) (int, error) {
	unlock := s.lock(group)
	defer unlock()

	var n int
	if err := s.eligibleStmt.QueryRowContext(ctx, group).Scan(&n); err != nil {
		return 0, &StorageError{Op: "count", Group: group, Err: err}
	}
	return n, nil
}

// Size returns the number of entries of group in any state.
func (s *Store) Size(ctx context.Context, group string) (int, error) {
	unlock := s.lock(group)
	defer unlock()

	var n int
	if err := s.sizeStmt.QueryRowContext(ctx, group).Scan(&n); err != nil {
		return 0, &StorageError{Op: "size", Group: group, Err: err}
	}
	return n, nil
}

func (s *Store) Groups(ctx context.Context) (map[string]GroupStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT log_group, COUNT(*), SUM(batch_id IS NOT NULL), SUM(held)
		FROM logs GROUP BY log_group`)
	if err != nil {
		return nil, &StorageError{Op: "groups", Err: err}
	}
	defer rows.Close()

	stats := make(map[string]GroupStats)
	for rows.Next() {
		var group string
		var st GroupStats
		if err := rows.Scan(&group, &st.Total, &st.InFlight, &st.Held); err != nil {
			return nil, &StorageError{Op: "groups", Err: err}
		}
		stats[group] = st
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "groups", Err: err}
	}
	return stats, nil
}

// Held returns the entries of group awaiting confirmation, oldest first.
func (s *Store) Held(ctx context.Context, group string) ([]Entry, error) {
	unlock := s.lock(group)
	defer unlock()

	var entries []Entry
	var discarded int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var bad []int64
		var err error
		entries, bad, err = s.selectEntries(ctx, tx, `
			SELECT id, payload FROM logs WHERE log_group = ? AND held = 1 ORDER BY id`, group)
		if err != nil {
			return err
		}
		discarded, err = deleteIDs(ctx, tx, bad)
		return err
	})
	if err != nil {
		return nil, &StorageError{Op: "held", Group: group, Err: err}
	}

	s.discarded(group, discarded)
	return entries, nil
}

// Release makes a held entry eligible for batching.
func (s *Store) Release(ctx context.Context, group string, id int64) error {
	unlock := s.lock(group)
	defer unlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE logs SET held = 0 WHERE id = ? AND log_group = ?`, id, group); err != nil {
		return &StorageError{Op: "release", Group: group, Err: err}
	}
	return nil
}

// Delete removes a single entry that is not in flight.
func (s *Store) Delete(ctx context.Context, group string, id int64) error {
	unlock := s.lock(group)
	defer unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE id = ? AND log_group = ? AND batch_id IS NULL`, id, group); err != nil {
		return &StorageError{Op: "delete", Group: group, Err: err}
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) checkpointLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
				s.logger.Warn("wal checkpoint failed", "error", err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		for _, stmt := range []*sql.Stmt{s.insertStmt, s.sizeStmt, s.eligibleStmt, s.inFlightStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}

		if _, cpErr := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); cpErr != nil {
			s.logger.Warn("final wal checkpoint failed", "error", cpErr)
		}
		err = s.db.Close()
	})
	return err
}
