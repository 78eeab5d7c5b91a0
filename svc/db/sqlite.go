package db

import (
	"context"
	"database/sql"
	"strings"
	"sync/atomic"
	"time"

	"burnbin/pkg/domain"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 50
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_foreign_keys=on"
	} else {
		dsn += "?_foreign_keys=on"
	}
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	if err := sqlDB.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           sqlDB,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		max_views INTEGER NOT NULL CHECK (max_views >= 1),
		current_views INTEGER NOT NULL DEFAULT 0 CHECK (current_views >= 0),
		expires_at DATETIME,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		password_hash TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS access_logs (
		id TEXT PRIMARY KEY,
		paste_id TEXT NOT NULL REFERENCES pastes(id) ON DELETE CASCADE,
		accessed_at DATETIME NOT NULL,
		ip_address TEXT,
		success BOOLEAN NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_status_expires ON pastes(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_access_logs_paste ON access_logs(paste_id);
	`
	_, err = s.db.Exec(query)
	return err
}

// SchemaReady reports whether the pastes table exists. The sweeper probes
// this so an unprovisioned database skips the cycle instead of erroring.
func (s *SQLite) SchemaReady(ctx context.Context) (bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var name string
	err := s.db.QueryRowContext(queryCtx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'pastes'`).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "schema probe")
	}
	return true, nil
}

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Begin opens the transaction that scopes one lifecycle use case. The caller
// commits on success and must defer Rollback so the transaction is released
// on every exit path.
func (s *SQLite) Begin(ctx context.Context) (*Tx, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	return &Tx{tx: tx, s: s}, nil
}

type Tx struct {
	tx *sql.Tx
	s  *SQLite
}

func (t *Tx) Commit() error {
	err := t.tx.Commit()
	t.s.recordError(err)
	return errors.Wrap(err, "commit")
}

// Rollback after a successful Commit is a no-op.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

func (t *Tx) CreatePaste(ctx context.Context, p *domain.Paste) error {
	queryCtx, cancel := context.WithTimeout(ctx, t.s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (id, content, max_views, current_views, expires_at, status, password_hash, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var expiresAt interface{}
	if p.ExpiresAt != nil {
		expiresAt = p.ExpiresAt.UTC()
	}
	var pwHash interface{}
	if p.PasswordHash != "" {
		pwHash = p.PasswordHash
	}
	_, err := t.tx.ExecContext(queryCtx, q,
		p.ID, p.Content(), p.MaxViews, p.CurrentViews, expiresAt, string(p.Status), pwHash, p.CreatedAt, p.UpdatedAt,
	)
	t.s.recordError(err)
	return errors.Wrap(err, "db create paste")
}

func (t *Tx) GetPaste(ctx context.Context, id string) (*domain.Paste, error) {
	queryCtx, cancel := context.WithTimeout(ctx, t.s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, content, max_views, current_views, expires_at, status, password_hash, created_at, updated_at
	FROM pastes WHERE id = ?
	`
	var (
		pid, content, rawStatus string
		maxViews, currentViews  int
		expiresAt               sql.NullTime
		pwHash                  sql.NullString
		createdAt, updatedAt    time.Time
	)
	err := t.tx.QueryRowContext(queryCtx, q, id).Scan(
		&pid, &content, &maxViews, &currentViews, &expiresAt, &rawStatus, &pwHash, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	t.s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get paste")
	}
	status, err := domain.ParseStatus(rawStatus)
	if err != nil {
		return nil, errors.Wrapf(err, "paste %s has corrupt status %q", pid, rawStatus)
	}
	var exp *time.Time
	if expiresAt.Valid {
		utc := expiresAt.Time.UTC()
		exp = &utc
	}
	return domain.NewPaste(pid, content, maxViews, currentViews, exp, pwHash.String, status, createdAt, updatedAt), nil
}

// IncrementViews bumps current_views by one in a single store-level
// read-modify-write and returns the post-increment value. Concurrent callers
// each observe a distinct, strictly increasing count.
func (t *Tx) IncrementViews(ctx context.Context, id string) (int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, t.s.queryTimeout)
	defer cancel()
	q := `
	UPDATE pastes SET current_views = current_views + 1, updated_at = ?
	WHERE id = ?
	RETURNING current_views
	`
	var newCount int
	err := t.tx.QueryRowContext(queryCtx, q, time.Now().UTC(), id).Scan(&newCount)
	if err == sql.ErrNoRows {
		return 0, domain.ErrPasteNotFound
	}
	t.s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "incr views")
	}
	return newCount, nil
}

// UpdateStatus re-reads the freshest persisted status, validates the
// transition against it, and persists the new status only if legal. A
// same-state transition is an allowed no-op and writes nothing.
func (t *Tx) UpdateStatus(ctx context.Context, p *domain.Paste, next domain.Status) error {
	queryCtx, cancel := context.WithTimeout(ctx, t.s.queryTimeout)
	defer cancel()
	var rawStatus string
	err := t.tx.QueryRowContext(queryCtx, `SELECT status FROM pastes WHERE id = ?`, p.ID).Scan(&rawStatus)
	if err == sql.ErrNoRows {
		return domain.ErrPasteNotFound
	}
	t.s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "read status")
	}
	current, err := domain.ParseStatus(rawStatus)
	if err != nil {
		return &domain.TransitionError{From: domain.Status(rawStatus), To: next}
	}
	if err := domain.ValidateTransition(current, next); err != nil {
		return err
	}
	if current == next {
		p.Status = current
		return nil
	}
	now := time.Now().UTC()
	_, err = t.tx.ExecContext(queryCtx, `UPDATE pastes SET status = ?, updated_at = ? WHERE id = ?`,
		string(next), now, p.ID)
	t.s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "write status")
	}
	p.Status = next
	p.UpdatedAt = now
	return nil
}

func (t *Tx) CreateAccessLog(ctx context.Context, pasteID, ipAddress string, success bool, accessedAt time.Time) error {
	queryCtx, cancel := context.WithTimeout(ctx, t.s.queryTimeout)
	defer cancel()
	if accessedAt.IsZero() {
		accessedAt = time.Now().UTC()
	}
	var ip interface{}
	if ipAddress != "" {
		ip = ipAddress
	}
	q := `INSERT INTO access_logs (id, paste_id, accessed_at, ip_address, success) VALUES (?, ?, ?, ?, ?)`
	_, err := t.tx.ExecContext(queryCtx, q, uuid.New().String(), pasteID, accessedAt, ip, success)
	t.s.recordError(err)
	return errors.Wrap(err, "db create access log")
}

func (t *Tx) AccessLogs(ctx context.Context, pasteID string) ([]domain.AccessLog, error) {
	queryCtx, cancel := context.WithTimeout(ctx, t.s.queryTimeout)
	defer cancel()
	q := `SELECT id, paste_id, accessed_at, ip_address, success FROM access_logs WHERE paste_id = ? ORDER BY accessed_at`
	rows, err := t.tx.QueryContext(queryCtx, q, pasteID)
	t.s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db list access logs")
	}
	defer rows.Close()
	var logs []domain.AccessLog
	for rows.Next() {
		var (
			l  domain.AccessLog
			ip sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.PasteID, &l.AccessedAt, &ip, &l.Success); err != nil {
			return nil, errors.Wrap(err, "scan access log")
		}
		l.IPAddress = ip.String
		logs = append(logs, l)
	}
	return logs, errors.Wrap(rows.Err(), "iterate access logs")
}

// FindExpired returns pastes still in circulation whose time-based expiry
// has passed, for the sweeper to transition.
func (t *Tx) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Paste, error) {
	queryCtx, cancel := context.WithTimeout(ctx, t.s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, content, max_views, current_views, expires_at, status, password_hash, created_at, updated_at
	FROM pastes
	WHERE status IN ('ACTIVE', 'VIEWED') AND expires_at IS NOT NULL AND expires_at < ?
	LIMIT ?
	`
	rows, err := t.tx.QueryContext(queryCtx, q, now.UTC(), limit)
	t.s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db find expired")
	}
	defer rows.Close()
	var pastes []*domain.Paste
	for rows.Next() {
		var (
			pid, content, rawStatus string
			maxViews, currentViews  int
			expiresAt               sql.NullTime
			pwHash                  sql.NullString
			createdAt, updatedAt    time.Time
		)
		if err := rows.Scan(&pid, &content, &maxViews, &currentViews, &expiresAt, &rawStatus, &pwHash, &createdAt, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "scan expired paste")
		}
		status, err := domain.ParseStatus(rawStatus)
		if err != nil {
			return nil, errors.Wrapf(err, "paste %s has corrupt status %q", pid, rawStatus)
		}
		var exp *time.Time
		if expiresAt.Valid {
			utc := expiresAt.Time.UTC()
			exp = &utc
		}
		pastes = append(pastes, domain.NewPaste(pid, content, maxViews, currentViews, exp, pwHash.String, status, createdAt, updatedAt))
	}
	return pastes, errors.Wrap(rows.Err(), "iterate expired pastes")
}
