package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"orderbot/internal/transport"
	"orderbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// DB is the SQLite-backed ledger.
type DB struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the ledger database and runs migrations.
func Open(cfg Config, log logx.Logger) (*DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &DB{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- settings ----

func (s *DB) Setting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *DB) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// ---- orders ----

func (s *DB) OrderStatus(ctx context.Context, orderID int64) (string, error) {
	var st string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, orderID).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return st, err
}

func (s *DB) SetOrderStatus(ctx context.Context, orderID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders(id, status, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at`,
		orderID, status, time.Now().Format(time.RFC3339Nano),
	)
	return err
}

// OrdersInStatus lists order ids currently in the given status, oldest
// first. Used by the escalation re-arm sweep.
func (s *DB) OrdersInStatus(ctx context.Context, status string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM orders WHERE status = ? ORDER BY updated_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---- directory ----

func (s *DB) ActiveStaff(ctx context.Context, role string) ([]transport.RecipientID, error) {
	return s.queryRecipients(ctx, `SELECT chat_id FROM staff WHERE role = ? AND active = 1 ORDER BY chat_id`, role)
}

func (s *DB) RecipientsAll(ctx context.Context) ([]transport.RecipientID, error) {
	return s.queryRecipients(ctx, `SELECT chat_id FROM users ORDER BY chat_id`)
}

func (s *DB) RecipientsActiveSince(ctx context.Context, since time.Time) ([]transport.RecipientID, error) {
	return s.queryRecipients(ctx,
		`SELECT chat_id FROM users WHERE last_seen >= ? ORDER BY chat_id`,
		since.UTC().Format(time.RFC3339Nano))
}

func (s *DB) RecipientsByRegion(ctx context.Context, region string) ([]transport.RecipientID, error) {
	return s.queryRecipients(ctx, `SELECT chat_id FROM users WHERE region = ? ORDER BY chat_id`, region)
}

func (s *DB) UpsertUser(ctx context.Context, id transport.RecipientID, region string, lastSeen time.Time) error {
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(chat_id, region, last_seen) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET region=excluded.region, last_seen=excluded.last_seen`,
		int64(id), nullStr(region), lastSeen.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *DB) UpsertStaff(ctx context.Context, id transport.RecipientID, role string, active bool) error {
	act := 0
	if active {
		act = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO staff(chat_id, role, active) VALUES(?,?,?)
		 ON CONFLICT(chat_id, role) DO UPDATE SET active=excluded.active`,
		int64(id), role, act,
	)
	return err
}

func (s *DB) queryRecipients(ctx context.Context, q string, args ...any) ([]transport.RecipientID, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []transport.RecipientID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, transport.RecipientID(id))
	}
	return out, rows.Err()
}

// ---- broadcast jobs ----

func (s *DB) CreateBroadcast(ctx context.Context, job BroadcastJob) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	selector, err := json.Marshal(job.Selector)
	if err != nil {
		return fmt.Errorf("marshal selector: %w", err)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO broadcast_jobs(id, payload, selector, total, sent, status, created_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,NULL)`,
		job.ID, string(payload), string(selector), job.Total, job.Sent, string(job.Status),
		job.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *DB) Broadcast(ctx context.Context, id string) (BroadcastJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, payload, selector, total, sent, status, created_at, completed_at
		 FROM broadcast_jobs WHERE id = ?`, id)
	return scanBroadcast(row)
}

// SetBroadcastTotal fixes the resolved recipient count at job start.
func (s *DB) SetBroadcastTotal(ctx context.Context, id string, total int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE broadcast_jobs SET total = ? WHERE id = ?`, total, id)
	return err
}

// SetBroadcastProgress checkpoints a job's counters. A zero completedAt
// leaves the column untouched.
func (s *DB) SetBroadcastProgress(ctx context.Context, id string, sent int, status JobStatus, completedAt time.Time) error {
	if completedAt.IsZero() {
		_, err := s.db.ExecContext(ctx,
			`UPDATE broadcast_jobs SET sent = ?, status = ? WHERE id = ?`,
			sent, string(status), id)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcast_jobs SET sent = ?, status = ?, completed_at = ? WHERE id = ?`,
		sent, string(status), completedAt.UTC().Format(time.RFC3339Nano), id)
	return err
}

// ListBroadcasts returns job history, newest first.
func (s *DB) ListBroadcasts(ctx context.Context, limit int) ([]BroadcastJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, selector, total, sent, status, created_at, completed_at
		 FROM broadcast_jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BroadcastJob
	for rows.Next() {
		job, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBroadcast(row rowScanner) (BroadcastJob, error) {
	var (
		job         BroadcastJob
		payload     string
		selector    string
		status      string
		createdAt   string
		completedAt sql.NullString
	)
	err := row.Scan(&job.ID, &payload, &selector, &job.Total, &job.Sent, &status, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BroadcastJob{}, ErrNotFound
	}
	if err != nil {
		return BroadcastJob{}, err
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return BroadcastJob{}, fmt.Errorf("unmarshal payload for %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(selector), &job.Selector); err != nil {
		return BroadcastJob{}, fmt.Errorf("unmarshal selector for %s: %w", job.ID, err)
	}
	job.Status = JobStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		job.CreatedAt = t
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			job.CompletedAt = t
		}
	}
	return job, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
