// Package sqlite persists call history and account records in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/adwski/callroom/backend/history"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

var (
	ErrOpen         = errors.New("unable to open history database")
	ErrInvalidQuery = errors.New("invalid history query")
	ErrInvalidUser  = errors.New("invalid user")
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Join(ErrOpen, err)
	}
	// a single connection keeps ":memory:" databases coherent and
	// serializes writers
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS call_history (
			id           TEXT PRIMARY KEY,
			email        TEXT NOT NULL,
			call_type    TEXT NOT NULL,
			duration     INTEGER NOT NULL DEFAULT 0,
			remote_email TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'completed',
			ts           INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS call_history_email_ts ON call_history (email, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS call_history_email_type ON call_history (email, call_type)`,
		`CREATE TABLE IF NOT EXISTS users (
			email      TEXT PRIMARY KEY,
			uid        TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, errors.Join(ErrOpen, err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Write implements history.Sink.
func (s *Store) Write(ctx context.Context, rec history.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO call_history
		(id, email, call_type, duration, remote_email, status, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Email, string(rec.Direction), rec.Duration,
		rec.RemoteEmail, string(rec.Status), rec.Timestamp.UnixMilli())
	return err
}

type Query struct {
	Email     string
	Direction history.Direction
	Page      int
	Limit     int
}

type Page struct {
	Records []history.Record
	Page    int
	Limit   int
	Total   int
}

// Pages is the number of pages needed for Total at Limit.
func (p Page) Pages() int {
	if p.Limit <= 0 {
		return 0
	}
	return (p.Total + p.Limit - 1) / p.Limit
}

// List returns one page of an identity's history, newest first.
func (s *Store) List(ctx context.Context, q Query) (Page, error) {
	if strings.TrimSpace(q.Email) == "" {
		return Page{}, errors.Join(ErrInvalidQuery, errors.New("email is required"))
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}

	where := "email = ?"
	args := []any{q.Email}
	if q.Direction != "" {
		where += " AND call_type = ?"
		args = append(args, string(q.Direction))
	}

	page := Page{Page: q.Page, Limit: q.Limit, Records: []history.Record{}}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM call_history WHERE "+where, args...).Scan(&page.Total); err != nil {
		return Page{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, email, call_type, duration, remote_email, status, ts
		FROM call_history WHERE `+where+` ORDER BY ts DESC, id LIMIT ? OFFSET ?`,
		append(args, q.Limit, (q.Page-1)*q.Limit)...)
	if err != nil {
		return Page{}, err
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var (
			rec       history.Record
			direction string
			status    string
			ts        int64
		)
		if err = rows.Scan(&rec.ID, &rec.Email, &direction, &rec.Duration, &rec.RemoteEmail, &status, &ts); err != nil {
			return Page{}, err
		}
		rec.Direction = history.Direction(direction)
		rec.Status = history.Status(status)
		rec.Timestamp = time.UnixMilli(ts)
		page.Records = append(page.Records, rec)
	}
	return page, rows.Err()
}

type User struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

// SaveUser records the identity provider uid for an email.
func (s *Store) SaveUser(ctx context.Context, u User) error {
	u.UID = strings.TrimSpace(u.UID)
	u.Email = strings.TrimSpace(u.Email)
	if u.UID == "" || u.Email == "" {
		return errors.Join(ErrInvalidUser, errors.New("uid and email are required"))
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (email, uid, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			uid=excluded.uid,
			updated_at=excluded.updated_at`,
		u.Email, u.UID, now, now)
	return err
}

func (s *Store) GetUser(ctx context.Context, email string) (User, bool, error) {
	u := User{Email: email}
	err := s.db.QueryRowContext(ctx, `SELECT uid FROM users WHERE email = ?`, email).Scan(&u.UID)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}
