package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/anindo/mira/internal/mira/record"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLite is the embedded single-file backend. The connection pool is capped
// at one connection; sqlite serializes writers anyway and a single
// connection keeps the WAL checkpointing predictable.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at dbPath and applies
// pending migrations.
func OpenSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for subsystems that keep their own
// tables, such as the transport sync-token store.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) runMigrations() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("store: list migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			return fmt.Errorf("store: migration %s: bad name: %w", name, err)
		}
		if version <= current {
			continue
		}
		body, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", name, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, time.Now().UTC().Format(timestampLayout)); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %s: %w", name, err)
		}
		slog.Info("applied migration", "name", name)
	}
	return nil
}

func (s *SQLite) GetUser(ctx context.Context, userID string) (*record.User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = ?", userID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (s *SQLite) UpsertUser(ctx context.Context, u *record.User) error {
	row, err := encodeUser(u)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO users (
		id, state, followed_verified_at, name, date_of_birth, birth_month, birth_day,
		language, history, mood, memories, message_count, last_anniversary_date,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		state = excluded.state,
		followed_verified_at = excluded.followed_verified_at,
		name = excluded.name,
		date_of_birth = excluded.date_of_birth,
		birth_month = excluded.birth_month,
		birth_day = excluded.birth_day,
		language = excluded.language,
		history = excluded.history,
		mood = excluded.mood,
		memories = excluded.memories,
		message_count = excluded.message_count,
		last_anniversary_date = excluded.last_anniversary_date,
		updated_at = excluded.updated_at`,
		u.ID, row.state, row.followedVerifiedAt, u.Name, row.dateOfBirth, row.birthMonth, row.birthDay,
		string(u.Language), row.history, string(u.Mood), row.memories, u.MessageCount, u.LastAnniversaryDate,
		u.CreatedAt.UTC().Format(timestampLayout), u.UpdatedAt.UTC().Format(timestampLayout))
	if err != nil {
		return fmt.Errorf("store: upsert user %s: %w", u.ID, err)
	}
	return nil
}

func (s *SQLite) BirthdaysOn(ctx context.Context, month time.Month, day int) ([]*record.User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE birth_month = ? AND birth_day = ?",
		int(month), day)
	if err != nil {
		return nil, fmt.Errorf("store: birthdays on %d-%d: %w", month, day, err)
	}
	defer rows.Close()

	var users []*record.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLite) MarkAnniversaryNotified(ctx context.Context, userID, date string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_anniversary_date = ? WHERE id = ? AND last_anniversary_date <> ?",
		date, userID, date)
	if err != nil {
		return false, fmt.Errorf("store: mark anniversary for %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: mark anniversary for %s: %w", userID, err)
	}
	return n > 0, nil
}

func (s *SQLite) RoomFor(ctx context.Context, userID string) (string, error) {
	var roomID string
	err := s.db.QueryRowContext(ctx,
		"SELECT room_id FROM dm_rooms WHERE user_id = ?", userID).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: room for %s: %w", userID, err)
	}
	return roomID, nil
}

func (s *SQLite) SetRoom(ctx context.Context, userID, roomID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO dm_rooms (user_id, room_id, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT (user_id) DO UPDATE SET room_id = excluded.room_id, updated_at = excluded.updated_at`,
		userID, roomID, time.Now().UTC().Format(timestampLayout))
	if err != nil {
		return fmt.Errorf("store: set room for %s: %w", userID, err)
	}
	return nil
}

func (s *SQLite) UserCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: user count: %w", err)
	}
	return n, nil
}
