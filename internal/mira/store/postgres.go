package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anindo/mira/internal/mira/record"
)

// Postgres is the shared backend for multi-instance deployments.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and ensures the schema exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL DEFAULT 'new',
			followed_verified_at TEXT,
			name TEXT NOT NULL DEFAULT '',
			date_of_birth TEXT,
			birth_month INTEGER,
			birth_day INTEGER,
			language TEXT NOT NULL DEFAULT 'en',
			history TEXT NOT NULL DEFAULT '[]',
			mood TEXT NOT NULL DEFAULT 'romantic',
			memories TEXT NOT NULL DEFAULT '[]',
			message_count INTEGER NOT NULL DEFAULT 0,
			last_anniversary_date TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_birthday ON users (birth_month, birth_day)`,
		`CREATE TABLE IF NOT EXISTS dm_rooms (
			user_id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS matrix_sync_state (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (user_id, key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (*record.User, error) {
	row := p.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", userID)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (p *Postgres) UpsertUser(ctx context.Context, u *record.User) error {
	row, err := encodeUser(u)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO users (
		id, state, followed_verified_at, name, date_of_birth, birth_month, birth_day,
		language, history, mood, memories, message_count, last_anniversary_date,
		created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (id) DO UPDATE SET
		state = EXCLUDED.state,
		followed_verified_at = EXCLUDED.followed_verified_at,
		name = EXCLUDED.name,
		date_of_birth = EXCLUDED.date_of_birth,
		birth_month = EXCLUDED.birth_month,
		birth_day = EXCLUDED.birth_day,
		language = EXCLUDED.language,
		history = EXCLUDED.history,
		mood = EXCLUDED.mood,
		memories = EXCLUDED.memories,
		message_count = EXCLUDED.message_count,
		last_anniversary_date = EXCLUDED.last_anniversary_date,
		updated_at = EXCLUDED.updated_at`,
		u.ID, row.state, row.followedVerifiedAt, u.Name, row.dateOfBirth, row.birthMonth, row.birthDay,
		string(u.Language), row.history, string(u.Mood), row.memories, u.MessageCount, u.LastAnniversaryDate,
		u.CreatedAt.UTC().Format(timestampLayout), u.UpdatedAt.UTC().Format(timestampLayout))
	if err != nil {
		return fmt.Errorf("store: upsert user %s: %w", u.ID, err)
	}
	return nil
}

func (p *Postgres) BirthdaysOn(ctx context.Context, month time.Month, day int) ([]*record.User, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT "+userColumns+" FROM users WHERE birth_month = $1 AND birth_day = $2",
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

func (p *Postgres) MarkAnniversaryNotified(ctx context.Context, userID, date string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		"UPDATE users SET last_anniversary_date = $1 WHERE id = $2 AND last_anniversary_date <> $1",
		date, userID)
	if err != nil {
		return false, fmt.Errorf("store: mark anniversary for %s: %w", userID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) RoomFor(ctx context.Context, userID string) (string, error) {
	var roomID string
	err := p.pool.QueryRow(ctx,
		"SELECT room_id FROM dm_rooms WHERE user_id = $1", userID).Scan(&roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: room for %s: %w", userID, err)
	}
	return roomID, nil
}

func (p *Postgres) SetRoom(ctx context.Context, userID, roomID string) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO dm_rooms (user_id, room_id, updated_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (user_id) DO UPDATE SET room_id = EXCLUDED.room_id, updated_at = EXCLUDED.updated_at`,
		userID, roomID, time.Now().UTC().Format(timestampLayout))
	if err != nil {
		return fmt.Errorf("store: set room for %s: %w", userID, err)
	}
	return nil
}

func (p *Postgres) UserCount(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: user count: %w", err)
	}
	return n, nil
}
