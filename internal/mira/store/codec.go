package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anindo/mira/internal/mira/record"
)

// userColumns is the column list shared by every user query, in the order
// scanUser expects.
const userColumns = "id, state, followed_verified_at, name, date_of_birth, language,\n\thistory, mood, memories, message_count, last_anniversary_date, created_at, updated_at"

const timestampLayout = time.RFC3339

// userRow holds a record encoded for storage. Both backends share this
// encoding so sqlite and postgres rows are interchangeable.
type userRow struct {
	state              string
	followedVerifiedAt sql.NullString
	dateOfBirth        sql.NullString
	birthMonth         sql.NullInt64
	birthDay           sql.NullInt64
	history            string
	memories           string
}

func encodeUser(u *record.User) (userRow, error) {
	history, err := json.Marshal(u.Window())
	if err != nil {
		return userRow{}, fmt.Errorf("store: encode history: %w", err)
	}
	memories := u.Memories
	if memories == nil {
		memories = []string{}
	}
	mem, err := json.Marshal(memories)
	if err != nil {
		return userRow{}, fmt.Errorf("store: encode memories: %w", err)
	}
	row := userRow{
		state:    string(u.State),
		history:  string(history),
		memories: string(mem),
	}
	if u.FollowedVerifiedAt != nil {
		row.followedVerifiedAt = sql.NullString{String: u.FollowedVerifiedAt.UTC().Format(timestampLayout), Valid: true}
	}
	if u.DateOfBirth != nil {
		row.dateOfBirth = sql.NullString{String: u.DateOfBirth.Format(record.DateLayout), Valid: true}
		row.birthMonth = sql.NullInt64{Int64: int64(u.DateOfBirth.Month()), Valid: true}
		row.birthDay = sql.NullInt64{Int64: int64(u.DateOfBirth.Day()), Valid: true}
	}
	return row, nil
}

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (*record.User, error) {
	var (
		u          record.User
		state      string
		verifiedAt sql.NullString
		dob        sql.NullString
		language   string
		history    string
		mood       string
		memories   string
		createdAt  string
		updatedAt  string
	)
	err := r.Scan(&u.ID, &state, &verifiedAt, &u.Name, &dob, &language,
		&history, &mood, &memories, &u.MessageCount, &u.LastAnniversaryDate, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	u.State, err = record.ParseState(state)
	if err != nil {
		return nil, fmt.Errorf("store: user %s: %w", u.ID, err)
	}
	if verifiedAt.Valid {
		t, err := time.Parse(timestampLayout, verifiedAt.String)
		if err != nil {
			return nil, fmt.Errorf("store: user %s: followed_verified_at: %w", u.ID, err)
		}
		u.FollowedVerifiedAt = &t
	}
	if dob.Valid {
		t, err := time.Parse(record.DateLayout, dob.String)
		if err != nil {
			return nil, fmt.Errorf("store: user %s: date_of_birth: %w", u.ID, err)
		}
		u.DateOfBirth = &t
	}
	u.Language = record.Language(language)
	u.Mood = record.ParseMood(mood)
	if err := json.Unmarshal([]byte(history), &u.History); err != nil {
		return nil, fmt.Errorf("store: user %s: decode history: %w", u.ID, err)
	}
	if err := json.Unmarshal([]byte(memories), &u.Memories); err != nil {
		return nil, fmt.Errorf("store: user %s: decode memories: %w", u.ID, err)
	}
	if u.CreatedAt, err = time.Parse(timestampLayout, createdAt); err != nil {
		return nil, fmt.Errorf("store: user %s: created_at: %w", u.ID, err)
	}
	if u.UpdatedAt, err = time.Parse(timestampLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("store: user %s: updated_at: %w", u.ID, err)
	}
	return &u, nil
}
