// Package store persists user records and the DM room directory. Two
// backends implement the same interface: embedded sqlite for single-node
// deployments and postgres for shared ones.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/anindo/mira/internal/mira/record"
)

// ErrNotFound is returned when no record exists for the requested user.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence surface used by the engine and the sweep.
type Store interface {
	// GetUser loads the record for a user, or ErrNotFound.
	GetUser(ctx context.Context, userID string) (*record.User, error)

	// UpsertUser writes the full record, inserting or replacing.
	UpsertUser(ctx context.Context, u *record.User) error

	// BirthdaysOn lists users whose date of birth falls on the given
	// month and day, across all birth years.
	BirthdaysOn(ctx context.Context, month time.Month, day int) ([]*record.User, error)

	// MarkAnniversaryNotified records that the anniversary greeting for the
	// given UTC date went out. It returns true when this call claimed the
	// date and false when a previous sweep already had.
	MarkAnniversaryNotified(ctx context.Context, userID, date string) (bool, error)

	// RoomFor returns the DM room for a user, or ErrNotFound.
	RoomFor(ctx context.Context, userID string) (string, error)

	// SetRoom remembers the DM room for a user.
	SetRoom(ctx context.Context, userID, roomID string) error

	// UserCount returns the total number of user records.
	UserCount(ctx context.Context) (int, error)

	Close() error
}
