// Package sweep delivers the daily anniversary greetings. Once per UTC day
// it finds every user whose date of birth matches today, claims the date in
// the store and sends the greeting. The claim makes the sweep idempotent
// across restarts and across instances sharing a database.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/anindo/mira/common/trace"
	"github.com/anindo/mira/internal/mira/engine"
	"github.com/anindo/mira/internal/mira/media"
	"github.com/anindo/mira/internal/mira/observability"
	"github.com/anindo/mira/internal/mira/persona"
	"github.com/anindo/mira/internal/mira/record"
	"github.com/anindo/mira/internal/mira/store"
)

// clock is an interface over time.Now and time.After, allowing tests to
// substitute a controlled fake clock.
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Notifier is the outbound surface the sweep needs.
type Notifier interface {
	SendText(ctx context.Context, roomID, message string) error
	SendImage(ctx context.Context, roomID, name, mimeType string, data []byte) error
}

// Config wires the sweep's collaborators.
type Config struct {
	Store    store.Store
	Notifier Notifier
	Pack     *persona.Pack
	Locks    *engine.KeyedMutex
	Metrics  *observability.Metrics

	// Media optionally supplies an image sent along with the greeting.
	Media media.Source

	// Hour and Minute set the daily UTC run time.
	Hour   int
	Minute int

	// Clock is injectable for tests. Nil means the wall clock.
	Clock clock
}

// Sweep runs the daily anniversary pass.
type Sweep struct {
	store    store.Store
	notifier Notifier
	pack     *persona.Pack
	locks    *engine.KeyedMutex
	metrics  *observability.Metrics
	media    media.Source
	hour     int
	minute   int
	clk      clock
}

func New(cfg Config) *Sweep {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Locks == nil {
		cfg.Locks = engine.NewKeyedMutex()
	}
	return &Sweep{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		pack:     cfg.Pack,
		locks:    cfg.Locks,
		metrics:  cfg.Metrics,
		media:    cfg.Media,
		hour:     cfg.Hour,
		minute:   cfg.Minute,
		clk:      cfg.Clock,
	}
}

// Run performs one pass immediately, then one at the configured time every
// UTC day until ctx is cancelled. The startup pass catches greetings missed
// while the process was down; the claim keeps it from double-sending.
func (s *Sweep) Run(ctx context.Context) {
	s.RunOnce(ctx)
	for {
		wait := untilNext(s.clk.Now().UTC(), s.hour, s.minute)
		slog.Info("next anniversary sweep scheduled", "in", wait)
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(wait):
			s.RunOnce(ctx)
		}
	}
}

// RunOnce greets every user whose anniversary is today and has not been
// greeted yet. One failing user never blocks the rest. It returns the
// number of greetings delivered.
func (s *Sweep) RunOnce(ctx context.Context) int {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	now := s.clk.Now().UTC()
	date := now.Format(record.DateLayout)
	log := slog.With("trace", trace.FromContext(ctx), "date", date)

	users, err := s.store.BirthdaysOn(ctx, now.Month(), now.Day())
	if err != nil {
		log.Error("anniversary sweep failed to list users", "err", err)
		return 0
	}
	if len(users) == 0 {
		return 0
	}
	log.Info("anniversary sweep starting", "candidates", len(users))

	greeted := 0
	for _, u := range users {
		if s.greet(ctx, log, u, date) {
			greeted++
		}
	}
	log.Info("anniversary sweep done", "greeted", greeted)
	return greeted
}

func (s *Sweep) greet(ctx context.Context, log *slog.Logger, u *record.User, date string) bool {
	// The lock covers only the claim. A slow homeserver send must never
	// block the user's in-flight dialogue turns.
	unlock := s.locks.Lock(u.ID)
	if u.State != record.StateActive {
		unlock()
		return false
	}
	claimed, err := s.store.MarkAnniversaryNotified(ctx, u.ID, date)
	unlock()

	if err != nil {
		log.Error("failed to claim anniversary", "user", u.ID, "err", err)
		return false
	}
	if !claimed {
		return false
	}

	roomID, err := s.store.RoomFor(ctx, u.ID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("no known room for anniversary greeting", "user", u.ID)
		return false
	}
	if err != nil {
		log.Error("failed to resolve room", "user", u.ID, "err", err)
		return false
	}

	greeting := s.pack.RenderText(u.Language, persona.KeyAnniversary, map[string]string{"name": u.Name})
	if err := s.notifier.SendText(ctx, roomID, greeting); err != nil {
		log.Error("failed to deliver anniversary greeting", "user", u.ID, "err", err)
		return false
	}

	s.metrics.SweepGreetings.Inc()
	log.Info("anniversary greeting sent", "user", u.ID)

	// The image is a nice-to-have; the greeting alone counts as delivered.
	if s.media != nil {
		if asset, err := s.media.PickRandom(); err == nil {
			if err := s.notifier.SendImage(ctx, roomID, asset.Name, asset.Mime, asset.Data); err != nil {
				log.Warn("failed to send anniversary image", "user", u.ID, "err", err)
			} else {
				s.metrics.MediaSends.WithLabelValues("anniversary").Inc()
			}
		}
	}
	return true
}

// untilNext returns the duration from now to the next hh:mm UTC.
func untilNext(now time.Time, hour, minute int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
