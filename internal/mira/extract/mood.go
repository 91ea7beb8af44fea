package extract

import (
	"math/rand"
	"sync"
	"time"

	"github.com/anindo/mira/internal/mira/record"
)

// DefaultDriftProbability is the per-turn chance of a mood resample.
const DefaultDriftProbability = 0.20

// MoodDrifter decides, once per completed exchange, whether the companion's
// mood shifts. A drift resamples uniformly from all moods, so the new mood
// can equal the old one.
type MoodDrifter struct {
	mu sync.Mutex
	p  float64
	rn *rand.Rand
}

// NewMoodDrifter returns a drifter with the given per-turn probability. A
// probability outside (0, 1] falls back to the default. A nil source seeds
// from the current time.
func NewMoodDrifter(p float64, src rand.Source) *MoodDrifter {
	if p <= 0 || p > 1 {
		p = DefaultDriftProbability
	}
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &MoodDrifter{p: p, rn: rand.New(src)}
}

// Drift returns the mood for the next exchange and whether it changed.
func (d *MoodDrifter) Drift(current record.Mood) (record.Mood, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rn.Float64() >= d.p {
		return current, false
	}
	next := record.Moods[d.rn.Intn(len(record.Moods))]
	return next, next != current
}
