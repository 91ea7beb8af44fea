package extract

import (
	"math/rand"
	"testing"

	"github.com/anindo/mira/internal/mira/record"
)

func TestDriftReturnsValidMoods(t *testing.T) {
	d := NewMoodDrifter(DefaultDriftProbability, rand.NewSource(1))
	valid := map[record.Mood]bool{}
	for _, m := range record.Moods {
		valid[m] = true
	}
	mood := record.MoodRomantic
	for i := 0; i < 1000; i++ {
		next, changed := d.Drift(mood)
		if !valid[next] {
			t.Fatalf("invalid mood %q", next)
		}
		if changed != (next != mood) {
			t.Fatalf("changed = %v but %q -> %q", changed, mood, next)
		}
		mood = next
	}
}

func TestDriftRate(t *testing.T) {
	d := NewMoodDrifter(0.20, rand.NewSource(42))
	const trials = 10000
	changes := 0
	for i := 0; i < trials; i++ {
		_, changed := d.Drift(record.MoodRomantic)
		if changed {
			changes++
		}
	}
	// A drift resamples uniformly over 4 moods, so an observable change
	// happens at p * 3/4 = 0.15 of turns.
	rate := float64(changes) / trials
	if rate < 0.12 || rate > 0.18 {
		t.Errorf("observed change rate %.3f outside [0.12, 0.18]", rate)
	}
}

func TestBadProbabilityFallsBack(t *testing.T) {
	for _, p := range []float64{-0.5, 0, 1.5} {
		d := NewMoodDrifter(p, rand.NewSource(1))
		if d.p != DefaultDriftProbability {
			t.Errorf("p = %v after NewMoodDrifter(%v)", d.p, p)
		}
	}
}
