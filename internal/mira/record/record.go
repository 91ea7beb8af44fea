// Package record defines the per-user aggregate that every other Mira
// subsystem reads and mutates: onboarding progress, the sliding dialogue
// window, mood, long-term memories, and the engagement counter.
//
// All mutations go through the methods on User so the bounds invariants
// (window ≤ MaxHistory, memories ≤ MaxMemories) hold after every call.
// The struct itself is not concurrency-safe; callers serialize access per
// user (see the engine's keyed lock).
package record

import (
	"fmt"
	"time"
)

const (
	// MaxHistory is the maximum number of turns kept in the dialogue window
	// (6 user/assistant exchanges).
	MaxHistory = 12

	// MaxMemories is the maximum number of long-term memory strings kept per
	// user. Oldest entries are evicted first.
	MaxMemories = 10

	// DOBLayout is the only accepted date-of-birth input format (DD-MM-YYYY).
	DOBLayout = "02-01-2006"

	// DateLayout is the storage format for plain calendar dates.
	DateLayout = "2006-01-02"
)

// State is the onboarding state of a user.
type State string

const (
	StateNew         State = "new"
	StateAgeGate     State = "age_gate"
	StateCollectName State = "collect_name"
	StateCollectDob  State = "collect_dob"
	StateActive      State = "active"
	StateRejected    State = "rejected"
)

// ParseState validates a stored state string.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateNew, StateAgeGate, StateCollectName, StateCollectDob, StateActive, StateRejected:
		return State(s), nil
	}
	return "", fmt.Errorf("record: unknown onboarding state %q", s)
}

// Mood is the companion's current affect. It influences generated tone and
// drifts randomly over time (see the extract package).
type Mood string

const (
	MoodRomantic   Mood = "romantic"
	MoodPlayful    Mood = "playful"
	MoodThoughtful Mood = "thoughtful"
	MoodSassy      Mood = "sassy"
)

// Moods lists every valid mood, in a fixed order so uniform sampling is
// deterministic under a seeded source.
var Moods = [4]Mood{MoodRomantic, MoodPlayful, MoodThoughtful, MoodSassy}

// ParseMood validates a stored mood string, defaulting to romantic for
// unknown values so a corrupted row cannot poison the enum invariant.
func ParseMood(s string) Mood {
	for _, m := range Moods {
		if string(m) == s {
			return m
		}
	}
	return MoodRomantic
}

// Language is a supported conversation language code.
type Language string

const LanguageDefault Language = "en"

// LanguageNames maps the user-facing language option labels to codes.
// The set matches the selection keyboard offered after onboarding.
var LanguageNames = map[string]Language{
	"English": "en",
	"Hindi":   "hi",
	"Bengali": "bn",
	"Tamil":   "ta",
	"Telugu":  "te",
	"Marathi": "mr",
}

// Label returns the user-facing name of the language.
func (l Language) Label() string {
	for label, code := range LanguageNames {
		if code == l {
			return label
		}
	}
	return "English"
}

// ParseLanguage resolves either a code ("bn") or an option label ("Bengali")
// to a supported Language. The second return is false for anything else.
func ParseLanguage(s string) (Language, bool) {
	if lang, ok := LanguageNames[s]; ok {
		return lang, true
	}
	for _, lang := range LanguageNames {
		if string(lang) == s {
			return lang, true
		}
	}
	return "", false
}

// Role identifies the author of a dialogue turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in the sliding dialogue window.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// User is the per-user aggregate. One row per transport identity.
type User struct {
	ID                 string
	State              State
	FollowedVerifiedAt *time.Time
	Name               string
	DateOfBirth        *time.Time // calendar date; month+day drive anniversaries
	Language           Language
	History            []Turn
	Mood               Mood
	Memories           []string
	MessageCount       int
	// LastAnniversaryDate is the UTC date (DateLayout) of the most recent
	// anniversary greeting, used to keep the daily sweep idempotent.
	LastAnniversaryDate string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// New returns a fresh record for a first-contact user with all defaults set.
func New(userID string, now time.Time) *User {
	return &User{
		ID:        userID,
		State:     StateNew,
		Language:  LanguageDefault,
		Mood:      MoodRomantic,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendTurn appends one entry to the dialogue window, evicting from the
// front until the window is back within MaxHistory.
func (u *User) AppendTurn(role Role, content string) {
	u.History = append(u.History, Turn{Role: role, Content: content})
	if excess := len(u.History) - MaxHistory; excess > 0 {
		u.History = u.History[excess:]
	}
}

// Window returns the current dialogue window in arrival order. The returned
// slice is a copy; callers may not mutate the record through it.
func (u *User) Window() []Turn {
	w := make([]Turn, len(u.History))
	copy(w, u.History)
	return w
}

// ClearHistory empties the dialogue window only. Mood, memories and the
// engagement counter are untouched.
func (u *User) ClearHistory() {
	u.History = nil
}

// SetLanguage switches the conversation language. The switch atomically
// empties the window and resets the engagement counter so the new language
// starts from a clean context.
func (u *User) SetLanguage(lang Language) {
	u.Language = lang
	u.History = nil
	u.MessageCount = 0
}

// AddMemories appends extracted memory strings, evicting the oldest entries
// once the list exceeds MaxMemories. Empty strings are ignored.
func (u *User) AddMemories(memories ...string) {
	for _, m := range memories {
		if m == "" {
			continue
		}
		u.Memories = append(u.Memories, m)
	}
	if excess := len(u.Memories) - MaxMemories; excess > 0 {
		u.Memories = u.Memories[excess:]
	}
}

// BirthdayOn reports whether the stored date of birth matches the given
// month and day. Records without a date of birth never match.
func (u *User) BirthdayOn(month time.Month, day int) bool {
	if u.DateOfBirth == nil {
		return false
	}
	return u.DateOfBirth.Month() == month && u.DateOfBirth.Day() == day
}

// ParseDOB parses a date-of-birth input in the fixed DD-MM-YYYY format.
func ParseDOB(s string) (time.Time, error) {
	t, err := time.Parse(DOBLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("record: date of birth must be DD-MM-YYYY: %w", err)
	}
	return t, nil
}

// Clone returns a deep copy of the record. The engine mutates a clone during
// a turn so a failed persist cannot leave a half-applied shared record.
func (u *User) Clone() *User {
	cp := *u
	cp.History = make([]Turn, len(u.History))
	copy(cp.History, u.History)
	cp.Memories = make([]string, len(u.Memories))
	copy(cp.Memories, u.Memories)
	if u.FollowedVerifiedAt != nil {
		t := *u.FollowedVerifiedAt
		cp.FollowedVerifiedAt = &t
	}
	if u.DateOfBirth != nil {
		t := *u.DateOfBirth
		cp.DateOfBirth = &t
	}
	return &cp
}
