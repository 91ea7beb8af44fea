package engine

import "fmt"

// Kind classifies a turn failure by the subsystem that caused it. The kind
// drives both the metrics outcome label and the user-facing recovery: only
// generation failures produce an apology, transport failures cannot reach
// the user at all, and persistence failures degrade to delivery without
// durability.
type Kind string

const (
	KindTransport   Kind = "transport"
	KindGeneration  Kind = "generation"
	KindPersistence Kind = "persistence"
	KindValidation  Kind = "validation"
)

// Error wraps a subsystem failure with its classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func classify(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
