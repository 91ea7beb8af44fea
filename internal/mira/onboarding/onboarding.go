// Package onboarding implements the guarded entry flow: channel-follow
// verification, age gate, name and date of birth collection. It is a pure
// state machine over the user record; the engine does the sending.
package onboarding

import (
	"strings"
	"time"

	"github.com/anindo/mira/internal/mira/record"
)

const (
	CommandStart  = "/start"
	CommandCancel = "/cancel"

	// ButtonFollowVerify is the button payload acknowledging the
	// channel-follow prompt.
	ButtonFollowVerify = "follow_verify"
)

// InputKind distinguishes free text from button presses.
type InputKind int

const (
	InputText InputKind = iota
	InputButton
)

// Input is one user action fed to the state machine.
type Input struct {
	Kind InputKind
	Text string
}

// Result tells the engine what to send back: a persona string key and its
// template variables.
type Result struct {
	PromptKey string
	Vars      map[string]string
}

// Advance applies one input to the user record and returns the reply to
// send. The record is mutated in place; the caller persists it.
func Advance(u *record.User, in Input, now time.Time) Result {
	text := strings.TrimSpace(in.Text)

	// /start restarts the flow from anywhere, including the rejected state.
	// An already active user keeps their verification and just gets greeted
	// again.
	if in.Kind == InputText && strings.EqualFold(text, CommandStart) {
		if u.State == record.StateActive {
			return Result{PromptKey: "welcome_back", Vars: map[string]string{"name": u.Name}}
		}
		u.State = record.StateNew
		return Result{PromptKey: "entry_prompt"}
	}

	// /cancel abandons a flow in progress without touching collected fields.
	if in.Kind == InputText && strings.EqualFold(text, CommandCancel) {
		switch u.State {
		case record.StateAgeGate, record.StateCollectName, record.StateCollectDob:
			u.State = record.StateNew
			return Result{PromptKey: "cancelled"}
		}
	}

	switch u.State {
	case record.StateNew:
		if isFollowAck(in) {
			t := now
			u.FollowedVerifiedAt = &t
			u.State = record.StateAgeGate
			return Result{PromptKey: "age_gate"}
		}
		return Result{PromptKey: "entry_prompt"}

	case record.StateAgeGate:
		switch {
		case isAffirmative(text):
			u.State = record.StateCollectName
			return Result{PromptKey: "ask_name"}
		case isNegative(text):
			u.State = record.StateRejected
			return Result{PromptKey: "rejected"}
		}
		return Result{PromptKey: "age_gate"}

	case record.StateCollectName:
		if in.Kind == InputText && text != "" {
			u.Name = text
			u.State = record.StateCollectDob
			return Result{PromptKey: "ask_dob", Vars: map[string]string{"name": u.Name}}
		}
		return Result{PromptKey: "ask_name"}

	case record.StateCollectDob:
		dob, err := record.ParseDOB(text)
		if err != nil {
			return Result{PromptKey: "dob_retry"}
		}
		u.DateOfBirth = &dob
		u.State = record.StateActive
		return Result{PromptKey: "activated", Vars: map[string]string{"name": u.Name}}

	case record.StateRejected:
		return Result{PromptKey: "rejected"}
	}

	// Unknown state in storage; restart from the entry point.
	u.State = record.StateNew
	return Result{PromptKey: "entry_prompt"}
}

func isFollowAck(in Input) bool {
	if in.Kind == InputButton {
		return in.Text == ButtonFollowVerify || in.Text == "✅"
	}
	switch strings.ToLower(strings.TrimSpace(in.Text)) {
	case "i followed", "followed", "done", "✅":
		return true
	}
	return false
}

func isAffirmative(text string) bool {
	switch strings.ToLower(text) {
	case "yes", "y", "yeah", "yep":
		return true
	}
	return false
}

func isNegative(text string) bool {
	switch strings.ToLower(text) {
	case "no", "n", "nope":
		return true
	}
	return false
}
