// Package engine orchestrates one dialogue turn: onboarding, commands,
// reply generation, memory extraction, mood drift and engagement media.
// All record mutations for a user happen under that user's keyed lock.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anindo/mira/common/trace"
	"github.com/anindo/mira/internal/mira/extract"
	"github.com/anindo/mira/internal/mira/llm"
	"github.com/anindo/mira/internal/mira/media"
	"github.com/anindo/mira/internal/mira/observability"
	"github.com/anindo/mira/internal/mira/onboarding"
	"github.com/anindo/mira/internal/mira/persona"
	"github.com/anindo/mira/internal/mira/record"
	"github.com/anindo/mira/internal/mira/store"
)

const (
	// CommandClear empties the dialogue window on request.
	CommandClear = "/clear"

	// MediaCadence is the number of handled exchanges between engagement
	// media sends.
	MediaCadence = 20

	defaultGenTimeout = 45 * time.Second
	typingTimeout     = 30 * time.Second
)

// Transport is the outbound messaging surface the engine needs. The Matrix
// client satisfies it.
type Transport interface {
	SendText(ctx context.Context, roomID, message string) error
	SendNotice(ctx context.Context, roomID, message string) error
	SendImage(ctx context.Context, roomID, name, mimeType string, data []byte) error
	SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error
}

// Event is one normalized user action routed to the engine.
type Event struct {
	UserID string
	RoomID string
	Input  onboarding.Input
}

// Config wires the engine's collaborators.
type Config struct {
	Store     store.Store
	Transport Transport
	Provider  llm.Provider
	Pack      *persona.Pack
	Drifter   *extract.MoodDrifter
	Media     media.Source
	Metrics   *observability.Metrics
	Locks     *KeyedMutex

	// GenTimeout bounds one generation call. Zero means the default.
	GenTimeout time.Duration

	// Now is the time source, injectable for tests. Nil means time.Now.
	Now func() time.Time
}

// Engine handles dialogue events for all users.
type Engine struct {
	store      store.Store
	transport  Transport
	provider   llm.Provider
	pack       *persona.Pack
	drifter    *extract.MoodDrifter
	media      media.Source
	metrics    *observability.Metrics
	locks      *KeyedMutex
	genTimeout time.Duration
	now        func() time.Time
}

func New(cfg Config) *Engine {
	if cfg.GenTimeout == 0 {
		cfg.GenTimeout = defaultGenTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Locks == nil {
		cfg.Locks = NewKeyedMutex()
	}
	if cfg.Drifter == nil {
		cfg.Drifter = extract.NewMoodDrifter(extract.DefaultDriftProbability, nil)
	}
	return &Engine{
		store:      cfg.Store,
		transport:  cfg.Transport,
		provider:   cfg.Provider,
		pack:       cfg.Pack,
		drifter:    cfg.Drifter,
		media:      cfg.Media,
		metrics:    cfg.Metrics,
		locks:      cfg.Locks,
		genTimeout: cfg.GenTimeout,
		now:        cfg.Now,
	}
}

// Locks exposes the keyed mutex so the anniversary sweep can serialize
// against in-flight turns.
func (e *Engine) Locks() *KeyedMutex {
	return e.locks
}

// HandleEvent processes one user event end to end. It never returns an
// error; failures are classified, logged and reflected in metrics, and the
// user gets the best reply the failure mode allows.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := slog.With("trace", trace.FromContext(ctx), "turn", uuid.NewString(), "user", ev.UserID)

	unlock := e.locks.Lock(ev.UserID)
	defer unlock()

	now := e.now()

	// Remember the DM room so the sweep can reach this user later.
	if err := e.store.SetRoom(ctx, ev.UserID, ev.RoomID); err != nil {
		log.Warn("failed to remember room", "err", classify(KindPersistence, err))
	}

	u, err := e.store.GetUser(ctx, ev.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		u = record.New(ev.UserID, now)
	case err != nil:
		// Without the record neither onboarding nor chat can run safely,
		// but the user still hears back.
		log.Error("failed to load user", "err", classify(KindPersistence, err))
		e.send(ctx, log, ev.RoomID, e.pack.RenderText(record.LanguageDefault, persona.KeyApology, nil))
		e.metrics.Turns.WithLabelValues("persistence_error").Inc()
		return
	}

	text := strings.TrimSpace(ev.Input.Text)

	if u.State != record.StateActive || (ev.Input.Kind == onboarding.InputText && strings.EqualFold(text, onboarding.CommandStart)) {
		e.handleOnboarding(ctx, log, u, ev, now)
		return
	}

	if ev.Input.Kind == onboarding.InputText && strings.EqualFold(text, CommandClear) {
		u.ClearHistory()
		u.UpdatedAt = now
		e.persist(ctx, log, u)
		e.send(ctx, log, ev.RoomID, e.pack.RenderText(u.Language, persona.KeyHistoryCleared, nil))
		return
	}

	if lang, ok := languageSelection(ev.Input, text); ok {
		u.SetLanguage(lang)
		u.UpdatedAt = now
		e.persist(ctx, log, u)
		e.send(ctx, log, ev.RoomID, e.pack.RenderText(lang, persona.KeyLanguageConfirmed,
			map[string]string{"language": lang.Label()}))
		return
	}

	if ev.Input.Kind == onboarding.InputButton {
		log.Debug("dropping event", "err", classify(KindValidation, errors.New("button press in active conversation")))
		return
	}
	if text == "" {
		log.Debug("dropping event", "err", classify(KindValidation, errors.New("empty text in active conversation")))
		return
	}

	e.handleTurn(ctx, log, u, ev.RoomID, text, now)
}

// languageSelection matches a language choice. Buttons carry codes or
// labels; free text matches the option labels only, since short codes
// collide with ordinary chat ("hi" is the Hindi code).
func languageSelection(in onboarding.Input, text string) (record.Language, bool) {
	if in.Kind == onboarding.InputButton {
		return record.ParseLanguage(text)
	}
	lang, ok := record.LanguageNames[text]
	return lang, ok
}

func (e *Engine) handleOnboarding(ctx context.Context, log *slog.Logger, u *record.User, ev Event, now time.Time) {
	prev := u.State
	res := onboarding.Advance(u, ev.Input, now)
	u.UpdatedAt = now
	e.metrics.OnboardingTransitions.WithLabelValues(string(u.State)).Inc()
	log.Info("onboarding step", "state", u.State, "prompt", res.PromptKey)

	e.persist(ctx, log, u)

	// A verified follow earns a first picture, before the age gate.
	if prev == record.StateNew && u.State == record.StateAgeGate {
		if asset, ok := e.pickAsset(log); ok {
			e.sendImageAsset(ctx, log, ev.RoomID, "follow_verified", asset)
		}
	}
	e.send(ctx, log, ev.RoomID, e.pack.RenderText(u.Language, res.PromptKey, res.Vars))
}

func (e *Engine) handleTurn(ctx context.Context, log *slog.Logger, u *record.User, roomID, text string, now time.Time) {
	if err := e.transport.SetTyping(ctx, roomID, true, typingTimeout); err != nil {
		log.Debug("failed to set typing", "err", err)
	}
	defer func() {
		if err := e.transport.SetTyping(ctx, roomID, false, 0); err != nil {
			log.Debug("failed to clear typing", "err", err)
		}
	}()

	genCtx, cancel := context.WithTimeout(ctx, e.genTimeout)
	start := time.Now()
	raw, err := e.provider.Complete(genCtx, llm.Request{
		Messages:    e.buildMessages(u, text),
		Temperature: e.pack.Generation.Temperature,
		MaxTokens:   e.pack.Generation.MaxTokens,
	})
	cancel()
	e.metrics.ObserveGeneration(time.Since(start))

	visible := ""
	var memories []string
	if err == nil {
		visible, memories = extract.Directives(raw)
		visible = strings.TrimSpace(visible)
		if visible == "" {
			err = llm.ErrEmptyCompletion
		}
	}

	if err != nil {
		log.Error("generation failed", "err", classify(KindGeneration, err))
		// The user's side of the exchange is still part of the context and
		// still counts; the fallback apology is not appended.
		u.AppendTurn(record.RoleUser, text)
		u.MessageCount++
		u.UpdatedAt = now
		e.persist(ctx, log, u)
		e.send(ctx, log, roomID, e.pack.RenderText(u.Language, persona.KeyApology, nil))
		e.metrics.Turns.WithLabelValues("generation_error").Inc()
		return
	}

	u.AppendTurn(record.RoleUser, text)
	u.AppendTurn(record.RoleAssistant, visible)
	if len(memories) > 0 {
		u.AddMemories(memories...)
		e.metrics.MemoriesExtracted.Add(float64(len(memories)))
		log.Info("extracted memories", "count", len(memories))
	}
	u.MessageCount++
	mood, moodChanged := e.drifter.Drift(u.Mood)
	u.Mood = mood
	u.UpdatedAt = now

	outcome := "ok"
	if err := e.store.UpsertUser(ctx, u); err != nil {
		// Deliver the reply anyway; the exchange is lost from the window but
		// the conversation keeps flowing.
		log.Error("persist failed, delivering reply anyway", "err", classify(KindPersistence, err))
		outcome = "persistence_error"
	}

	if err := e.transport.SendText(ctx, roomID, visible); err != nil {
		log.Error("failed to deliver reply", "err", classify(KindTransport, err))
		outcome = "transport_error"
	}

	if moodChanged {
		e.metrics.MoodShifts.Inc()
		notice := e.pack.RenderText(u.Language, persona.KeyMoodShift, map[string]string{"mood": string(mood)})
		if err := e.transport.SendNotice(ctx, roomID, notice); err != nil {
			log.Warn("failed to announce mood shift", "err", classify(KindTransport, err))
		}
	}

	if u.MessageCount%MediaCadence == 0 {
		e.sendEngagementMedia(ctx, log, u, roomID)
	}

	e.metrics.Turns.WithLabelValues(outcome).Inc()
}

func (e *Engine) buildMessages(u *record.User, text string) []llm.Message {
	window := u.Window()
	messages := make([]llm.Message, 0, len(window)+2)
	messages = append(messages, llm.Message{Role: "system", Content: e.pack.SystemInstruction(u)})
	for _, turn := range window {
		messages = append(messages, llm.Message{Role: string(turn.Role), Content: turn.Content})
	}
	return append(messages, llm.Message{Role: "user", Content: text})
}

func (e *Engine) sendEngagementMedia(ctx context.Context, log *slog.Logger, u *record.User, roomID string) {
	asset, ok := e.pickAsset(log)
	if !ok {
		return
	}
	e.send(ctx, log, roomID, e.pack.RenderText(u.Language, persona.KeyTease, nil))
	e.sendImageAsset(ctx, log, roomID, "cadence", asset)
}

func (e *Engine) pickAsset(log *slog.Logger) (media.Asset, bool) {
	if e.media == nil {
		return media.Asset{}, false
	}
	asset, err := e.media.PickRandom()
	if errors.Is(err, media.ErrNoAssets) {
		log.Debug("no media assets configured")
		return media.Asset{}, false
	}
	if err != nil {
		log.Warn("failed to pick media asset", "err", err)
		return media.Asset{}, false
	}
	return asset, true
}

func (e *Engine) sendImageAsset(ctx context.Context, log *slog.Logger, roomID, reason string, asset media.Asset) {
	if err := e.transport.SendImage(ctx, roomID, asset.Name, asset.Mime, asset.Data); err != nil {
		log.Warn("failed to send media asset", "err", classify(KindTransport, err))
		return
	}
	e.metrics.MediaSends.WithLabelValues(reason).Inc()
	log.Info("sent media asset", "asset", asset.Name, "reason", reason)
}

func (e *Engine) persist(ctx context.Context, log *slog.Logger, u *record.User) {
	if err := e.store.UpsertUser(ctx, u); err != nil {
		log.Error("persist failed", "err", classify(KindPersistence, err))
	}
}

func (e *Engine) send(ctx context.Context, log *slog.Logger, roomID, message string) {
	if err := e.transport.SendText(ctx, roomID, message); err != nil {
		log.Error("send failed", "err", classify(KindTransport, err))
	}
}
