package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anindo/mira/internal/mira/extract"
	"github.com/anindo/mira/internal/mira/llm"
	"github.com/anindo/mira/internal/mira/media"
	"github.com/anindo/mira/internal/mira/observability"
	"github.com/anindo/mira/internal/mira/onboarding"
	"github.com/anindo/mira/internal/mira/persona"
	"github.com/anindo/mira/internal/mira/record"
	"github.com/anindo/mira/internal/mira/store"
)

var testMetrics = observability.NewMetrics("mira_engine_test")

type fakeStore struct {
	mu         sync.Mutex
	users      map[string]*record.User
	rooms      map[string]string
	failGet    bool
	failUpsert bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: make(map[string]*record.User),
		rooms: make(map[string]string),
	}
}

func (s *fakeStore) GetUser(_ context.Context, userID string) (*record.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet {
		return nil, errors.New("store unavailable")
	}
	u, ok := s.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u.Clone(), nil
}

func (s *fakeStore) UpsertUser(_ context.Context, u *record.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpsert {
		return errors.New("disk full")
	}
	s.users[u.ID] = u.Clone()
	return nil
}

func (s *fakeStore) BirthdaysOn(_ context.Context, month time.Month, day int) ([]*record.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*record.User
	for _, u := range s.users {
		if u.BirthdayOn(month, day) {
			out = append(out, u.Clone())
		}
	}
	return out, nil
}

func (s *fakeStore) MarkAnniversaryNotified(_ context.Context, userID, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.LastAnniversaryDate == date {
		return false, nil
	}
	u.LastAnniversaryDate = date
	return true, nil
}

func (s *fakeStore) RoomFor(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return room, nil
}

func (s *fakeStore) SetRoom(_ context.Context, userID, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[userID] = roomID
	return nil
}

func (s *fakeStore) UserCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users), nil
}

func (s *fakeStore) Close() error { return nil }

type sentImage struct {
	name string
	mime string
}

type fakeTransport struct {
	mu      sync.Mutex
	texts   []string
	notices []string
	images  []sentImage
	failAll bool
}

func (t *fakeTransport) SendText(_ context.Context, _, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failAll {
		return errors.New("homeserver unreachable")
	}
	t.texts = append(t.texts, message)
	return nil
}

func (t *fakeTransport) SendNotice(_ context.Context, _, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failAll {
		return errors.New("homeserver unreachable")
	}
	t.notices = append(t.notices, message)
	return nil
}

func (t *fakeTransport) SendImage(_ context.Context, _, name, mimeType string, _ []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failAll {
		return errors.New("homeserver unreachable")
	}
	t.images = append(t.images, sentImage{name: name, mime: mimeType})
	return nil
}

func (t *fakeTransport) SetTyping(context.Context, string, bool, time.Duration) error { return nil }

func (t *fakeTransport) lastText(tb testing.TB) string {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.texts) == 0 {
		tb.Fatal("no text was sent")
	}
	return t.texts[len(t.texts)-1]
}

type fakeProvider struct {
	reply string
	err   error
	calls int
}

func (p *fakeProvider) Complete(context.Context, llm.Request) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

type fixedAsset struct{ asset media.Asset }

func (f fixedAsset) PickRandom() (media.Asset, error) { return f.asset, nil }

// neverDrift keeps the mood stable so tests see deterministic output.
func neverDrift() *extract.MoodDrifter {
	return extract.NewMoodDrifter(1e-9, nil)
}

func newTestEngine(t *testing.T, st store.Store, tr Transport, p llm.Provider, src media.Source) *Engine {
	t.Helper()
	pack, err := persona.Default()
	if err != nil {
		t.Fatalf("default pack: %v", err)
	}
	return New(Config{
		Store:     st,
		Transport: tr,
		Provider:  p,
		Pack:      pack,
		Drifter:   neverDrift(),
		Media:     src,
		Metrics:   testMetrics,
	})
}

func textEvent(userID, text string) Event {
	return Event{
		UserID: userID,
		RoomID: "!dm:example.org",
		Input:  onboarding.Input{Kind: onboarding.InputText, Text: text},
	}
}

func buttonEvent(userID, payload string) Event {
	return Event{
		UserID: userID,
		RoomID: "!dm:example.org",
		Input:  onboarding.Input{Kind: onboarding.InputButton, Text: payload},
	}
}

func activeUser(t *testing.T, st *fakeStore, id string) *record.User {
	t.Helper()
	u := record.New(id, time.Now())
	u.State = record.StateActive
	u.Name = "Alice"
	if err := st.UpsertUser(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func TestOnboardingOverTransport(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	e := newTestEngine(t, st, tr, &fakeProvider{}, nil)
	ctx := context.Background()
	const id = "@alice:example.org"

	pack, _ := persona.Default()

	e.HandleEvent(ctx, textEvent(id, "/start"))
	if got, want := tr.lastText(t), pack.Text("en", persona.KeyEntryPrompt); got != want {
		t.Fatalf("entry prompt = %q, want %q", got, want)
	}

	e.HandleEvent(ctx, buttonEvent(id, onboarding.ButtonFollowVerify))
	e.HandleEvent(ctx, textEvent(id, "yes"))
	e.HandleEvent(ctx, textEvent(id, "Alice"))
	e.HandleEvent(ctx, textEvent(id, "25-12-2002"))

	u, err := st.GetUser(ctx, id)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.State != record.StateActive {
		t.Errorf("state = %q", u.State)
	}
	if u.Name != "Alice" || u.DateOfBirth == nil {
		t.Errorf("name = %q, dob = %v", u.Name, u.DateOfBirth)
	}
	if !strings.Contains(tr.lastText(t), "Alice") {
		t.Errorf("activation message %q does not mention the name", tr.lastText(t))
	}

	if room, _ := st.RoomFor(ctx, id); room != "!dm:example.org" {
		t.Errorf("room = %q", room)
	}

	// Provider must never run during onboarding.
	if calls := e.provider.(*fakeProvider).calls; calls != 0 {
		t.Errorf("provider called %d times during onboarding", calls)
	}
}

func TestActiveTurnGeneratesAndExtracts(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	p := &fakeProvider{reply: "That sounds lovely![MEMORY: likes rain] Tell me more?"}
	e := newTestEngine(t, st, tr, p, nil)
	ctx := context.Background()
	activeUser(t, st, "@alice:example.org")

	e.HandleEvent(ctx, textEvent("@alice:example.org", "I love walking in the rain"))

	if got, want := tr.lastText(t), "That sounds lovely! Tell me more?"; got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}

	u, _ := st.GetUser(ctx, "@alice:example.org")
	if len(u.History) != 2 {
		t.Fatalf("history = %d turns, want 2", len(u.History))
	}
	if u.History[0].Role != record.RoleUser || u.History[1].Role != record.RoleAssistant {
		t.Errorf("history roles = %v %v", u.History[0].Role, u.History[1].Role)
	}
	if strings.Contains(u.History[1].Content, "MEMORY") {
		t.Errorf("directive leaked into history: %q", u.History[1].Content)
	}
	if len(u.Memories) != 1 || u.Memories[0] != "likes rain" {
		t.Errorf("memories = %v", u.Memories)
	}
	if u.MessageCount != 1 {
		t.Errorf("message count = %d", u.MessageCount)
	}
}

func TestGenerationFailureSendsApology(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	p := &fakeProvider{err: llm.ErrRateLimited}
	e := newTestEngine(t, st, tr, p, nil)
	ctx := context.Background()
	activeUser(t, st, "@alice:example.org")

	e.HandleEvent(ctx, textEvent("@alice:example.org", "hello?"))

	pack, _ := persona.Default()
	if got, want := tr.lastText(t), pack.Text("en", persona.KeyApology); got != want {
		t.Errorf("reply = %q, want apology %q", got, want)
	}

	u, _ := st.GetUser(ctx, "@alice:example.org")
	if len(u.History) != 1 || u.History[0].Role != record.RoleUser {
		t.Errorf("history = %v, want only the user turn", u.History)
	}
	if u.MessageCount != 1 {
		t.Errorf("message count = %d, want the failed exchange counted", u.MessageCount)
	}
}

func TestLoadFailureStillReplies(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	p := &fakeProvider{reply: "hi"}
	e := newTestEngine(t, st, tr, p, nil)
	ctx := context.Background()
	activeUser(t, st, "@alice:example.org")

	st.failGet = true
	e.HandleEvent(ctx, textEvent("@alice:example.org", "are you there?"))

	pack, _ := persona.Default()
	if got, want := tr.lastText(t), pack.Text("en", persona.KeyApology); got != want {
		t.Errorf("reply = %q, want apology %q", got, want)
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times without a loadable record", p.calls)
	}
}

func TestLanguageSwitch(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	p := &fakeProvider{reply: "hi"}
	e := newTestEngine(t, st, tr, p, nil)
	ctx := context.Background()

	u := activeUser(t, st, "@alice:example.org")
	u.AppendTurn(record.RoleUser, "old context")
	u.MessageCount = 9
	st.UpsertUser(ctx, u)

	e.HandleEvent(ctx, textEvent("@alice:example.org", "Bengali"))

	got, _ := st.GetUser(ctx, "@alice:example.org")
	if got.Language != "bn" {
		t.Errorf("language = %q", got.Language)
	}
	if len(got.History) != 0 || got.MessageCount != 0 {
		t.Errorf("context not reset: %d turns, count %d", len(got.History), got.MessageCount)
	}
	if !strings.Contains(tr.lastText(t), "Bengali") {
		t.Errorf("confirmation %q does not name the language", tr.lastText(t))
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times for a language switch", p.calls)
	}
}

func TestShortGreetingIsNotALanguageCode(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	p := &fakeProvider{reply: "hello back"}
	e := newTestEngine(t, st, tr, p, nil)
	ctx := context.Background()
	activeUser(t, st, "@alice:example.org")

	// "hi" is the Hindi language code but as free text it is just a greeting.
	e.HandleEvent(ctx, textEvent("@alice:example.org", "hi"))

	u, _ := st.GetUser(ctx, "@alice:example.org")
	if u.Language != record.LanguageDefault {
		t.Errorf("language switched to %q by a greeting", u.Language)
	}
	if p.calls != 1 {
		t.Errorf("provider calls = %d, want a normal turn", p.calls)
	}
}

func TestClearCommand(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	e := newTestEngine(t, st, tr, &fakeProvider{reply: "hi"}, nil)
	ctx := context.Background()

	u := activeUser(t, st, "@alice:example.org")
	u.AppendTurn(record.RoleUser, "secret stuff")
	u.AddMemories("likes rain")
	u.MessageCount = 4
	st.UpsertUser(ctx, u)

	e.HandleEvent(ctx, textEvent("@alice:example.org", "/clear"))

	got, _ := st.GetUser(ctx, "@alice:example.org")
	if len(got.History) != 0 {
		t.Errorf("history not cleared")
	}
	if len(got.Memories) != 1 || got.MessageCount != 4 {
		t.Errorf("clear touched memories (%v) or count (%d)", got.Memories, got.MessageCount)
	}
	pack, _ := persona.Default()
	if got, want := tr.lastText(t), pack.Text("en", persona.KeyHistoryCleared); got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
}

func TestMediaCadence(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	src := fixedAsset{asset: media.Asset{Name: "pic.png", Mime: "image/png", Data: []byte("png")}}
	e := newTestEngine(t, st, tr, &fakeProvider{reply: "hey you"}, src)
	ctx := context.Background()

	u := activeUser(t, st, "@alice:example.org")
	u.MessageCount = MediaCadence - 1
	st.UpsertUser(ctx, u)

	e.HandleEvent(ctx, textEvent("@alice:example.org", "hi"))

	if len(tr.images) != 1 || tr.images[0].name != "pic.png" {
		t.Fatalf("images sent = %v, want pic.png", tr.images)
	}
	pack, _ := persona.Default()
	found := false
	for _, msg := range tr.texts {
		if msg == pack.Text("en", persona.KeyTease) {
			found = true
		}
	}
	if !found {
		t.Errorf("tease line missing from %v", tr.texts)
	}

	// The next exchange is off-cadence and must not send media.
	e.HandleEvent(ctx, textEvent("@alice:example.org", "and?"))
	if len(tr.images) != 1 {
		t.Errorf("media sent off cadence: %d images", len(tr.images))
	}
}

func TestPersistFailureStillDelivers(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	e := newTestEngine(t, st, tr, &fakeProvider{reply: "still here"}, nil)
	ctx := context.Background()
	activeUser(t, st, "@alice:example.org")

	st.failUpsert = true
	e.HandleEvent(ctx, textEvent("@alice:example.org", "are you there?"))

	if got := tr.lastText(t); got != "still here" {
		t.Errorf("reply = %q, want delivery despite persist failure", got)
	}
}

func TestStartWhileActiveWelcomesBack(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	p := &fakeProvider{reply: "hi"}
	e := newTestEngine(t, st, tr, p, nil)
	ctx := context.Background()
	activeUser(t, st, "@alice:example.org")

	e.HandleEvent(ctx, textEvent("@alice:example.org", "/start"))

	u, _ := st.GetUser(ctx, "@alice:example.org")
	if u.State != record.StateActive {
		t.Errorf("state = %q, /start re-gated an active user", u.State)
	}
	pack, _ := persona.Default()
	want := pack.RenderText("en", persona.KeyWelcomeBack, map[string]string{"name": "Alice"})
	if got := tr.lastText(t); got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
	if p.calls != 0 {
		t.Errorf("provider called for /start")
	}
}

func TestFollowVerificationSendsImage(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	src := fixedAsset{asset: media.Asset{Name: "wave.png", Mime: "image/png", Data: []byte("png")}}
	e := newTestEngine(t, st, tr, &fakeProvider{}, src)
	ctx := context.Background()
	const id = "@alice:example.org"

	e.HandleEvent(ctx, textEvent(id, "/start"))
	if len(tr.images) != 0 {
		t.Fatalf("image sent before the follow was verified")
	}

	e.HandleEvent(ctx, buttonEvent(id, onboarding.ButtonFollowVerify))
	if len(tr.images) != 1 || tr.images[0].name != "wave.png" {
		t.Fatalf("images after follow = %v, want wave.png", tr.images)
	}

	// Later gate steps send no further media.
	e.HandleEvent(ctx, textEvent(id, "yes"))
	if len(tr.images) != 1 {
		t.Errorf("image sent outside the follow step: %d images", len(tr.images))
	}
}

func TestTurnsAreSerializedPerUser(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	e := newTestEngine(t, st, tr, &fakeProvider{reply: "ok"}, nil)
	ctx := context.Background()
	activeUser(t, st, "@alice:example.org")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.HandleEvent(ctx, textEvent("@alice:example.org", fmt.Sprintf("msg %d", i)))
		}(i)
	}
	wg.Wait()

	u, _ := st.GetUser(ctx, "@alice:example.org")
	if u.MessageCount != 10 {
		t.Errorf("message count = %d, want 10; a lost update means turns ran concurrently", u.MessageCount)
	}
}
