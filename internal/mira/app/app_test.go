package app

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/anindo/mira/internal/mira/matrix"
	"github.com/anindo/mira/internal/mira/onboarding"
	"github.com/anindo/mira/internal/mira/record"
	"github.com/anindo/mira/internal/mira/store"
)

func TestToEngineEvent(t *testing.T) {
	ev := toEngineEvent(matrix.Incoming{
		Sender: "@alice:example.org",
		RoomID: "!dm:example.org",
		Kind:   matrix.KindText,
		Body:   "hello",
	})
	if ev.UserID != "@alice:example.org" || ev.RoomID != "!dm:example.org" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Input.Kind != onboarding.InputText || ev.Input.Text != "hello" {
		t.Errorf("input = %+v", ev.Input)
	}

	ev = toEngineEvent(matrix.Incoming{
		Sender: "@alice:example.org",
		RoomID: "!dm:example.org",
		Kind:   matrix.KindReaction,
		Body:   "✅",
	})
	if ev.Input.Kind != onboarding.InputButton || ev.Input.Text != "✅" {
		t.Errorf("reaction input = %+v", ev.Input)
	}
}

func TestHealthEndpoints(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "mira.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for _, id := range []string{"@a:example.org", "@b:example.org"} {
		if err := st.UpsertUser(ctx, record.New(id, time.Now())); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	router := (&healthServer{store: st, startedAt: time.Now()}).router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Errorf("/health status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	if rec.Code != 200 {
		t.Fatalf("/status status = %d", rec.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Users   int    `json:"users"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body.Status != "ok" || body.Users != 2 || body.Version == "" {
		t.Errorf("status body = %+v", body)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Errorf("/metrics status = %d", rec.Code)
	}
}
