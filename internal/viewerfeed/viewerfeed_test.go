package viewerfeed

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vignesh-oai/ClassPulse/internal/sessionstore"
	"github.com/vignesh-oai/ClassPulse/internal/viewertoken"
)

func newTestServer(t *testing.T) (*httptest.Server, *sessionstore.Store, *viewertoken.Service) {
	t.Helper()
	store := sessionstore.NewStore()
	tokens := viewertoken.New("test-secret")
	h := New(store, tokens, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, store, tokens
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestServeHTTP_UnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/?sessionId=nope&viewerToken=x"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", err)
	}
}

func TestServeHTTP_InvalidToken(t *testing.T) {
	srv, store, _ := newTestServer(t)
	sessionID := store.CreateSession(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/?sessionId="+sessionID+"&viewerToken=bogus"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", err)
	}
}

func TestServeHTTP_CatchUpThenLive(t *testing.T) {
	srv, store, tokens := newTestServer(t)
	sessionID := store.CreateSession(nil)
	_ = store.RecordTranscriptOrder(sessionID, "item-1", sessionstore.SpeakerRecipient, "")
	_ = store.AppendTranscriptFinal(sessionID, "item-1", sessionstore.SpeakerRecipient, "hello", "")

	token, err := tokens.Mint(sessionID, viewertoken.DefaultTTL)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// sinceSeq=1 skips the initial queued status event (seq 1).
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/?sessionId="+sessionID+"&viewerToken="+token+"&sinceSeq=1"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read catch-up event: %v", err)
	}
	var ev sessionstore.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Kind != sessionstore.EventTranscriptFinal {
		t.Errorf("first catch-up event kind = %q, want transcript.final", ev.Kind)
	}

	if err := store.AppendAudioLevel(sessionID, sessionstore.SpeakerAssistant, 0.5); err != nil {
		t.Fatalf("AppendAudioLevel: %v", err)
	}

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read live event: %v", err)
	}
	var liveEv sessionstore.Event
	if err := json.Unmarshal(data, &liveEv); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if liveEv.Kind != sessionstore.EventAudioLevel {
		t.Errorf("live event kind = %q, want audio.level", liveEv.Kind)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

func TestServeHTTP_TerminalSessionClosesAfterFlush(t *testing.T) {
	srv, store, tokens := newTestServer(t)
	sessionID := store.CreateSession(nil)
	if err := store.UpdateStatus(sessionID, sessionstore.StatusCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	token, err := tokens.Mint(sessionID, viewertoken.DefaultTTL)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// sinceSeq=2 skips the queued (seq 1) and completed (seq 2) status
	// events, so the catch-up holds only session.end (seq 3).
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/?sessionId="+sessionID+"&viewerToken="+token+"&sinceSeq=2"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read catch-up session.end event: %v", err)
	}
	var ev sessionstore.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	_, _, err = conn.Read(readCtx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", err)
	}
}

func TestParseSinceSeq(t *testing.T) {
	cases := map[string]uint64{
		"":      0,
		"0":     0,
		"5":     5,
		"abc":   0,
		"-1":    0,
		"12345": 12345,
	}
	for in, want := range cases {
		if got := parseSinceSeq(in); got != want {
			t.Errorf("parseSinceSeq(%q) = %d, want %d", in, got, want)
		}
	}
}
