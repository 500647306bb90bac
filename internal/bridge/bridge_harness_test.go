package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vignesh-oai/ClassPulse/internal/bridge/modelclient"
	"github.com/vignesh-oai/ClassPulse/internal/sessionstore"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL, as the
// teacher's s2s/openai tests do.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// acceptCarrierConn starts a test server that accepts exactly one carrier
// websocket and delivers the accepted (server-side) conn on the returned
// channel — the same conn production code would wrap in carrierclient.New.
// Accept hijacks the underlying connection, so it stays open after the HTTP
// handler returns.
func acceptCarrierConn(t *testing.T) (*httptest.Server, <-chan *websocket.Conn) {
	t.Helper()
	ch := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		ch <- conn
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

// dialCarrier dials srv playing the telephony carrier's role: the client
// side of the connection bridge.New's carrier conn is the server side of.
func dialCarrier(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial carrier test server: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

// startModelServer launches a test server standing in for the realtime
// model endpoint: it accepts the connection, consumes the initial
// session.update, then hands the conn to handler. Mirrors the teacher's
// s2s/openai startOpenAIServer helper.
func startModelServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		var raw map[string]any
		readJSON(t, conn, &raw)
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// dialModel overrides bridge.Config.Dial to point modelclient.Connect at a
// test server instead of the real OpenAI realtime endpoint.
func dialModel(srv *httptest.Server) ModelDialer {
	return func(ctx context.Context, cfg modelclient.Config) (*modelclient.Conn, error) {
		cfg.BaseURL = wsURL(srv)
		return modelclient.Connect(ctx, cfg)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("writeJSON marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// seedSession creates a queued session and returns its id, the minimal
// fixture every bridge test needs before it can send a carrier "start"
// event.
func seedSession(store *sessionstore.Store) string {
	return store.CreateSession(&sessionstore.CallBrief{})
}

type startMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Start     startPayload `json:"start"`
}

type startPayload struct {
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

func sendCarrierStart(t *testing.T, conn *websocket.Conn, sessionID, streamSid string) {
	t.Helper()
	writeJSON(t, conn, startMessage{
		Event:     "start",
		StreamSid: streamSid,
		Start: startPayload{
			CallSid:          "CA" + sessionID,
			CustomParameters: map[string]string{"sessionId": sessionID},
		},
	})
}

// startCarrierFrameReader continuously decodes JSON frames arriving on conn
// (the side of the carrier connection playing the telephony carrier) onto
// the returned channel, until the connection closes or stops producing
// valid frames. It never calls t.Fatalf since it outlives any single
// assertion in the test body.
func startCarrierFrameReader(conn *websocket.Conn) <-chan map[string]any {
	ch := make(chan map[string]any, 16)
	go func() {
		defer close(ch)
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			ch <- msg
		}
	}()
	return ch
}

// waitForTerminalStatus polls the store until sessionID reaches a terminal
// status or the deadline elapses.
func waitForTerminalStatus(t *testing.T, store *sessionstore.Store, sessionID string) sessionstore.StatusSummary {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		sum, ok := store.GetSummary(sessionID)
		if ok && sum.Status.IsTerminal() {
			return sum
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s never reached a terminal status (last status %q)", sessionID, sum.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
