// Package viewerfeed implements the Viewer Fan-Out Endpoint (spec.md §4.5):
// a websocket handler that authenticates a browser viewer against a session,
// replays its catch-up window, and then streams live events until the
// viewer disconnects or the session drains.
package viewerfeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/vignesh-oai/ClassPulse/internal/observe"
	"github.com/vignesh-oai/ClassPulse/internal/sessionstore"
	"github.com/vignesh-oai/ClassPulse/internal/viewertoken"
)

// PingInterval is how often a ping control frame is sent to keep the
// connection alive and detect dead peers.
const PingInterval = 20 * time.Second

// TerminalFlushWindow is how long a viewer connecting to an already-terminal
// session is kept open after catch-up, to let the final flush land before
// the socket closes 1000.
const TerminalFlushWindow = 250 * time.Millisecond

// Handler serves the viewer fan-out websocket endpoint.
type Handler struct {
	store   *sessionstore.Store
	tokens  *viewertoken.Service
	metrics *observe.Metrics
}

// New creates a [Handler].
func New(store *sessionstore.Store, tokens *viewertoken.Service, metrics *observe.Metrics) *Handler {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Handler{store: store, tokens: tokens, metrics: metrics}
}

// ServeHTTP implements the upgrade handshake and streaming loop documented
// in spec.md §4.5: sessionId/viewerToken/sinceSeq query parameters, catch-up
// then live events, a 20s ping heartbeat, and a short flush-then-close when
// the session is already terminal.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	token := r.URL.Query().Get("viewerToken")
	sinceSeq := parseSinceSeq(r.URL.Query().Get("sinceSeq"))

	if sessionID == "" || !h.store.Exists(sessionID) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusPolicyViolation, "unknown session")
		return
	}
	if token == "" || !h.tokens.Verify(sessionID, token) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusPolicyViolation, "invalid viewer token")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("viewerfeed: accept failed", "session_id", sessionID, "err", err)
		return
	}
	defer conn.CloseNow()

	subscriberID, catchUp, events, ok := h.store.Subscribe(sessionID, sinceSeq)
	if !ok {
		conn.Close(websocket.StatusPolicyViolation, "unknown session")
		return
	}
	defer h.store.Unsubscribe(sessionID, subscriberID)

	h.metrics.ActiveViewers.Add(r.Context(), 1)
	defer h.metrics.ActiveViewers.Add(r.Context(), -1)

	ctx := r.Context()

	for _, ev := range catchUp {
		if !h.write(ctx, conn, ev) {
			return
		}
	}

	summary, ok := h.store.GetSummary(sessionID)
	terminal := ok && summary.Status.IsTerminal()

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	var flush <-chan time.Time
	if terminal {
		t := time.NewTimer(TerminalFlushWindow)
		defer t.Stop()
		flush = t.C
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "request cancelled")
			return

		case <-flush:
			conn.Close(websocket.StatusNormalClosure, "session terminal")
			return

		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				h.metrics.RecordViewerDropped(ctx)
				return
			}

		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session drained")
				return
			}
			if !h.write(ctx, conn, ev) {
				return
			}
		}
	}
}

// write serializes ev and sends it as a text frame. Returns false (and
// closes the connection) on any write failure, per the per-subscriber write
// policy: a failing write terminates the subscriber.
func (h *Handler) write(ctx context.Context, conn *websocket.Conn, ev sessionstore.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("viewerfeed: marshal event", "err", err)
		return false
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return false
	}
	return true
}

// parseSinceSeq parses the sinceSeq query parameter, defaulting to 0 for an
// empty or malformed value (a negative or non-numeric sinceSeq is treated as
// "no catch-up floor" rather than rejected, since it only narrows the
// catch-up window).
func parseSinceSeq(raw string) uint64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
