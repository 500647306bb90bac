package sessionstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vignesh-oai/ClassPulse/internal/observe"
)

// DefaultEventCap is the default maximum number of events retained per
// session's event log before FIFO eviction begins.
const DefaultEventCap = 5000

// DefaultSubscriberBuffer is the default per-subscriber channel capacity.
const DefaultSubscriberBuffer = 32

// DefaultDrainGrace is how long terminal-session subscribers are kept open
// after session.end is appended, to allow the final flush to reach clients.
const DefaultDrainGrace = time.Second

// maxFullCyclesBeforeDrop is how many consecutive broadcast cycles a
// subscriber's buffer may be full before it is terminated and removed.
const maxFullCyclesBeforeDrop = 2

// subscriber is a registered viewer channel plus the bookkeeping needed to
// drop a misbehaving consumer.
type subscriber struct {
	id         string
	ch         chan Event
	fullCycles int
}

// entry wraps a [CallSession] with the single lock that serializes all of
// its mutations, per the concurrency contract: one logical lock per session.
type entry struct {
	mu      sync.Mutex
	session *CallSession
}

// Store is the process-wide registry of active call sessions. The session
// index itself is guarded by a separate lock from any individual session's
// state, so that looking up one session never blocks mutation of another.
type Store struct {
	idxMu         sync.RWMutex
	sessions      map[string]*entry
	carrierIndex  map[string]string // carrierCallId -> sessionId

	eventCap         int
	subscriberBuffer int
	drainGrace       time.Duration

	metrics *observe.Metrics
}

// Option configures optional [Store] tuning knobs.
type Option func(*Store)

// WithEventCap overrides [DefaultEventCap].
func WithEventCap(n int) Option {
	return func(s *Store) { s.eventCap = n }
}

// WithSubscriberBuffer overrides [DefaultSubscriberBuffer].
func WithSubscriberBuffer(n int) Option {
	return func(s *Store) { s.subscriberBuffer = n }
}

// WithDrainGrace overrides [DefaultDrainGrace].
func WithDrainGrace(d time.Duration) Option {
	return func(s *Store) { s.drainGrace = d }
}

// WithMetrics overrides the [observe.Metrics] instance used to record
// session lifecycle counters. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates an empty [Store].
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions:         make(map[string]*entry),
		carrierIndex:     make(map[string]string),
		eventCap:         DefaultEventCap,
		subscriberBuffer: DefaultSubscriberBuffer,
		drainGrace:       DefaultDrainGrace,
		metrics:          observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionCount returns the number of sessions currently tracked. It exists
// primarily so the readiness probe (internal/health.SessionStoreChecker) has
// a cheap operation that exercises idxMu without touching any one session's
// lock.
func (s *Store) SessionCount() int {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	return len(s.sessions)
}

// CreateSession allocates a fresh session id, starts it at [StatusQueued],
// and appends the initial status event. brief may be nil.
func (s *Store) CreateSession(brief *CallBrief) string {
	sessionID := uuid.NewString()
	now := time.Now().UTC()

	sess := &CallSession{
		SessionID: sessionID,
		Status:    StatusQueued,
		StartedAt: now,
		Brief:     brief,
		items:     make(map[string]*TranscriptItem),
		viewers:   make(map[string]*subscriber),
	}

	e := &entry{session: sess}

	s.idxMu.Lock()
	s.sessions[sessionID] = e
	s.idxMu.Unlock()

	e.mu.Lock()
	s.appendLocked(sess, Event{Kind: EventStatus, Status: StatusQueued}, now)
	e.mu.Unlock()

	return sessionID
}

// lookup returns the entry for sessionID, or nil if unknown.
func (s *Store) lookup(sessionID string) *entry {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	return s.sessions[sessionID]
}

// GetSessionByCarrierCallID resolves a session id from the carrier's call
// id, via the reverse index.
func (s *Store) GetSessionByCarrierCallID(carrierCallID string) (string, bool) {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	sessionID, ok := s.carrierIndex[carrierCallID]
	return sessionID, ok
}

// Exists reports whether sessionID is a known session.
func (s *Store) Exists(sessionID string) bool {
	return s.lookup(sessionID) != nil
}

// SetCarrierCallID idempotently binds carrierCallID to sessionID, evicting
// any older reverse-index mapping for this session.
func (s *Store) SetCarrierCallID(sessionID, carrierCallID string) error {
	e := s.lookup(sessionID)
	if e == nil {
		return fmt.Errorf("sessionstore: unknown session %q", sessionID)
	}

	e.mu.Lock()
	old := e.session.CarrierCallID
	e.session.CarrierCallID = carrierCallID
	e.mu.Unlock()

	if old == carrierCallID {
		return nil
	}

	s.idxMu.Lock()
	if old != "" {
		delete(s.carrierIndex, old)
	}
	s.carrierIndex[carrierCallID] = sessionID
	s.idxMu.Unlock()

	return nil
}

// UpdateStatus transitions sessionID to status. It is a no-op if the session
// is already terminal. A status event is appended only when the status
// actually changes or a reason is supplied. Transitioning into a terminal
// status also appends session.end, records EndedAt, and schedules viewer
// drain after the configured grace period.
func (s *Store) UpdateStatus(sessionID string, status Status, reason string) error {
	e := s.lookup(sessionID)
	if e == nil {
		return fmt.Errorf("sessionstore: unknown session %q", sessionID)
	}

	e.mu.Lock()
	sess := e.session
	now := time.Now().UTC()

	if sess.Status.IsTerminal() {
		e.mu.Unlock()
		slog.Debug("sessionstore: ignoring status update on terminal session",
			"session_id", sessionID, "status", status)
		return nil
	}

	changed := sess.Status != status
	if changed || reason != "" {
		sess.Status = status
		s.appendLocked(sess, Event{Kind: EventStatus, Status: status, Reason: reason}, now)
	}

	if status.IsTerminal() {
		sess.EndedAt = &now
		sess.TerminalReason = reason
		s.appendLocked(sess, Event{Kind: EventSessionEnd, Reason: reason}, now)
		s.scheduleDrain(e)
		s.metrics.RecordSessionTerminal(context.Background(), string(status))
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	e.mu.Unlock()

	return nil
}

// itemKey forms the (speaker, itemId) composite identity used by the
// transcript index.
func itemKey(speaker Speaker, itemID string) string {
	return string(speaker) + "|" + itemID
}

// RecordTranscriptOrder inserts itemId into the transcript order, right
// after previousItemID when that anchor exists in the order; otherwise it is
// appended. It also ensures a (possibly empty) transcript item exists so
// later delta/final calls have a position to update.
func (s *Store) RecordTranscriptOrder(sessionID, itemID string, speaker Speaker, previousItemID string) error {
	e := s.lookup(sessionID)
	if e == nil {
		return fmt.Errorf("sessionstore: unknown session %q", sessionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.session
	if sess.Status.IsTerminal() {
		return nil
	}

	s.insertOrderLocked(sess, speaker, itemID, previousItemID)
	return nil
}

// insertOrderLocked must be called with the session's lock held. It ensures
// the transcript item exists and occupies a position in sess.order.
func (s *Store) insertOrderLocked(sess *CallSession, speaker Speaker, itemID, previousItemID string) *TranscriptItem {
	key := itemKey(speaker, itemID)
	if item, ok := sess.items[key]; ok {
		return item
	}

	item := &TranscriptItem{ItemID: itemID, Speaker: speaker}
	sess.items[key] = item

	anchorKey := itemKey(speaker, previousItemID)
	pos := -1
	if previousItemID != "" {
		for i, k := range sess.order {
			if k == anchorKey {
				pos = i
				break
			}
		}
	}

	if pos >= 0 {
		sess.order = append(sess.order, "")
		copy(sess.order[pos+2:], sess.order[pos+1:])
		sess.order[pos+1] = key
	} else {
		sess.order = append(sess.order, key)
	}

	for i, k := range sess.order {
		if it, ok := sess.items[k]; ok {
			it.Order = i
		}
	}
	return item
}

// AppendTranscriptDelta upserts the transcript item for (speaker, itemId),
// concatenates textDelta onto its accumulated text, clears IsFinal, and
// emits a transcript.delta event.
func (s *Store) AppendTranscriptDelta(sessionID, itemID string, speaker Speaker, textDelta, previousItemID string) error {
	e := s.lookup(sessionID)
	if e == nil {
		return fmt.Errorf("sessionstore: unknown session %q", sessionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.session
	if sess.Status.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	item := s.insertOrderLocked(sess, speaker, itemID, previousItemID)
	item.Text += textDelta
	item.IsFinal = false
	item.Timestamp = now
	item.Seq = sess.seq + 1

	s.appendLocked(sess, Event{
		Kind:      EventTranscriptDelta,
		ItemID:    itemID,
		Speaker:   speaker,
		TextDelta: textDelta,
		Order:     item.Order,
	}, now)
	return nil
}

// AppendTranscriptFinal upserts the transcript item for (speaker, itemId),
// replaces its text with fullText, sets IsFinal, and emits a
// transcript.final event.
func (s *Store) AppendTranscriptFinal(sessionID, itemID string, speaker Speaker, fullText, previousItemID string) error {
	e := s.lookup(sessionID)
	if e == nil {
		return fmt.Errorf("sessionstore: unknown session %q", sessionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.session
	if sess.Status.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	item := s.insertOrderLocked(sess, speaker, itemID, previousItemID)
	item.Text = fullText
	item.IsFinal = true
	item.Timestamp = now
	item.Seq = sess.seq + 1

	s.appendLocked(sess, Event{
		Kind:     EventTranscriptFinal,
		ItemID:   itemID,
		Speaker:  speaker,
		FullText: fullText,
		Order:    item.Order,
	}, now)
	return nil
}

// AppendAudioLevel clamps level to [0,1] and emits an audio.level event.
func (s *Store) AppendAudioLevel(sessionID string, speaker Speaker, level float64) error {
	e := s.lookup(sessionID)
	if e == nil {
		return fmt.Errorf("sessionstore: unknown session %q", sessionID)
	}

	if level < 0 {
		level = 0
	} else if level > 1 {
		level = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.session
	if sess.Status.IsTerminal() {
		return nil
	}

	s.appendLocked(sess, Event{Kind: EventAudioLevel, Speaker: speaker, Level: level}, time.Now().UTC())
	return nil
}

// appendLocked assigns the next sequence number, appends to the event log
// (evicting the oldest entry if the cap is exceeded), and broadcasts the
// event to all current subscribers. Must be called with e.mu held.
func (s *Store) appendLocked(sess *CallSession, ev Event, now time.Time) {
	sess.seq++
	ev.Seq = sess.seq
	ev.Timestamp = now

	sess.events = append(sess.events, ev)
	if over := len(sess.events) - s.eventCap; over > 0 {
		sess.events = sess.events[over:]
	}

	s.broadcastLocked(sess, ev)
}

// broadcastLocked attempts a non-blocking send to every subscriber. A
// subscriber whose buffer is found full on maxFullCyclesBeforeDrop
// consecutive broadcasts is terminated and removed, per the documented
// drop-or-terminate policy. Must be called with e.mu held.
func (s *Store) broadcastLocked(sess *CallSession, ev Event) {
	var drop []string
	for id, sub := range sess.viewers {
		select {
		case sub.ch <- ev:
			sub.fullCycles = 0
		default:
			sub.fullCycles++
			if sub.fullCycles >= maxFullCyclesBeforeDrop {
				drop = append(drop, id)
			}
		}
	}
	for _, id := range drop {
		sub := sess.viewers[id]
		delete(sess.viewers, id)
		close(sub.ch)
		slog.Warn("sessionstore: dropping unresponsive viewer subscriber",
			"session_id", sess.SessionID, "subscriber_id", id, "last_seq", sess.seq)
	}
}

// scheduleDrain closes all subscribers for e's session after the configured
// drain grace period, allowing the final flush (session.end and any
// trailing events) to reach clients before the socket is torn down. Must be
// called with e.mu held; it schedules the actual drain asynchronously.
func (s *Store) scheduleDrain(e *entry) {
	time.AfterFunc(s.drainGrace, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for id, sub := range e.session.viewers {
			close(sub.ch)
			delete(e.session.viewers, id)
		}
	})
}

// ListEventsSince returns events with Seq > sinceSeq, in order.
func (s *Store) ListEventsSince(sessionID string, sinceSeq uint64) ([]Event, error) {
	e := s.lookup(sessionID)
	if e == nil {
		return nil, fmt.Errorf("sessionstore: unknown session %q", sessionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return sliceSince(e.session.events, sinceSeq), nil
}

func sliceSince(events []Event, sinceSeq uint64) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe registers a new viewer for sessionID and atomically captures the
// catch-up window (events with Seq > sinceSeq) under the same lock used for
// subsequent broadcasts, so no live event is ever delivered twice or missed
// relative to the returned catch-up slice. Returns ok=false if the session
// is unknown.
func (s *Store) Subscribe(sessionID string, sinceSeq uint64) (subscriberID string, catchUp []Event, ch <-chan Event, ok bool) {
	e := s.lookup(sessionID)
	if e == nil {
		return "", nil, nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &subscriber{
		id: uuid.NewString(),
		ch: make(chan Event, s.subscriberBuffer),
	}
	e.session.viewers[sub.id] = sub

	return sub.id, sliceSince(e.session.events, sinceSeq), sub.ch, true
}

// Unsubscribe removes subscriberID from sessionID's viewer set, closing its
// channel. Safe to call more than once or after the subscriber has already
// been dropped by the broadcast path.
func (s *Store) Unsubscribe(sessionID, subscriberID string) {
	e := s.lookup(sessionID)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if sub, ok := e.session.viewers[subscriberID]; ok {
		delete(e.session.viewers, subscriberID)
		close(sub.ch)
	}
}

// GetBrief returns the call brief captured at session creation, or nil if
// none was supplied or the session is unknown.
func (s *Store) GetBrief(sessionID string) *CallBrief {
	e := s.lookup(sessionID)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Brief
}

// GetSummary returns a read-only projection of the session's current state:
// status, times, last seq, and transcript items sorted by (Order, Seq).
func (s *Store) GetSummary(sessionID string) (StatusSummary, bool) {
	e := s.lookup(sessionID)
	if e == nil {
		return StatusSummary{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.session

	items := make([]TranscriptItem, 0, len(sess.items))
	for _, key := range sess.order {
		if it, ok := sess.items[key]; ok {
			items = append(items, *it)
		}
	}

	return StatusSummary{
		SessionID:       sess.SessionID,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		EndedAt:         sess.EndedAt,
		TerminalReason:  sess.TerminalReason,
		Seq:             sess.seq,
		TranscriptItems: items,
	}, true
}
