// Package sessionstore holds the process-wide registry of active call
// sessions: each session owns a monotonically ordered event log, a
// transcript-item index, and a set of viewer subscribers. All mutations to a
// session's state flow through the [Store] to preserve per-session event
// ordering.
package sessionstore

import (
	"time"
)

// Status is the lifecycle state of a [CallSession].
type Status string

const (
	// StatusReady is a pseudo-status used only when no session exists yet
	// (e.g. the call-panel descriptor returned before a call is started).
	StatusReady Status = "ready"

	// StatusQueued is the status every session starts in.
	StatusQueued Status = "queued"

	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether s is a terminal status. Once a session reaches
// a terminal status it can never re-open.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Speaker identifies which party authored a transcript item or produced an
// audio-level sample.
type Speaker string

const (
	SpeakerRecipient Speaker = "recipient"
	SpeakerAssistant Speaker = "assistant"
)

// CallBrief carries the free-text fields captured at session creation and
// interpolated into the model's system prompt.
type CallBrief struct {
	ReasonSummary   string
	ContextFromChat string
	AbsenceStats    string
}

// TranscriptItem is one recipient- or assistant-authored conversational
// turn. The pair (Speaker, ItemID) is its identity within a session.
type TranscriptItem struct {
	ItemID    string
	Speaker   Speaker
	Text      string
	IsFinal   bool
	Seq       uint64
	Order     int
	Timestamp time.Time
}

// EventKind tags the variant of an [Event].
type EventKind string

const (
	EventStatus          EventKind = "status"
	EventTranscriptDelta EventKind = "transcript.delta"
	EventTranscriptFinal EventKind = "transcript.final"
	EventAudioLevel      EventKind = "audio.level"
	EventSessionEnd      EventKind = "session.end"
)

// Event is a single entry in a session's append-only, monotonically ordered
// log. Exactly one of the variant-specific fields below is meaningful,
// selected by Kind; this mirrors the tagged-variant shape of the wire
// protocol sent to viewers.
type Event struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`

	// status
	Status Status `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`

	// transcript.delta / transcript.final
	ItemID    string  `json:"itemId,omitempty"`
	Speaker   Speaker `json:"speaker,omitempty"`
	TextDelta string  `json:"textDelta,omitempty"`
	FullText  string  `json:"fullText,omitempty"`
	Order     int     `json:"order,omitempty"`

	// audio.level
	Level float64 `json:"level,omitempty"`
}

// StatusSummary is the read-only projection returned by [Store.GetSummary]:
// status, times, last sequence, and transcript items ordered for display.
type StatusSummary struct {
	SessionID       string
	Status          Status
	StartedAt       time.Time
	EndedAt         *time.Time
	TerminalReason  string
	Seq             uint64
	TranscriptItems []TranscriptItem
}

// CallSession is one outbound call's full lifecycle state: status,
// transcript, event log, and viewer subscriptions. All fields are mutated
// only through the owning [Store]; callers outside this package only ever
// see snapshots ([StatusSummary], [Event] slices).
type CallSession struct {
	SessionID     string
	CarrierCallID string
	Status        Status
	StartedAt     time.Time
	EndedAt       *time.Time
	TerminalReason string
	Brief         *CallBrief

	seq     uint64
	events  []Event
	items   map[string]*TranscriptItem // keyed by speaker|itemId
	order   []string                   // ordered speaker|itemId keys
	viewers map[string]*subscriber
}
