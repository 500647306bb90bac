package toolplane

import (
	"context"
	"errors"
	"testing"

	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/vignesh-oai/ClassPulse/internal/sessionstore"
	"github.com/vignesh-oai/ClassPulse/internal/summary"
	"github.com/vignesh-oai/ClassPulse/internal/telephony"
	"github.com/vignesh-oai/ClassPulse/internal/viewertoken"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	store := sessionstore.NewStore()
	tokens := viewertoken.New("test-secret")
	tc := telephony.New(store, tokens, telephony.Config{}, &noopCaller{})
	sz := summary.New(store, summary.Config{}, nil, nil)
	return Deps{
		Telephony:     tc,
		Summarizer:    sz,
		Store:         store,
		PresentNumber: "+15550000000",
		StudentName:   "Jamie",
		ParentName:    "Alex",
		ParentRel:     "parent",
		ParentNumber:  "home",
	}
}

type noopCaller struct{}

func TestOpenCallPanel(t *testing.T) {
	deps := newTestDeps(t)
	_, out, err := deps.openCallPanel(context.Background(), nil, CallBriefInput{ReasonSummary: "3 absences this week"})
	if err != nil {
		t.Fatalf("openCallPanel: %v", err)
	}
	if out.Status != string(sessionstore.StatusReady) {
		t.Errorf("status = %q, want ready", out.Status)
	}
	if out.SessionID != nil {
		t.Error("expected nil sessionId for a not-yet-started panel")
	}
	if out.StudentName != "Jamie" {
		t.Errorf("studentName = %q, want Jamie", out.StudentName)
	}
}

func TestInitiateCall(t *testing.T) {
	deps := newTestDeps(t)
	_, out, err := deps.initiateCall(context.Background(), nil, CallBriefInput{ReasonSummary: "3 absences this week"})
	if err != nil {
		t.Fatalf("initiateCall: %v", err)
	}
	if out.SessionID == "" {
		t.Error("expected a session id")
	}
	// Unconfigured Twilio controller always fails the call, but a session
	// descriptor is still returned.
	if out.Status != sessionstore.StatusFailed {
		t.Errorf("status = %q, want failed (unconfigured carrier)", out.Status)
	}
}

func TestCallStatus_Unknown(t *testing.T) {
	deps := newTestDeps(t)
	_, out, err := deps.callStatus(context.Background(), nil, CallStatusInput{SessionID: "nope"})
	if err != nil {
		t.Fatalf("callStatus: %v", err)
	}
	if out.Found {
		t.Error("expected found=false for unknown session")
	}
}

func TestCallStatus_Known(t *testing.T) {
	deps := newTestDeps(t)
	sessionID := deps.Store.CreateSession(nil)

	_, out, err := deps.callStatus(context.Background(), nil, CallStatusInput{SessionID: sessionID})
	if err != nil {
		t.Fatalf("callStatus: %v", err)
	}
	if !out.Found {
		t.Fatal("expected found=true")
	}
	if out.Status != string(sessionstore.StatusQueued) {
		t.Errorf("status = %q, want queued", out.Status)
	}
}

func TestSummariseCall_Unknown(t *testing.T) {
	deps := newTestDeps(t)
	_, out, err := deps.summariseCall(context.Background(), nil, CallStatusInput{SessionID: "nope"})
	if err != nil {
		t.Fatalf("summariseCall: %v", err)
	}
	if out.Found {
		t.Error("expected found=false for unknown session")
	}
}

func TestSummariseCall_Known(t *testing.T) {
	deps := newTestDeps(t)
	sessionID := deps.Store.CreateSession(nil)
	if err := deps.Store.RecordTranscriptOrder(sessionID, "item0", sessionstore.SpeakerRecipient, ""); err != nil {
		t.Fatalf("RecordTranscriptOrder: %v", err)
	}
	if err := deps.Store.AppendTranscriptFinal(sessionID, "item0", sessionstore.SpeakerRecipient, "We'll be there tomorrow.", ""); err != nil {
		t.Fatalf("AppendTranscriptFinal: %v", err)
	}

	_, out, err := deps.summariseCall(context.Background(), nil, CallStatusInput{SessionID: sessionID})
	if err != nil {
		t.Fatalf("summariseCall: %v", err)
	}
	if !out.Found {
		t.Fatal("expected found=true")
	}
	if out.Source != summary.SourceHeuristic {
		t.Errorf("source = %q, want heuristic", out.Source)
	}
}

func TestNewServer_RegistersTools(t *testing.T) {
	deps := newTestDeps(t)
	server := NewServer(deps)
	if server == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestNewHandler_ImplementsHTTPHandler(t *testing.T) {
	deps := newTestDeps(t)
	server := NewServer(deps)
	handler := NewHandler(server)
	if handler == nil {
		t.Fatal("NewHandler returned nil")
	}
}

func (c *noopCaller) CreateCall(params *twilioapi.CreateCallParams) (*twilioapi.ApiV2010Call, error) {
	return nil, errors.New("noopCaller: not configured for real calls")
}
