package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/vignesh-oai/ClassPulse/internal/sessionstore"
	"github.com/vignesh-oai/ClassPulse/internal/viewertoken"
)

// fakeCaller is a callCreator test double that records the last params it
// received and returns a canned response or error.
type fakeCaller struct {
	lastParams *twilioapi.CreateCallParams
	sid        string
	status     string
	err        error
}

func (f *fakeCaller) CreateCall(params *twilioapi.CreateCallParams) (*twilioapi.ApiV2010Call, error) {
	f.lastParams = params
	if f.err != nil {
		return nil, f.err
	}
	sid, status := f.sid, f.status
	return &twilioapi.ApiV2010Call{Sid: &sid, Status: &status}, nil
}

func newTestController(t *testing.T, cfg Config, caller callCreator) *Controller {
	t.Helper()
	store := sessionstore.NewStore()
	tokens := viewertoken.New("test-secret")
	return New(store, tokens, cfg, caller)
}

func fullConfig() Config {
	return Config{
		AccountSID:      "AC1",
		AuthToken:       "tok",
		FromNumber:      "+15550001111",
		ToNumberDefault: "+15550002222",
		PublicURL:       "https://example.test",
	}
}

func TestStartOutboundCall_MissingConfig(t *testing.T) {
	c := newTestController(t, Config{}, &fakeCaller{})
	result, err := c.StartOutboundCall(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartOutboundCall: %v", err)
	}
	if result.Status != sessionstore.StatusFailed {
		t.Errorf("status = %q, want failed", result.Status)
	}
	if result.SessionID == "" {
		t.Error("expected a session id even on configuration failure")
	}
	if result.ViewerToken == "" {
		t.Error("expected a viewer token even on configuration failure")
	}
	if result.ErrorMessage == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestStartOutboundCall_MissingDestination(t *testing.T) {
	cfg := fullConfig()
	cfg.ToNumberDefault = ""
	c := newTestController(t, cfg, &fakeCaller{})
	result, err := c.StartOutboundCall(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartOutboundCall: %v", err)
	}
	if result.Status != sessionstore.StatusFailed {
		t.Errorf("status = %q, want failed", result.Status)
	}
}

func TestStartOutboundCall_CarrierFailure(t *testing.T) {
	fake := &fakeCaller{err: &urlErrorStub{msg: "connection refused"}}
	c := newTestController(t, fullConfig(), fake)
	result, err := c.StartOutboundCall(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartOutboundCall: %v", err)
	}
	if result.Status != sessionstore.StatusFailed {
		t.Errorf("status = %q, want failed", result.Status)
	}
	if result.ErrorMessage == "" {
		t.Error("expected error message surfaced from carrier failure")
	}

	summary, ok := c.store.GetSummary(result.SessionID)
	if !ok {
		t.Fatal("session not found after carrier failure")
	}
	if summary.Status != sessionstore.StatusFailed {
		t.Errorf("stored session status = %q, want failed", summary.Status)
	}
}

func TestStartOutboundCall_Success(t *testing.T) {
	brief := &sessionstore.CallBrief{ReasonSummary: "Absent 3 days this week"}
	fake := &fakeCaller{sid: "CA123", status: "queued"}
	c := newTestController(t, fullConfig(), fake)

	result, err := c.StartOutboundCall(context.Background(), brief)
	if err != nil {
		t.Fatalf("StartOutboundCall: %v", err)
	}
	if result.Status != sessionstore.StatusQueued {
		t.Errorf("status = %q, want queued", result.Status)
	}
	if result.CallSid != "CA123" {
		t.Errorf("CallSid = %q, want CA123", result.CallSid)
	}
	if !strings.Contains(result.LogsWsURL, "wss://") {
		t.Errorf("LogsWsURL = %q, want wss:// scheme", result.LogsWsURL)
	}

	resolved, ok := c.store.GetSessionByCarrierCallID("CA123")
	if !ok || resolved != result.SessionID {
		t.Errorf("carrier call id not bound to session: resolved=%q want=%q", resolved, result.SessionID)
	}

	if fake.lastParams == nil {
		t.Fatal("carrier CreateCall was not invoked")
	}
}

func TestMapCarrierStatus(t *testing.T) {
	cases := map[string]sessionstore.Status{
		"ringing":     sessionstore.StatusRinging,
		"in-progress": sessionstore.StatusInProgress,
		"answered":    sessionstore.StatusInProgress,
		"queued":      sessionstore.StatusQueued,
		"initiated":   sessionstore.StatusQueued,
		"scheduled":   sessionstore.StatusQueued,
		"completed":   sessionstore.StatusCompleted,
		"canceled":    sessionstore.StatusFailed,
		"no-answer":   sessionstore.StatusFailed,
		"":            sessionstore.StatusFailed,
	}
	for in, want := range cases {
		if got := MapCarrierStatus(in); got != want {
			t.Errorf("MapCarrierStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandleStatusCallback(t *testing.T) {
	c := newTestController(t, fullConfig(), &fakeCaller{sid: "CA1", status: "queued"})
	sessionID := c.store.CreateSession(nil)

	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"in-progress"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/status?sessionId="+sessionID, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	c.HandleStatusCallback(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	summary, ok := c.store.GetSummary(sessionID)
	if !ok || summary.Status != sessionstore.StatusInProgress {
		t.Errorf("session status = %v, want in-progress", summary.Status)
	}
}

func TestHandleStatusCallback_UnknownSession(t *testing.T) {
	c := newTestController(t, fullConfig(), &fakeCaller{})
	req := httptest.NewRequest(http.MethodPost, "/twilio/status?sessionId=nope", nil)
	rec := httptest.NewRecorder()
	c.HandleStatusCallback(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleCallControlDocument(t *testing.T) {
	c := newTestController(t, fullConfig(), &fakeCaller{})
	sessionID := c.store.CreateSession(nil)

	req := httptest.NewRequest(http.MethodGet, "/twilio/twiml?sessionId="+sessionID, nil)
	rec := httptest.NewRecorder()
	c.HandleCallControlDocument(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/xml") {
		t.Errorf("Content-Type = %q, want text/xml", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Stream") || !strings.Contains(body, sessionID) {
		t.Errorf("body missing expected Stream/sessionId: %s", body)
	}
}

func TestHandleCallControlDocument_UnknownSession(t *testing.T) {
	c := newTestController(t, fullConfig(), &fakeCaller{})
	req := httptest.NewRequest(http.MethodGet, "/twilio/twiml?sessionId=nope", nil)
	rec := httptest.NewRecorder()
	c.HandleCallControlDocument(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// urlErrorStub is a minimal error value for simulating a carrier transport
// failure without depending on net/url's exact error shape.
type urlErrorStub struct{ msg string }

func (e *urlErrorStub) Error() string { return e.msg }
