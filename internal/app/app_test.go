package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vignesh-oai/ClassPulse/internal/app"
	"github.com/vignesh-oai/ClassPulse/internal/config"
	"github.com/vignesh-oai/ClassPulse/internal/sessionstore"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:                   0,
		CallViewerTokenSecret:  "test-secret",
		CallStudentName:        "Jamie",
		CallParentName:         "Alex",
		CallParentRelationship: "parent",
		CallParentNumberLabel:  "home",
		CallSchoolName:         "Riverside Elementary",
		CallTeacherRole:        "attendance assistant",
		CallMaxDurationSeconds: 1800,
		AssetsDirPath:          t.TempDir(),
	}
}

func TestNew_BuildsServableApp(t *testing.T) {
	cfg := testConfig(t)
	store := sessionstore.NewStore()

	a, err := app.New(context.Background(), cfg, app.WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a == nil {
		t.Fatal("New returned nil app")
	}
	if a.Store() != store {
		t.Error("expected injected store to be used")
	}

	// Exercise the routing surface against the same App instance: the
	// observability provider registers Prometheus collectors against the
	// global registry, so building more than one App per test binary would
	// double-register them.
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatalf("GET /healthz: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/readyz")
		if err != nil {
			t.Fatalf("GET /readyz: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("assets 404 for unwritten widget", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/assets/missing.html")
		if err != nil {
			t.Fatalf("GET /assets/missing.html: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("twilio status callback reaches telephony controller", func(t *testing.T) {
		sessionID := store.CreateSession(nil)
		url := srv.URL + "/twilio/status?sessionId=" + sessionID
		resp, err := http.PostForm(url, map[string][]string{
			"CallSid":    {"CAxxxx"},
			"CallStatus": {"completed"},
		})
		if err != nil {
			t.Fatalf("POST /twilio/status: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Errorf("status = %d, want 204", resp.StatusCode)
		}
	})
}
