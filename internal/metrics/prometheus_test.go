package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics()

	m.RecordAudioFrame("local", FrameBuffered)
	m.RecordAudioFrame("local", FrameBuffered)
	m.RecordAudioFrame("remote", FrameSent)
	m.RecordSegmentPersisted("remote")
	m.RecordPersistenceError()
	m.RecordUpstreamError("local")
	m.RecordConversationStarted()
	m.SetActiveSessions(3)

	if got := testutil.ToFloat64(m.AudioFrames.WithLabelValues("local", FrameBuffered)); got != 2 {
		t.Errorf("Expected 2 buffered local frames, got %v", got)
	}
	if got := testutil.ToFloat64(m.SegmentsPersisted.WithLabelValues("remote")); got != 1 {
		t.Errorf("Expected 1 persisted remote segment, got %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 3 {
		t.Errorf("Expected 3 active sessions, got %v", got)
	}
	if got := testutil.ToFloat64(m.ConversationsStarted); got != 1 {
		t.Errorf("Expected 1 conversation started, got %v", got)
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	NewMetrics()
	NewMetrics()
}

func TestMetrics_HandlerAndMiddleware(t *testing.T) {
	m := NewMetrics()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/health", "200")); got != 1 {
		t.Errorf("Expected 1 recorded request, got %v", got)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "meetscribe_http_requests_total") {
		t.Error("Expected metrics output to contain the request counter")
	}
}
