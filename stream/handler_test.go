package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/amelbenhazem/task-ws-api/domain"
)

type fakeAuth struct{}

func (fakeAuth) IdentityFromAuthHeader(h string) (domain.Identity, error) {
	if h != "Bearer good" {
		return domain.Identity{}, errors.New("bad token")
	}
	return domain.Identity{ID: "user1", Username: "User"}, nil
}

type flushRecorder struct{ *httptest.ResponseRecorder }

func (flushRecorder) Flush() {}

func TestStreamRejectsBadToken(t *testing.T) {
	logger, hook := test.NewNullLogger()
	hub := NewHub(domain.ScopeGlobal, 4, logger)
	e := echo.New()
	NewHandler(hub, fakeAuth{}, time.Second, logger).Register(e)

	req := httptest.NewRequest(http.MethodGet, "/api/stream?token=bad", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if hub.Count() != 0 {
		t.Fatalf("rejected handshake must not open a session")
	}
	var body domain.ErrorBody
	if err := sonic.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	if body.Error != string(domain.KindAuthentication) || body.Message != "authentication error" {
		t.Fatalf("unexpected error body %+v", body)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel || entry.Message != "stream handshake rejected" {
		t.Fatalf("expected handshake warning, got %+v", entry)
	}
}

func TestStreamForwardsEvents(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := NewHub(domain.ScopeGlobal, 4, logger)
	h := NewHandler(hub, fakeAuth{}, 20*time.Millisecond, logger)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/stream?token=good", nil)
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	rec := flushRecorder{httptest.NewRecorder()}
	c := e.NewContext(req, rec)

	errCh := make(chan error, 1)
	go func() { errCh <- h.Serve(c) }()
	deadline := time.Now().Add(time.Second)
	for hub.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.Deliver(createdEvent("t1", "alice", 1))
	time.Sleep(60 * time.Millisecond)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("handler error: %v", err)
	}

	body := rec.Body.String()
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.HasPrefix(body, "event: ready\ndata: {") || !strings.Contains(body, `"user":"user1"`) {
		t.Fatalf("missing ready frame in %q", body)
	}
	if !strings.Contains(body, "id: 1\nevent: taskCreated\n") {
		t.Fatalf("missing event frame in %q", body)
	}
	if !strings.Contains(body, ": ping\n\n") {
		t.Fatalf("missing heartbeat in %q", body)
	}
	if hub.Count() != 0 {
		t.Fatalf("session must be closed after disconnect")
	}
}

func TestStreamEndsWhenSessionDropped(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := NewHub(domain.ScopeGlobal, 4, logger)
	h := NewHandler(hub, fakeAuth{}, time.Minute, logger)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer good")
	rec := flushRecorder{httptest.NewRecorder()}
	c := e.NewContext(req, rec)

	errCh := make(chan error, 1)
	go func() { errCh <- h.Serve(c) }()
	deadline := time.Now().Add(time.Second)
	for hub.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.Shutdown()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("handler error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler did not return after shutdown")
	}
}
