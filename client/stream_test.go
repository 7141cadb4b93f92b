package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStreamParsesFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: ready\ndata: {\"session\":\"s1\"}\n\n: ping\n\nid: 4\nevent: taskDeleted\ndata: {\"seq\":4,\ndata: \"id\":\"t1\"}\n\n"))
	}))
	defer srv.Close()

	s, err := Dial(context.Background(), srv.Client(), srv.URL, "tok", time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()

	f, err := s.Next()
	if err != nil || f.Event != "ready" || f.Data != `{"session":"s1"}` {
		t.Fatalf("unexpected ready frame %+v %v", f, err)
	}
	f, err = s.Next()
	if err != nil || f.ID != "4" || f.Event != "taskDeleted" || f.Data != "{\"seq\":4,\n\"id\":\"t1\"}" {
		t.Fatalf("unexpected frame %+v %v", f, err)
	}
	if _, err := s.Next(); !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected network error at end of stream, got %v", err)
	}
}

func TestDialRejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := Dial(context.Background(), srv.Client(), srv.URL, "bad", time.Second); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestStreamIdleTimeoutClosesConnection(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	s, err := Dial(context.Background(), srv.Client(), srv.URL, "", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := s.Next()
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error from a silent stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle stream was not closed")
	}
}
