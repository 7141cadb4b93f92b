package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultIdleTimeout closes a stream that has been silent, heartbeats
// included, for this long.
const DefaultIdleTimeout = 60 * time.Second

// Frame is one Server-Sent Events message.
type Frame struct {
	ID    string
	Event string
	Data  string
}

// Stream reads frames from an open event channel.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	idle    *time.Timer
	timeout time.Duration

	closeOnce sync.Once
}

// Dial opens the event channel at baseURL with token. A rejected token yields
// an error matching ErrAuthentication.
func Dial(ctx context.Context, hc *http.Client, baseURL, token string, idleTimeout time.Duration) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &Error{Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	s := &Stream{body: resp.Body, scanner: bufio.NewScanner(resp.Body), timeout: idleTimeout}
	s.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	s.idle = time.AfterFunc(idleTimeout, func() { s.Close() })
	return s, nil
}

// Next blocks until a complete frame arrives. Comment lines only refresh the
// idle timer.
func (s *Stream) Next() (Frame, error) {
	var f Frame
	var data []string
	for s.scanner.Scan() {
		s.idle.Reset(s.timeout)
		line := s.scanner.Text()
		if line == "" {
			if len(data) == 0 && f.Event == "" {
				continue
			}
			f.Data = strings.Join(data, "\n")
			if f.Event == "" {
				f.Event = "message"
			}
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			f.ID = value
		case "event":
			f.Event = value
		case "data":
			data = append(data, value)
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Frame{}, &Error{Kind: KindNetwork, Message: err.Error()}
	}
	return Frame{}, &Error{Kind: KindNetwork, Message: io.EOF.Error()}
}

// Close releases the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.idle.Stop()
		err = s.body.Close()
	})
	if errors.Is(err, http.ErrBodyReadAfterClose) {
		return nil
	}
	return err
}
