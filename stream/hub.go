package stream

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/amelbenhazem/task-ws-api/domain"
)

const defaultSessionBuffer = 64

// ErrHubClosed is returned when a session is opened after Shutdown.
var ErrHubClosed = errors.New("stream hub is closed")

// Session is one live channel connection bound to an authenticated user.
type Session struct {
	ID          string
	User        domain.Identity
	ConnectedAt time.Time

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

// Frames yields encoded event frames queued for the session.
func (s *Session) Frames() <-chan []byte { return s.out }

// Done is closed when the hub drops the session.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason reports why the hub dropped the session, empty while it is open.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Hub tracks connected sessions and fans events out to them. It is created
// once per process and shut down explicitly.
type Hub struct {
	scope  domain.Scope
	buffer int
	logger *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewHub creates a hub. buffer bounds the per-session queue; a session whose
// queue is full when an event arrives is dropped so its client resyncs.
func NewHub(scope domain.Scope, buffer int, logger *log.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSessionBuffer
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if scope == "" {
		scope = domain.ScopeGlobal
	}
	return &Hub{scope: scope, buffer: buffer, logger: logger, sessions: make(map[string]*Session)}
}

// Open registers a session for user.
func (h *Hub) Open(user domain.Identity) (*Session, error) {
	s := &Session{
		ID:          uuid.NewString(),
		User:        user,
		ConnectedAt: time.Now().UTC(),
		out:         make(chan []byte, h.buffer),
		done:        make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.sessions[s.ID] = s
	h.logger.WithFields(log.Fields{"session": s.ID, "user": user.ID, "sessions": len(h.sessions)}).Info("stream client connected")
	return s, nil
}

// Close unregisters the session. It is safe to call more than once.
func (h *Hub) Close(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	n := len(h.sessions)
	h.mu.Unlock()
	s.close("disconnected")
	if ok {
		h.logger.WithFields(log.Fields{"session": s.ID, "user": s.User.ID, "sessions": n}).Info("stream client disconnected")
	}
}

// Count returns the number of connected sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Deliver queues ev on every session in its audience without blocking and
// returns how many sessions accepted it.
func (h *Hub) Deliver(ev domain.Event) int {
	frame, err := encodeFrame(ev)
	if err != nil {
		h.logger.WithError(err).WithField("event", ev.Type).Error("encode event frame")
		return 0
	}

	var lagging []*Session
	delivered := 0
	h.mu.RLock()
	for _, s := range h.sessions {
		if !h.scope.Delivers(s.User.ID, ev) {
			continue
		}
		select {
		case s.out <- frame:
			delivered++
		default:
			lagging = append(lagging, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range lagging {
		h.drop(s, "lagging")
	}
	return delivered
}

// Shutdown drops every session and rejects new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()
	for _, s := range sessions {
		s.close("shutdown")
	}
	h.logger.WithField("sessions", len(sessions)).Info("stream hub stopped")
}

func (h *Hub) drop(s *Session, reason string) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	h.mu.Unlock()
	s.close(reason)
	h.logger.WithFields(log.Fields{"session": s.ID, "user": s.User.ID, "reason": reason}).Warn("stream client dropped")
}

func encodeFrame(ev domain.Event) ([]byte, error) {
	data, err := sonic.Marshal(ev.Public())
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(data)+64)
	buf = append(buf, "id: "...)
	buf = strconv.AppendInt(buf, ev.Seq, 10)
	buf = append(buf, "\nevent: "...)
	buf = append(buf, string(ev.Type)...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf, nil
}
