package notify

import (
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
)

// TerminalBell rings the terminal bell.
type TerminalBell struct {
	W io.Writer
}

func (b TerminalBell) Play() error {
	_, err := b.W.Write([]byte{'\a'})
	return err
}

// LogToaster writes messages to a logrus logger.
type LogToaster struct {
	Logger *log.Logger
}

func (t LogToaster) Show(m Message) {
	logger := t.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	level := log.InfoLevel
	if m.Level == LevelWarning {
		level = log.WarnLevel
	}
	logger.WithFields(log.Fields{"level_hint": m.Level, "duration": m.Duration}).Log(level, m.Title+": "+m.Body)
}

// Recorder keeps every cue and message. It is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	cues     int
	messages []Message
	err      error
}

// FailCues makes subsequent Play calls return err.
func (r *Recorder) FailCues(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder) Play() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cues++
	return r.err
}

func (r *Recorder) Show(m Message) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()
}

// Cues returns the number of played cues.
func (r *Recorder) Cues() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cues
}

// Messages returns a copy of the shown messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
