package stream

import (
	"context"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/amelbenhazem/task-ws-api/domain"
)

// Journal receives a copy of every emitted event. Record runs on the mutation
// path, so it must return within a short fixed bound and never wait on the
// downstream transport.
type Journal interface {
	Record(ev domain.Event) bool
}

// Emitter publishes task events to every connected session, either directly
// into the local hub or through a Redis relay shared by all instances.
type Emitter struct {
	hub     *Hub
	relay   *Relay
	journal Journal
	logger  *log.Logger
	seq     atomic.Int64
}

// EmitterOption customizes an Emitter.
type EmitterOption func(*Emitter)

// WithRelay routes events through Redis so every instance delivers them.
func WithRelay(r *Relay) EmitterOption { return func(e *Emitter) { e.relay = r } }

// WithJournal copies every event to j.
func WithJournal(j Journal) EmitterOption { return func(e *Emitter) { e.journal = j } }

// WithLogger sets the emitter logger.
func WithLogger(l *log.Logger) EmitterOption { return func(e *Emitter) { e.logger = l } }

func NewEmitter(hub *Hub, opts ...EmitterOption) *Emitter {
	e := &Emitter{hub: hub, logger: log.StandardLogger()}
	for _, opt := range opts {
		opt(e)
	}
	if e.hub == nil && e.relay == nil {
		panic("stream.NewEmitter: hub or relay is required")
	}
	return e
}

// Publish sends ev to the current sessions. Delivery is best effort: sessions
// connected later never see it.
func (e *Emitter) Publish(ctx context.Context, ev domain.Event) error {
	if e.relay != nil {
		seq, err := e.relay.Publish(ctx, ev)
		if err != nil {
			return err
		}
		ev.Seq = seq
	} else {
		ev.Seq = e.seq.Add(1)
		n := e.hub.Deliver(ev)
		e.logger.WithFields(log.Fields{"event": ev.Type, "task": ev.ID(), "seq": ev.Seq, "sessions": n}).Debug("event delivered")
	}
	if e.journal != nil && !e.journal.Record(ev) {
		e.logger.WithFields(log.Fields{"event": ev.Type, "task": ev.ID()}).Warn("journal saturated, event not recorded")
	}
	return nil
}
