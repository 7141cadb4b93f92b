package stream

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/amelbenhazem/task-ws-api/domain"
)

// Relay fans events out across instances over a Redis pub/sub channel.
type Relay struct {
	rc      *redis.Client
	channel string
	hub     *Hub
	logger  *log.Logger
	retry   time.Duration
}

func NewRelay(rc *redis.Client, channel string, hub *Hub, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{rc: rc, channel: channel, hub: hub, logger: logger, retry: time.Second}
}

func (r *Relay) seqKey() string { return r.channel + ":seq" }

// Publish assigns a cluster-wide sequence number and publishes ev.
func (r *Relay) Publish(ctx context.Context, ev domain.Event) (int64, error) {
	seq, err := r.rc.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return 0, err
	}
	ev.Seq = seq
	data, err := sonic.Marshal(ev)
	if err != nil {
		return 0, err
	}
	if err := r.rc.Publish(ctx, r.channel, data).Err(); err != nil {
		return 0, err
	}
	return seq, nil
}

// Run listens for relayed events and delivers them to the local hub until
// ctx is done. A closed subscription is reopened after a short pause.
func (r *Relay) Run(ctx context.Context) {
	for {
		sub := r.rc.Subscribe(ctx, r.channel)
		r.consume(ctx, sub.Channel())
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retry):
		}
	}
}

func (r *Relay) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev domain.Event
			if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
				r.logger.Errorf("unable to parse relayed event: %v", err)
				continue
			}
			if !ev.Type.Valid() {
				r.logger.Warnf("received unknown event type %s in %s channel - ignoring it", ev.Type, r.channel)
				continue
			}
			r.hub.Deliver(ev)
		}
	}
}
