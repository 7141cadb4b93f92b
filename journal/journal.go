// Package journal copies broadcast task events to an Azure Storage queue for
// downstream consumers. Recording never waits on Azure: when the worker pool
// stays saturated past the handoff bound the event is dropped and the caller
// is told so.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/amelbenhazem/task-ws-api/domain"
)

// Queue is the subset of the Azure queue client used by the sink.
type Queue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Options tune the worker pool.
type Options struct {
	Workers        int
	Buffer         int
	EnqueueTimeout time.Duration
	HandoffTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = 30 * time.Second
	}
	return o
}

// Sink enqueues events from a fixed set of workers.
type Sink struct {
	queue  Queue
	opts   Options
	logger *log.Logger

	mu     sync.RWMutex
	jobs   chan domain.Event
	closed bool
	wg     sync.WaitGroup
}

// NewQueueClient builds an azqueue client with the retry policy used for all
// storage calls.
func NewQueueClient(connStr, queueName string) (*azqueue.QueueClient, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 30 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	return azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
}

// EnsureQueue creates the journal queue unless it already exists.
func EnsureQueue(ctx context.Context, connStr, queueName string) error {
	q, err := NewQueueClient(connStr, queueName)
	if err != nil {
		return err
	}
	if _, err := q.Create(ctx, nil); err != nil && !queueExists(err) {
		return fmt.Errorf("create queue %s: %w", queueName, err)
	}
	return nil
}

func queueExists(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists"
}

// New starts the worker pool.
func New(queue Queue, opts Options, logger *log.Logger) *Sink {
	if queue == nil {
		panic("journal.New: queue is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Sink{queue: queue, opts: opts.withDefaults(), logger: logger}
	s.jobs = make(chan domain.Event, s.opts.Buffer)
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	logger.Infof("event journal started, workers: %d, buffer: %d, timeout: %v, handoff: %v",
		s.opts.Workers, s.opts.Buffer, s.opts.EnqueueTimeout, s.opts.HandoffTimeout)
	return s
}

// Record hands ev to the pool and reports whether it was accepted. With a
// full buffer it waits at most HandoffTimeout, so Close may be held up by
// the same bound.
func (s *Sink) Record(ev domain.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.jobs <- ev:
		return true
	default:
	}
	if s.opts.HandoffTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(s.opts.HandoffTimeout)
	defer timer.Stop()
	select {
	case s.jobs <- ev:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops accepting events and waits until queued ones are sent or ctx
// expires.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) worker(id int) {
	defer s.wg.Done()
	for ev := range s.jobs {
		data, err := sonic.MarshalString(ev.Public())
		if err != nil {
			s.logger.Errorf("journal encode failed, err: %v, event: %s, task: %s", err, ev.Type, ev.ID())
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.EnqueueTimeout)
		_, err = s.queue.EnqueueMessage(ctx, data, nil)
		cancel()
		if err != nil {
			s.logger.Errorf("journal enqueue failed, err: %v, event: %s, seq: %d, worker: %d", err, ev.Type, ev.Seq, id)
		}
	}
}
