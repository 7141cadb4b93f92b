package journal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/amelbenhazem/task-ws-api/domain"
)

type fakeQueue struct {
	mu       sync.Mutex
	messages []string
	block    chan struct{}
	fail     bool
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return azqueue.EnqueueMessagesResponse{}, ctx.Err()
		}
	}
	if f.fail {
		return azqueue.EnqueueMessagesResponse{}, errors.New("enqueue failure")
	}
	f.mu.Lock()
	f.messages = append(f.messages, content)
	f.mu.Unlock()
	return azqueue.EnqueueMessagesResponse{}, nil
}

func (f *fakeQueue) Messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func deleted(id string, seq int64) domain.Event {
	ev := domain.NewDeleted(domain.Task{ID: id, CreatedBy: domain.UserRef{ID: "alice"}}, "alice")
	ev.Seq = seq
	return ev
}

func TestSinkEnqueuesPublicEnvelope(t *testing.T) {
	logger, _ := test.NewNullLogger()
	q := &fakeQueue{}
	sink := New(q, Options{Workers: 2, Buffer: 4}, logger)

	if !sink.Record(deleted("t1", 3)) {
		t.Fatal("record rejected")
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	msgs := q.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if !strings.Contains(msgs[0], `"type":"taskDeleted"`) || !strings.Contains(msgs[0], `"seq":3`) {
		t.Fatalf("unexpected message %s", msgs[0])
	}
	if strings.Contains(msgs[0], "participants") {
		t.Fatalf("routing data leaked: %s", msgs[0])
	}
}

func TestSinkRejectsWhenSaturated(t *testing.T) {
	logger, _ := test.NewNullLogger()
	q := &fakeQueue{block: make(chan struct{})}
	sink := New(q, Options{Workers: 1, Buffer: 1}, logger)

	// The first event occupies the worker, the second fills the buffer.
	sink.Record(deleted("t1", 1))
	time.Sleep(20 * time.Millisecond)
	if !sink.Record(deleted("t2", 2)) {
		t.Fatal("expected buffered record to succeed")
	}
	if sink.Record(deleted("t3", 3)) {
		t.Fatal("expected saturated sink to reject")
	}
	close(q.block)
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := len(q.Messages()); n != 2 {
		t.Fatalf("expected 2 messages, got %d", n)
	}
}

func TestSinkWaitsForHandoff(t *testing.T) {
	logger, _ := test.NewNullLogger()
	q := &fakeQueue{block: make(chan struct{})}
	sink := New(q, Options{Workers: 1, Buffer: 1, HandoffTimeout: 200 * time.Millisecond}, logger)
	sink.Record(deleted("t1", 1))
	time.Sleep(20 * time.Millisecond)
	sink.Record(deleted("t2", 2))

	done := make(chan bool, 1)
	go func() { done <- sink.Record(deleted("t3", 3)) }()
	select {
	case <-done:
		t.Fatal("record returned before capacity was freed")
	case <-time.After(20 * time.Millisecond):
	}
	close(q.block)
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected record to succeed after capacity freed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for handoff")
	}
	sink.Close(context.Background())
}

func TestSinkRecordIsBoundedWhenSaturated(t *testing.T) {
	logger, _ := test.NewNullLogger()
	q := &fakeQueue{block: make(chan struct{})}
	defer close(q.block)
	sink := New(q, Options{Workers: 1, Buffer: 1, HandoffTimeout: 30 * time.Millisecond}, logger)
	sink.Record(deleted("t1", 1))
	time.Sleep(20 * time.Millisecond)
	sink.Record(deleted("t2", 2))

	start := time.Now()
	if sink.Record(deleted("t3", 3)) {
		t.Fatal("saturated sink must reject the event")
	}
	if waited := time.Since(start); waited > 500*time.Millisecond {
		t.Fatalf("record waited %v on a saturated pool", waited)
	}

	noWait := New(&fakeQueue{block: q.block}, Options{Workers: 1, Buffer: 1}, logger)
	noWait.Record(deleted("t1", 1))
	time.Sleep(20 * time.Millisecond)
	noWait.Record(deleted("t2", 2))
	start = time.Now()
	if noWait.Record(deleted("t3", 3)) || time.Since(start) > 100*time.Millisecond {
		t.Fatal("record without handoff must fail immediately")
	}
}

func TestSinkLogsFailuresAndRejectsAfterClose(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sink := New(&fakeQueue{fail: true}, Options{Workers: 1}, logger)
	sink.Record(deleted("t1", 1))
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if last := hook.LastEntry(); last == nil || !strings.Contains(last.Message, "journal enqueue failed") {
		t.Fatalf("expected enqueue failure to be logged, got %+v", last)
	}
	if sink.Record(deleted("t2", 2)) {
		t.Fatal("closed sink must reject events")
	}
}

func TestQueueExists(t *testing.T) {
	exists := &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "QueueAlreadyExists"}
	if !queueExists(fmt.Errorf("create: %w", exists)) {
		t.Fatal("expected existing queue to be recognised")
	}
	if queueExists(&azcore.ResponseError{StatusCode: http.StatusForbidden, ErrorCode: "AuthorizationFailure"}) {
		t.Fatal("other codes must not match")
	}
}
