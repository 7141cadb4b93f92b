package storage

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/amelbenhazem/task-ws-api/domain"
)

type countingStore struct {
	*Memory
	lists int
}

func (c *countingStore) List(ctx context.Context) ([]domain.Task, error) {
	c.lists++
	return c.Memory.List(ctx)
}

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		rc.Close()
		m.Close()
	})
	return rc, m
}

func TestCacheServesListFromRedis(t *testing.T) {
	rc, _ := setupRedis(t)
	ctx := context.Background()
	base := &countingStore{Memory: NewMemory()}
	_ = base.Insert(ctx, sampleTask("t1"))
	c := NewCache(base, rc, time.Minute)

	for i := 0; i < 3; i++ {
		tasks, err := c.List(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(tasks) != 1 || tasks[0].ID != "t1" {
			t.Fatalf("unexpected tasks %+v", tasks)
		}
	}
	if base.lists != 1 {
		t.Fatalf("expected one backing list call, got %d", base.lists)
	}
	if ttl := rc.TTL(ctx, tasksCacheKey).Val(); ttl != time.Minute {
		t.Fatalf("expected ttl %v, got %v", time.Minute, ttl)
	}
}

func TestCacheEvictsOnWrites(t *testing.T) {
	rc, _ := setupRedis(t)
	ctx := context.Background()
	base := &countingStore{Memory: NewMemory()}
	c := NewCache(base, rc, time.Minute)

	if _, err := c.List(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := c.Insert(ctx, sampleTask("t1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	tasks, _ := c.List(ctx)
	if len(tasks) != 1 {
		t.Fatalf("insert must evict the snapshot, got %d tasks", len(tasks))
	}

	upd := sampleTask("t1")
	upd.Status = domain.StatusDone
	if err := c.Replace(ctx, upd, 0); err != nil {
		t.Fatalf("replace: %v", err)
	}
	tasks, _ = c.List(ctx)
	if tasks[0].Status != domain.StatusDone {
		t.Fatalf("replace must evict the snapshot, got %s", tasks[0].Status)
	}

	if err := c.Delete(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	tasks, _ = c.List(ctx)
	if len(tasks) != 0 {
		t.Fatalf("delete must evict the snapshot, got %d tasks", len(tasks))
	}
	if base.lists != 4 {
		t.Fatalf("expected 4 backing list calls, got %d", base.lists)
	}
}

func TestCacheFallsBackOnCorruptEntry(t *testing.T) {
	rc, m := setupRedis(t)
	ctx := context.Background()
	base := &countingStore{Memory: NewMemory()}
	_ = base.Insert(ctx, sampleTask("t1"))
	if err := m.Set(tasksCacheKey, "not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c := NewCache(base, rc, time.Minute)
	tasks, err := c.List(ctx)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("expected fallback to base store, got %v %v", tasks, err)
	}
}

type blockingListStore struct {
	*Memory
	entered chan struct{}
	release chan struct{}
}

func (b *blockingListStore) List(ctx context.Context) ([]domain.Task, error) {
	tasks, err := b.Memory.List(ctx)
	if b.entered != nil {
		close(b.entered)
		<-b.release
		b.entered = nil
	}
	return tasks, err
}

func TestCacheDropsSnapshotOverlappingWrite(t *testing.T) {
	rc, m := setupRedis(t)
	ctx := context.Background()
	base := &blockingListStore{Memory: NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	c := NewCache(base, rc, time.Minute)

	done := make(chan []domain.Task, 1)
	go func() {
		tasks, _ := c.List(ctx)
		done <- tasks
	}()
	<-base.entered
	if err := c.Insert(ctx, sampleTask("t1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	close(base.release)
	if stale := <-done; len(stale) != 0 {
		t.Fatalf("the in-flight list read before the insert, got %d tasks", len(stale))
	}

	if m.Exists(tasksCacheKey) {
		t.Fatal("snapshot read before the insert must not be cached")
	}
	tasks, err := c.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Fatalf("list after committed insert returned %+v", tasks)
	}
}
