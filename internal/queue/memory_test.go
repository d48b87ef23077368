package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	xerrors "Agent-Economy/internal/errors"
)

func TestMemoryQueueDeliversPayloads(t *testing.T) {
	q := NewMemoryQueue(8)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled int32
	go func() {
		_ = q.Consume(ctx, 2, func(ctx context.Context, payload []byte) error {
			atomic.AddInt32(&handled, 1)
			return nil
		})
	}()

	for i := 0; i < 5; i++ {
		if err := q.Publish(context.Background(), []byte(`{"task_type":"summarize"}`)); err != nil {
			t.Fatalf("投递失败: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&handled) == 5 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("消费数量不符: %d", atomic.LoadInt32(&handled))
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	_ = q.Close()
	err := q.Publish(context.Background(), []byte("x"))
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("关闭后投递应返回 QUEUE_FAILURE，实际 %v", err)
	}
}
