// memqueue.go
package federation

import (
	"context"
	"sync"
	"time"
)

// memQueueMessage pairs a payload with its current retry count so the
// in-process backend can apply the same bounded-retry discipline a real
// broker would.
type memQueueMessage struct {
	payload []byte
	retries int
}

// MemQueue is the default, in-process channel-based Queue backend. It is
// used in tests and as the zero-configuration default (QUEUE_BACKEND=memory),
// matching spec.md §9's "bounded mailbox" framing applied at the transport
// level instead of just the actor level.
type MemQueue struct {
	mu        sync.Mutex
	queues    map[QueueName]chan memQueueMessage
	maxRetry  int
	queueSize int
}

// NewMemQueue builds an in-process queue with maxRetry attempts per message
// before it is dropped (logged) and queueSize buffered messages per named
// queue before Publish blocks.
func NewMemQueue(maxRetry, queueSize int) *MemQueue {
	if maxRetry <= 0 {
		maxRetry = 5
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &MemQueue{
		queues:    make(map[QueueName]chan memQueueMessage),
		maxRetry:  maxRetry,
		queueSize: queueSize,
	}
}

func (q *MemQueue) channel(queue QueueName) chan memQueueMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[queue]
	if !ok {
		ch = make(chan memQueueMessage, q.queueSize)
		q.queues[queue] = ch
	}
	return ch
}

func (q *MemQueue) Publish(ctx context.Context, queue QueueName, payload []byte, delay time.Duration) error {
	msg := memQueueMessage{payload: payload}
	ch := q.channel(queue)
	if delay > 0 {
		go func() {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
				ch <- msg
			case <-ctx.Done():
			}
		}()
		return nil
	}
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemQueue) requeue(ctx context.Context, queue QueueName, msg memQueueMessage) {
	msg.retries++
	if msg.retries > q.maxRetry {
		Logger().Error("queue_message_dropped_max_retry", "queue", string(queue), "retries", msg.retries)
		return
	}
	backoff := time.Duration(msg.retries) * 500 * time.Millisecond
	ch := q.channel(queue)
	go func() {
		t := time.NewTimer(backoff)
		defer t.Stop()
		select {
		case <-t.C:
			select {
			case ch <- msg:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
}

func (q *MemQueue) Consume(ctx context.Context, queue QueueName, handler func(ctx context.Context, payload []byte) error) error {
	ch := q.channel(queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			if err := handler(ctx, msg.payload); err != nil {
				Logger().Warn("queue_handler_failed", "queue", string(queue), "err", err, "retries", msg.retries)
				q.requeue(ctx, queue, msg)
			}
		}
	}
}
