package foundation

import (
	"errors"
	"sync"
)

var (
	ErrQueueFull  = errors.New("queue full")
	ErrQueueEmpty = errors.New("queue empty")
)

// MessageQueue is a bounded multi-producer FIFO ring. Capacity must be a
// power of two; one slot is kept free to tell full from empty, so a queue of
// capacity N holds N-1 messages.
type MessageQueue[T any] struct {
	mu       sync.Mutex
	slots    []envelope[T]
	capacity uint32
	head     uint32
	tail     uint32
	stats    QueueStats
}

type envelope[T any] struct {
	sequence uint64
	payload  T
}

// QueueStats tracks queue performance
type QueueStats struct {
	Enqueued   uint64
	Dequeued   uint64
	Dropped    uint64
	QueueDepth uint32
	MaxDepth   uint32
}

// NewMessageQueue creates a new message queue
func NewMessageQueue[T any](capacity uint32) *MessageQueue[T] {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		panic("capacity must be power of 2")
	}
	return &MessageQueue[T]{
		slots:    make([]envelope[T], capacity),
		capacity: capacity,
	}
}

// Enqueue appends msg and returns its sequence number (1-based, monotonic).
func (mq *MessageQueue[T]) Enqueue(msg T) (uint64, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	nextTail := (mq.tail + 1) & (mq.capacity - 1)
	if nextTail == mq.head {
		mq.stats.Dropped++
		return 0, ErrQueueFull
	}
	mq.stats.Enqueued++
	mq.slots[mq.tail] = envelope[T]{sequence: mq.stats.Enqueued, payload: msg}
	mq.tail = nextTail

	mq.stats.QueueDepth++
	if mq.stats.QueueDepth > mq.stats.MaxDepth {
		mq.stats.MaxDepth = mq.stats.QueueDepth
	}
	return mq.stats.Enqueued, nil
}

// Dequeue removes the oldest message.
func (mq *MessageQueue[T]) Dequeue() (T, uint64, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	var zero T
	if mq.head == mq.tail {
		return zero, 0, ErrQueueEmpty
	}
	env := mq.slots[mq.head]
	mq.slots[mq.head] = envelope[T]{}
	mq.head = (mq.head + 1) & (mq.capacity - 1)
	mq.stats.Dequeued++
	mq.stats.QueueDepth--
	return env.payload, env.sequence, nil
}

// Len returns the number of queued messages.
func (mq *MessageQueue[T]) Len() int {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return int((mq.tail - mq.head) & (mq.capacity - 1))
}

// Capacity returns the number of messages the queue can hold at once.
func (mq *MessageQueue[T]) Capacity() int {
	return int(mq.capacity) - 1
}

// Stats returns a copy of the queue counters.
func (mq *MessageQueue[T]) Stats() QueueStats {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return mq.stats
}
