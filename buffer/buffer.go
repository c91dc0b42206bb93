package buffer

import (
	"sync"

	"go.uber.org/zap"
)

// RingBuffer is a thread-safe generic circular buffer.
// When full, the oldest items are overwritten.
type RingBuffer[T any] struct {
	mu       sync.Mutex
	data     []T
	capacity int
	size     int
	head     int
	dropped  uint64
	logger   *zap.Logger
}

// New creates a RingBuffer with the given capacity
func New[T any](capacity int, logger *zap.Logger) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Add appends item, overwriting the oldest entry when the buffer is full
func (rb *RingBuffer[T]) Add(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.addLocked(item)
}

func (rb *RingBuffer[T]) addLocked(item T) {
	if rb.size == rb.capacity {
		rb.dropped++
		rb.logger.Warn("ring buffer full, overwriting oldest entry",
			zap.Int("capacity", rb.capacity),
			zap.Uint64("dropped_total", rb.dropped))
	}

	rb.data[rb.head] = item
	rb.head = (rb.head + 1) % rb.capacity
	if rb.size < rb.capacity {
		rb.size++
	}
}

// Drain removes and returns every buffered item, oldest first
func (rb *RingBuffer[T]) Drain() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.drainLocked()
}

func (rb *RingBuffer[T]) drainLocked() []T {
	if rb.size == 0 {
		return nil
	}

	items := make([]T, rb.size)
	oldest := (rb.head - rb.size + rb.capacity) % rb.capacity
	for i := range items {
		items[i] = rb.data[(oldest+i)%rb.capacity]
	}

	var zero T
	for i := range rb.data {
		rb.data[i] = zero
	}
	rb.size = 0
	rb.head = 0
	return items
}

// Requeue puts items back in front of anything added since they were drained,
// so the buffer stays in chronological order. When the combined count exceeds
// the capacity, the oldest items are dropped.
func (rb *RingBuffer[T]) Requeue(items []T) {
	if len(items) == 0 {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	newer := rb.drainLocked()
	combined := make([]T, 0, len(items)+len(newer))
	combined = append(combined, items...)
	combined = append(combined, newer...)

	if excess := len(combined) - rb.capacity; excess > 0 {
		rb.dropped += uint64(excess)
		rb.logger.Warn("ring buffer cannot hold requeued items, dropping oldest",
			zap.Int("dropped", excess))
		combined = combined[excess:]
	}
	for _, item := range combined {
		rb.data[rb.head] = item
		rb.head = (rb.head + 1) % rb.capacity
		rb.size++
	}
}

// Size returns the number of buffered items
func (rb *RingBuffer[T]) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Capacity returns the maximum number of items
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

// Dropped returns how many items have been overwritten or discarded
func (rb *RingBuffer[T]) Dropped() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.dropped
}
