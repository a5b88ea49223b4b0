package history

import (
	"sync"

	"github.com/phonectl/relay/internal/registry"
)

// EventBuffer is a thread-safe ring buffer of pair events that doubles
// its capacity when it reaches 70% full. Send never blocks, which lets
// the registry emit events while holding its lock.
type EventBuffer struct {
	mu       sync.Mutex
	buf      []registry.PairEvent
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	// Stats
	totalReceived int64
	totalSent     int64
	resizeCount   int
}

// NewEventBuffer creates a buffer with the given initial capacity.
func NewEventBuffer(initialCapacity int) *EventBuffer {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &EventBuffer{
		buf:      make([]registry.PairEvent, initialCapacity),
		capacity: initialCapacity,
	}
}

// Send adds an event to the buffer, growing it if at 70% capacity.
// Returns false if the buffer is closed.
func (b *EventBuffer) Send(ev registry.PairEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold {
		b.grow()
	}

	b.buf[b.tail] = ev
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalReceived++
	return true
}

// TryReceive attempts to receive without blocking.
// Returns the event and true if available, or zero value and false otherwise.
func (b *EventBuffer) TryReceive() (registry.PairEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return registry.PairEvent{}, false
	}

	ev := b.buf[b.head]
	b.buf[b.head] = registry.PairEvent{}
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.totalSent++

	return ev, true
}

// DrainTo drains up to max events from the buffer. Pass max <= 0 to
// drain everything.
func (b *EventBuffer) DrainTo(max int) []registry.PairEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]registry.PairEvent, n)
	for i := 0; i < n; i++ {
		result[i] = b.buf[b.head]
		b.buf[b.head] = registry.PairEvent{}
		b.head = (b.head + 1) % b.capacity
		b.count--
		b.totalSent++
	}

	return result
}

// Close closes the buffer. After closing, Send returns false; pending
// events remain drainable.
func (b *EventBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Len returns the current number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the current capacity of the buffer.
func (b *EventBuffer) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Stats returns buffer statistics.
func (b *EventBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:         b.count,
		Capacity:      b.capacity,
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		ResizeCount:   b.resizeCount,
	}
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	ResizeCount   int
}

// grow doubles the buffer capacity. Must be called with lock held.
func (b *EventBuffer) grow() {
	newCapacity := b.capacity * 2
	newBuf := make([]registry.PairEvent, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
	b.resizeCount++
}
