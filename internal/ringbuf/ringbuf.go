package ringbuf

// Buffer is a fixed-capacity drop-oldest container.
//
// Capacity is an item count. maxBytes and the size estimator are sizing
// guidance only: EstimatedBytes reports against them but Append never evicts
// on bytes. Buffer is not safe for concurrent use; the owner serializes access.
type Buffer[T any] struct {
	items    []T
	next     int // write cursor
	full     bool
	dropped  uint64
	maxBytes int64
	estimate func(T) int
}

// New creates a buffer holding at most capacity items (minimum 1).
// estimate may be nil.
func New[T any](capacity int, maxBytes int64, estimate func(T) int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		items:    make([]T, capacity),
		maxBytes: maxBytes,
		estimate: estimate,
	}
}

// CapacityFor returns how many items of roughly itemBytes fit in maxBytes.
func CapacityFor(maxBytes int64, itemBytes int) int {
	if maxBytes <= 0 || itemBytes <= 0 {
		return 1
	}
	n := maxBytes / int64(itemBytes)
	if n < 1 {
		return 1
	}
	return int(n)
}

// Append stores item, overwriting the oldest item once the buffer is full.
func (b *Buffer[T]) Append(item T) {
	if b.full {
		b.dropped++
	}
	b.items[b.next] = item
	b.next = (b.next + 1) % len(b.items)
	if b.next == 0 {
		b.full = true
	}
}

// ToSlice returns retained items oldest first.
func (b *Buffer[T]) ToSlice() []T {
	if !b.full {
		out := make([]T, b.next)
		copy(out, b.items[:b.next])
		return out
	}
	out := make([]T, len(b.items))
	n := copy(out, b.items[b.next:])
	copy(out[n:], b.items[:b.next])
	return out
}

func (b *Buffer[T]) Len() int {
	if b.full {
		return len(b.items)
	}
	return b.next
}

func (b *Buffer[T]) Cap() int { return len(b.items) }

// Dropped counts items overwritten since creation or the last Reset.
func (b *Buffer[T]) Dropped() uint64 { return b.dropped }

func (b *Buffer[T]) MaxBytes() int64 { return b.maxBytes }

// EstimatedBytes sums the estimator over retained items; 0 without an estimator.
func (b *Buffer[T]) EstimatedBytes() int64 {
	if b.estimate == nil {
		return 0
	}
	var total int64
	for _, it := range b.ToSlice() {
		total += int64(b.estimate(it))
	}
	return total
}

// Reset empties the buffer and clears the drop counter.
func (b *Buffer[T]) Reset() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.next = 0
	b.full = false
	b.dropped = 0
}
