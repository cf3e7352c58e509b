package slicing

// UniqueQueue is a FIFO worklist that accepts every value at most once
// until it is reset, so fixed-point searches terminate on cyclic graphs.
type UniqueQueue[T comparable] struct {
	seen  map[T]struct{}
	items []T
	head  int
}

// NewUniqueQueue returns an empty queue.
func NewUniqueQueue[T comparable]() *UniqueQueue[T] {
	return &UniqueQueue[T]{seen: make(map[T]struct{})}
}

// Add enqueues v unless it was ever added since the last Reset. It reports
// whether v was enqueued.
func (q *UniqueQueue[T]) Add(v T) bool {
	if _, ok := q.seen[v]; ok {
		return false
	}
	q.seen[v] = struct{}{}
	q.items = append(q.items, v)
	return true
}

// Pop dequeues the oldest value.
func (q *UniqueQueue[T]) Pop() (T, bool) {
	var zero T
	if q.head == len(q.items) {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items, q.head = q.items[:0], 0
	}
	return v, true
}

// Len returns the number of queued values.
func (q *UniqueQueue[T]) Len() int {
	return len(q.items) - q.head
}

// Seen reports whether v was added since the last Reset.
func (q *UniqueQueue[T]) Seen(v T) bool {
	_, ok := q.seen[v]
	return ok
}

// Reset drops all queued values and forgets every value ever added.
func (q *UniqueQueue[T]) Reset() {
	clear(q.seen)
	clear(q.items)
	q.items, q.head = q.items[:0], 0
}
