package admission

// fifo is the queue behind both job priority queues and both resource wait
// queues. The Controller's mutex guards it.
type fifo[T any] struct {
	items []T
}

// Push appends v and returns its 1-based position.
func (q *fifo[T]) Push(v T) int {
	q.items = append(q.items, v)
	return len(q.items)
}

// Peek returns the head without removing it.
func (q *fifo[T]) Peek() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	return q.items[0], true
}

// Pop removes and returns the head.
func (q *fifo[T]) Pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

func (q *fifo[T]) Len() int { return len(q.items) }

// RemoveFunc removes every entry matching match, preserving the order of
// the rest, and returns the removed entries in queue order.
func (q *fifo[T]) RemoveFunc(match func(T) bool) []T {
	var removed []T
	kept := q.items[:0]
	for _, v := range q.items {
		if match(v) {
			removed = append(removed, v)
			continue
		}
		kept = append(kept, v)
	}
	var zero T
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = kept
	return removed
}

