package queue

// sliceQueue is an unbounded Queue backed by a slice.
type sliceQueue[T any] struct {
	items []T
}

// NewSliceQueue creates an unbounded queue with room for prealloc items.
func NewSliceQueue[T any](prealloc int) Queue[T] {
	return &sliceQueue[T]{items: make([]T, 0, prealloc)}
}

func (q *sliceQueue[T]) Enqueue(item T) bool {
	q.items = append(q.items, item)
	return true
}

func (q *sliceQueue[T]) Dequeue() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]

	return item, true
}

func (q *sliceQueue[T]) Peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}

	return q.items[0], true
}

func (q *sliceQueue[T]) Each(fn func(item T) bool) {
	for _, item := range q.items {
		if !fn(item) {
			return
		}
	}
}

func (q *sliceQueue[T]) Reset() {
	clear(q.items)
	q.items = q.items[:0]
}

func (q *sliceQueue[T]) IsEmpty() bool {
	return len(q.items) == 0
}

func (q *sliceQueue[T]) Length() int {
	return len(q.items)
}
