package queue

// ringQueue is a fixed capacity Queue backed by a circular buffer.
type ringQueue[T any] struct {
	items []T
	head  int
	count int
}

// NewRingQueue creates a queue holding at most capacity items. Enqueue on a full queue
// returns false and leaves the queue unchanged.
func NewRingQueue[T any](capacity int) Queue[T] {
	if capacity < 1 {
		capacity = 1
	}

	return &ringQueue[T]{items: make([]T, capacity)}
}

func (q *ringQueue[T]) Enqueue(item T) bool {
	if q.count == len(q.items) {
		return false
	}
	q.items[(q.head+q.count)%len(q.items)] = item
	q.count++

	return true
}

func (q *ringQueue[T]) Dequeue() (T, bool) {
	var zero T
	if q.count == 0 {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.count--

	return item, true
}

func (q *ringQueue[T]) Peek() (T, bool) {
	if q.count == 0 {
		var zero T
		return zero, false
	}

	return q.items[q.head], true
}

func (q *ringQueue[T]) Each(fn func(item T) bool) {
	for i := range q.count {
		if !fn(q.items[(q.head+i)%len(q.items)]) {
			return
		}
	}
}

func (q *ringQueue[T]) Reset() {
	clear(q.items)
	q.head = 0
	q.count = 0
}

func (q *ringQueue[T]) IsEmpty() bool {
	return q.count == 0
}

func (q *ringQueue[T]) Length() int {
	return q.count
}
