// Package queue provides the FIFO containers behind the command queue and the session
// message queue.
package queue

// Queue is a FIFO of T.
type Queue[T any] interface {
	// Enqueue adds an item to the tail. It returns false when the queue is full.
	Enqueue(item T) bool
	// Dequeue removes and returns the head item.
	Dequeue() (T, bool)
	// Peek returns the head item without removing it.
	Peek() (T, bool)
	// Each calls fn for every item from head to tail until fn returns false.
	Each(fn func(item T) bool)
	// Reset empties the queue.
	Reset()
	// IsEmpty returns true if the queue is empty.
	IsEmpty() bool
	// Length returns the number of queued items.
	Length() int
}
