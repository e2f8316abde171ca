package task

// Queue is a many-producer, single-consumer mailbox.
//
// Workers Post results; the owning operation drains them on its next tick.
// Post blocks only when the queue is full, so size it to the number of jobs
// that can be outstanding at once.
type Queue[T any] struct {
	ch chan T
}

// NewQueue creates a queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Post delivers v to the consumer.
func (q *Queue[T]) Post(v T) {
	q.ch <- v
}

// Drain calls fn for every queued value without blocking and returns how many
// values were consumed.
func (q *Queue[T]) Drain(fn func(T)) int {
	n := 0
	for {
		select {
		case v := <-q.ch:
			fn(v)
			n++
		default:
			return n
		}
	}
}

// Next blocks until a value is available.
func (q *Queue[T]) Next() T {
	return <-q.ch
}
