package oscillation

// DefaultQueueCapacity is the number of commands that can wait for the loop.
const DefaultQueueCapacity = 10

// Queue is a bounded FIFO between command producers and the oscillation
// loop. Neither side ever blocks.
type Queue struct {
	ch chan Command
}

// NewQueue creates a queue holding up to capacity commands.
// A capacity <= 0 uses DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{ch: make(chan Command, capacity)}
}

// TrySend enqueues cmd. It returns false if the queue is full.
func (q *Queue) TrySend(cmd Command) bool {
	select {
	case q.ch <- cmd:
		return true
	default:
		return false
	}
}

// TryReceive dequeues the oldest command. ok is false when the queue is empty.
func (q *Queue) TryReceive() (cmd Command, ok bool) {
	select {
	case cmd = <-q.ch:
		return cmd, true
	default:
		return Command{}, false
	}
}

// Len returns the number of pending commands.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
