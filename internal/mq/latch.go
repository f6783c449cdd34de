package mq

// Latch is a sticky wake-up flag. Set before Wait is not lost.
type Latch struct {
	ch chan struct{}
}

func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{}, 1)}
}

// Set wakes the waiter, or the next call to Wait.
func (l *Latch) Set() {
	select {
	case l.ch <- struct{}{}:
	default:
	}
}

// Reset clears a pending wake-up.
func (l *Latch) Reset() {
	select {
	case <-l.ch:
	default:
	}
}

// C returns the channel that receives when the latch is set. Receiving from
// it resets the latch.
func (l *Latch) C() <-chan struct{} { return l.ch }
