package notifier

import (
	"context"
	"errors"
	"sync"

	"tradegate/internal/logger"
	"tradegate/internal/metrics"
)

// ErrQueueFull is recorded when a message is dropped because the queue is full.
var ErrQueueFull = errors.New("notification queue full")

// Async delivers messages on a background goroutine so order flow never waits
// on the channel. Delivery failures are logged and dropped.
type Async struct {
	next   TextNotifier
	queue  chan string
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

func NewAsync(next TextNotifier, size int) *Async {
	if next == nil {
		next = Nop{}
	}
	if size <= 0 {
		size = 64
	}
	a := &Async{
		next:  next,
		queue: make(chan string, size),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

// SendText enqueues text and always returns nil.
func (a *Async) SendText(text string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		logger.Warnf("notifier closed, dropping message")
		return nil
	}
	select {
	case a.queue <- text:
	default:
		metrics.Notification(ErrQueueFull)
		logger.Warnf("notification dropped: %v", ErrQueueFull)
	}
	return nil
}

func (a *Async) loop() {
	defer close(a.done)
	for text := range a.queue {
		err := a.next.SendText(text)
		metrics.Notification(err)
		if err != nil {
			logger.Warnf("notification failed: %v", err)
		}
	}
}

// Close stops accepting messages and waits for the queue to drain or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
