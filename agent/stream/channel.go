package stream

import (
	"context"
	"sync"
)

// Channel is an unbounded FIFO of events for one run. Producers never block;
// a single consumer drains it with Next until the channel is closed.
//
// Close is the end-of-stream sentinel. It can fire only once and nothing is
// accepted after it.
type Channel struct {
	mu     sync.Mutex
	buf    []Event
	closed bool
	signal chan struct{}
}

// NewChannel creates an empty channel.
func NewChannel() *Channel {
	return &Channel{signal: make(chan struct{}, 1)}
}

// Publish appends an event. It returns false if the channel is already closed.
func (c *Channel) Publish(e Event) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.buf = append(c.buf, e)
	c.mu.Unlock()
	c.notify()
	return true
}

// Close emits the sentinel. Only the first call returns true.
func (c *Channel) Close() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.mu.Unlock()
	c.notify()
	return true
}

// Closed reports whether the sentinel has been emitted.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Next blocks until an event is available. ok is false once the channel is
// closed and fully drained.
func (c *Channel) Next(ctx context.Context) (e Event, ok bool, err error) {
	for {
		c.mu.Lock()
		if len(c.buf) > 0 {
			e = c.buf[0]
			c.buf[0] = Event{}
			c.buf = c.buf[1:]
			c.mu.Unlock()
			return e, true, nil
		}
		if c.closed {
			c.mu.Unlock()
			return Event{}, false, nil
		}
		c.mu.Unlock()

		select {
		case <-c.signal:
		case <-ctx.Done():
			return Event{}, false, ctx.Err()
		}
	}
}

// Drain consumes every remaining event, calling fn for each, until the
// sentinel. fn returning an error stops the drain.
func (c *Channel) Drain(ctx context.Context, fn func(Event) error) error {
	for {
		e, ok, err := c.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

func (c *Channel) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}
