package admin

import (
	"context"
	"sync"
)

// Correlator pairs an admin command-push with the device's reply.
// Connection offers it every non-hello PUBLISH that has no live Session;
// Await blocks the HTTP handler until that payload (or a timeout)
// arrives.
type Correlator struct {
	mu      sync.Mutex
	waiters map[string]chan []byte
}

// NewCorrelator builds an empty Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{waiters: make(map[string]chan []byte)}
}

// Await registers mac as awaiting a response and blocks until one
// arrives or ctx is done. Only one command per MAC may be in flight.
func (c *Correlator) Await(ctx context.Context, mac string) ([]byte, error) {
	ch := make(chan []byte, 1)

	c.mu.Lock()
	c.waiters[mac] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, mac)
		c.mu.Unlock()
	}()

	select {
	case payload := <-ch:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver implements connection.Correlator. It returns true only if mac
// had a pending Await to hand the payload to.
func (c *Correlator) Deliver(mac string, payload []byte) bool {
	c.mu.Lock()
	ch, ok := c.waiters[mac]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- payload:
		return true
	default:
		return false
	}
}
