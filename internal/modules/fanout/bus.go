// README: Message bus abstraction and the in-process bus; buses drain in-flight publishes on Close.
package fanout

import (
	"context"
	"errors"
	"sync"
)

var ErrBusClosed = errors.New("message bus closed")

// Bus carries frames to every process hub. Start must be called before Publish;
// its ctx bounds setup only, and consumption runs until Close. Close stops
// accepting publishes and waits for in-flight ones.
type Bus interface {
	Start(ctx context.Context) error
	Publish(ctx context.Context, f Frame) error
	Close(ctx context.Context) error
}

type inflight struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (i *inflight) begin() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return false
	}
	i.wg.Add(1)
	return true
}

func (i *inflight) done() {
	i.wg.Done()
}

func (i *inflight) drain(ctx context.Context) error {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LocalBus delivers straight into the process hub.
type LocalBus struct {
	hub      *Hub
	inflight inflight
}

func NewLocalBus(hub *Hub) *LocalBus {
	return &LocalBus{hub: hub}
}

func (b *LocalBus) Start(context.Context) error { return nil }

func (b *LocalBus) Publish(_ context.Context, f Frame) error {
	if !b.inflight.begin() {
		return ErrBusClosed
	}
	defer b.inflight.done()
	b.hub.Deliver(f)
	return nil
}

func (b *LocalBus) Close(ctx context.Context) error {
	return b.inflight.drain(ctx)
}
