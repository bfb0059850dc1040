package blockbuffer

import (
	"context"
	"sync"

	bssync "github.com/tendermint/blockstream/libs/sync"
)

// backpressureGate blocks producers while the buffer is saturated. At most
// one unreleased gate exists at a time and releasing it wakes every waiter.
type backpressureGate struct {
	mtx    sync.Mutex
	closer *bssync.Closer // nil while producers are permitted
}

// engage closes the gate. It returns false if the gate was already closed.
func (g *backpressureGate) engage() bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if g.closer != nil {
		return false
	}
	g.closer = bssync.NewCloser()
	return true
}

// release opens the gate. It returns false if the gate was already open.
func (g *backpressureGate) release() bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if g.closer == nil {
		return false
	}
	g.closer.Close()
	g.closer = nil
	return true
}

func (g *backpressureGate) engaged() bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.closer != nil
}

// wait blocks until the gate is open. The gate is checked again after every
// release since it may have been engaged again in the meantime.
func (g *backpressureGate) wait(ctx context.Context) error {
	for {
		g.mtx.Lock()
		closer := g.closer
		g.mtx.Unlock()

		if closer == nil {
			return nil
		}

		select {
		case <-closer.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
