package auth

import (
	"context"
	"runtime"
)

// BlockingPool bounds how many CPU-heavy calls (password hashing) run at
// once. Callers beyond the limit wait, or give up when their context ends.
type BlockingPool struct {
	slots chan struct{}
}

// NewBlockingPool returns a pool with n slots; n <= 0 means GOMAXPROCS.
func NewBlockingPool(n int) *BlockingPool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &BlockingPool{slots: make(chan struct{}, n)}
}

// Do runs fn once a slot is free.
func (p *BlockingPool) Do(ctx context.Context, fn func() error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.slots }()
	return fn()
}

// Size returns the number of slots.
func (p *BlockingPool) Size() int { return cap(p.slots) }
