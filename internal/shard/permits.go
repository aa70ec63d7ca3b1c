package shard

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrAlreadyBlocked is returned when two block attempts race. Term bumps and
// relocation handoffs are serialized by the caller; overlapping blocks are a
// programming error.
var ErrAlreadyBlocked = errors.New("shard operations are already blocked")

// Permit is a scoped hold on a shard's operation semaphore. It must be
// released exactly once; a second release is logged and swallowed.
type Permit interface {
	Release()
}

// OperationPermits is the per-shard semaphore coupling in-flight operations
// to primary term advancement: operations hold permits, and a term change or
// relocation handoff blocks new permits until every outstanding one is
// released.
type OperationPermits struct {
	mu      sync.Mutex
	active  int
	blocked bool
	// waiters are acquire attempts parked while operations are blocked
	waiters []chan struct{}
	// drained signals the blocker once the last active permit is released
	drained chan struct{}

	log logrus.FieldLogger
}

// NewOperationPermits creates the permit semaphore.
func NewOperationPermits(log logrus.FieldLogger) *OperationPermits {
	return &OperationPermits{log: log}
}

// Acquire grants a permit, parking the caller while operations are blocked.
func (p *OperationPermits) Acquire(ctx context.Context) (Permit, error) {
	for {
		p.mu.Lock()
		if !p.blocked {
			p.active++
			p.mu.Unlock()
			return &permit{permits: p}, nil
		}
		unblocked := make(chan struct{})
		p.waiters = append(p.waiters, unblocked)
		p.mu.Unlock()

		select {
		case <-unblocked:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// BlockOperations waits for all outstanding permits to drain, runs fn while
// new acquisitions are parked, then unparks them.
func (p *OperationPermits) BlockOperations(ctx context.Context, fn func()) error {
	p.mu.Lock()
	if p.blocked {
		p.mu.Unlock()
		return ErrAlreadyBlocked
	}
	p.blocked = true
	var drained chan struct{}
	if p.active > 0 {
		drained = make(chan struct{})
		p.drained = drained
	}
	p.mu.Unlock()

	if drained != nil {
		select {
		case <-drained:
		case <-ctx.Done():
			p.unblock()
			return ctx.Err()
		}
	}

	fn()
	p.unblock()
	return nil
}

func (p *OperationPermits) unblock() {
	p.mu.Lock()
	p.blocked = false
	p.drained = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// ActiveOperations returns the number of permits currently held.
func (p *OperationPermits) ActiveOperations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *OperationPermits) release() {
	p.mu.Lock()
	p.active--
	if p.active == 0 && p.drained != nil {
		close(p.drained)
		p.drained = nil
	}
	p.mu.Unlock()
}

type permit struct {
	mu       sync.Mutex
	released bool
	permits  *OperationPermits
}

func (pm *permit) Release() {
	pm.mu.Lock()
	alreadyReleased := pm.released
	pm.released = true
	pm.mu.Unlock()

	if alreadyReleased {
		if pm.permits.log != nil {
			pm.permits.log.Warn("shard operation permit released twice")
		}
		return
	}

	pm.permits.release()
}
