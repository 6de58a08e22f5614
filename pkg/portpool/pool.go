package portpool

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned by Allocate when no free ports remain.
var ErrExhausted = errors.New("port pool exhausted")

// Pool manages a bounded range of ephemeral ingress ports.
// Every port in the range is either free or allocated; the pool never
// loses or double-counts a port. Safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	start     uint16
	end       uint16
	free      []uint16
	allocated map[uint16]bool
}

// NewPool creates a Pool covering the inclusive range [start, end].
// The range must lie within the unprivileged port space (1024-65535).
func NewPool(start, end uint16) (*Pool, error) {
	if start < 1024 {
		return nil, fmt.Errorf("pool start %d below unprivileged range", start)
	}
	if end < start {
		return nil, fmt.Errorf("invalid pool range %d-%d", start, end)
	}

	free := make([]uint16, 0, int(end)-int(start)+1)
	for p := int(start); p <= int(end); p++ {
		free = append(free, uint16(p))
	}

	return &Pool{
		start:     start,
		end:       end,
		free:      free,
		allocated: make(map[uint16]bool),
	}, nil
}

// Allocate removes and returns one port from the free set.
// Returns ErrExhausted when the free set is empty.
func (p *Pool) Allocate() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, ErrExhausted
	}

	port := p.free[0]
	p.free = p.free[1:]
	p.allocated[port] = true
	return port, nil
}

// Release returns port to the free set. Releasing a port that is not
// currently allocated (already free, or outside the range) is a no-op;
// the return value reports whether the port was actually reclaimed so
// callers can log double-release bugs.
func (p *Pool) Release(port uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.allocated[port] {
		return false
	}

	delete(p.allocated, port)
	p.free = append(p.free, port)
	return true
}

// FreeCount returns the number of ports currently free.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// AllocatedCount returns the number of ports currently allocated.
func (p *Pool) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Size returns the total number of ports in the configured range.
func (p *Pool) Size() int {
	return int(p.end) - int(p.start) + 1
}
