package testframework

import (
	"fmt"
	"sync"
)

const defaultMaxPortAttempts = 64

type PortPoolOption func(*PortPool)

// WithPortProbe replaces the function used to find a bindable port.
func WithPortProbe(probe func() (int, error)) PortPoolOption {
	return func(p *PortPool) {
		p.state.probe = probe
	}
}

// WithMaxPortAttempts bounds the number of probes per reservation.
func WithMaxPortAttempts(n int) PortPoolOption {
	return func(p *PortPool) {
		if n > 0 {
			p.state.maxAttempts = n
		}
	}
}

// PortPool hands out TCP ports that are bindable at reservation time and
// never reissues a port until it is released. A pool may have scopes that
// share its reservations but count and release only their own ports. It is
// safe for concurrent use.
type PortPool struct {
	state  *portState
	parent *PortPool
}

type portState struct {
	mu sync.Mutex
	// owner maps a reserved port to the scope that reserved it.
	owner       map[int]*PortPool
	probe       func() (int, error)
	maxAttempts int
}

func NewPortPool(opts ...PortPoolOption) *PortPool {
	p := &PortPool{
		state: &portState{
			owner:       make(map[int]*PortPool),
			probe:       GetFreePort,
			maxAttempts: defaultMaxPortAttempts,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Scope returns a child pool. Ports it reserves are unique across the whole
// pool and count towards the parent as well.
func (p *PortPool) Scope() *PortPool {
	return &PortPool{state: p.state, parent: p}
}

// covers reports whether owner is p or one of its scopes.
func (p *PortPool) covers(owner *PortPool) bool {
	for o := owner; o != nil; o = o.parent {
		if o == p {
			return true
		}
	}
	return false
}

// Reserve returns a free port and marks it reserved.
func (p *PortPool) Reserve() (int, error) {
	st := p.state
	st.mu.Lock()
	defer st.mu.Unlock()

	var lastErr error
	for i := 0; i < st.maxAttempts; i++ {
		port, err := st.probe()
		if err != nil {
			lastErr = err
			continue
		}
		if _, ok := st.owner[port]; ok {
			continue
		}
		st.owner[port] = p
		return port, nil
	}

	if lastErr != nil {
		return 0, fmt.Errorf("%w: no free port after %d attempts: %v",
			ErrResourceExhausted, st.maxAttempts, lastErr)
	}
	return 0, fmt.Errorf("%w: no free port after %d attempts",
		ErrResourceExhausted, st.maxAttempts)
}

// ReserveN reserves n ports. Either all are reserved or none.
func (p *PortPool) ReserveN(n int) ([]int, error) {
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		port, err := p.Reserve()
		if err != nil {
			p.Release(ports...)
			return nil, err
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// Release unmarks the given ports. Releasing an unknown port, or a port
// reserved outside of p and its scopes, is a no-op.
func (p *PortPool) Release(ports ...int) {
	st := p.state
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, port := range ports {
		if owner, ok := st.owner[port]; ok && p.covers(owner) {
			delete(st.owner, port)
		}
	}
}

// Reserved returns the number of ports currently reserved through p and its
// scopes.
func (p *PortPool) Reserved() int {
	st := p.state
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, owner := range st.owner {
		if p.covers(owner) {
			n++
		}
	}
	return n
}
