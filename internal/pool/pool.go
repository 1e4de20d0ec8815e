// Package pool provides a thread-safe reservation pool over physical
// serial ports, so two UUT workflows never drive the same OS device at
// once. A mutex guards a small map, critical sections stay short, and
// callers get copies back instead of pointers into internal state.
package pool

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/periph-extra/bibrunner/internal/bibserr"
	"github.com/periph-extra/bibrunner/internal/discovery"
)

// Allocation is an active reservation of a physical port, keyed by its OS
// device name (e.g. "/dev/ttyUSB0", "COM5"), by a client (a running
// workflow session).
type Allocation struct {
	DeviceName string
	ClientID   string // typically a session token from Pool.Reserve
	AcquiredAt time.Time
	// ExpiresAt is zero for reservations with no TTL (held until released).
	ExpiresAt time.Time
}

func (a Allocation) expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// Pool tracks which OS device names are currently allocated. Zero value is
// not usable; construct with New.
type Pool struct {
	mu          sync.Mutex
	allocations map[string]Allocation // OS device name -> allocation

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New returns an empty Pool and starts its background expiry sweeper, which
// releases reservations past their TTL every interval. Call Close to stop
// the sweeper.
func New(interval time.Duration) *Pool {
	if interval <= 0 {
		interval = time.Second
	}
	p := &Pool{
		allocations: map[string]Allocation{},
		sweepStop:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
	go p.sweep(interval)
	return p
}

// Close stops the background sweeper. Outstanding allocations are left
// untouched.
func (p *Pool) Close() {
	close(p.sweepStop)
	<-p.sweepDone
}

// Reserve allocates deviceName for a new client, returning a freshly minted
// session token as the client id. If ttl is non-zero, the allocation is
// released automatically by the sweeper once it expires. Fails with
// PortUnavailable if deviceName is already allocated to a different,
// unexpired client.
func (p *Pool) Reserve(deviceName string, ttl time.Duration) (string, error) {
	clientID := uuid.NewString()
	if err := p.reserveAs(deviceName, clientID, ttl); err != nil {
		return "", err
	}
	return clientID, nil
}

// ReserveAs is Reserve with a caller-supplied client id, for callers that
// already have a session identity (e.g. the orchestrator reusing a UUT's
// session token across its Start/Test/Stop phases).
func (p *Pool) ReserveAs(deviceName, clientID string, ttl time.Duration) error {
	return p.reserveAs(deviceName, clientID, ttl)
}

func (p *Pool) reserveAs(deviceName, clientID string, ttl time.Duration) error {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserveLocked(deviceName, clientID, ttl, now)
}

func (p *Pool) reserveLocked(deviceName, clientID string, ttl time.Duration, now time.Time) error {
	if existing, ok := p.allocations[deviceName]; ok && !existing.expired(now) && existing.ClientID != clientID {
		return bibserr.New(bibserr.PortUnavailable, "pool.Reserve",
			"port "+deviceName+" already allocated to another client", nil)
	}

	a := Allocation{DeviceName: deviceName, ClientID: clientID, AcquiredAt: now}
	if ttl > 0 {
		a.ExpiresAt = now.Add(ttl)
	}
	p.allocations[deviceName] = a
	return nil
}

// Criteria reports whether a discovered port is a suitable candidate for
// allocation.
type Criteria func(discovery.SerialPortDescriptor) bool

// Allocate scans candidates in order and reserves the first one that passes
// criteria and is not already held by a different, unexpired client,
// returning its OS device name. candidates is normally the flattened
// Members of the discovery.DeviceGroup(s) a BIB's ports are expected to
// live on; Allocate never re-enumerates hardware itself. Fails with
// PortUnavailable if no candidate qualifies.
func (p *Pool) Allocate(candidates []discovery.SerialPortDescriptor, criteria Criteria, clientID string, ttl time.Duration) (string, error) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range candidates {
		if criteria != nil && !criteria(d) {
			continue
		}
		if existing, ok := p.allocations[d.Name]; ok && !existing.expired(now) && existing.ClientID != clientID {
			continue
		}
		if err := p.reserveLocked(d.Name, clientID, ttl, now); err != nil {
			continue
		}
		return d.Name, nil
	}
	return "", bibserr.New(bibserr.PortUnavailable, "pool.Allocate", "no candidate port is both eligible and free", nil)
}

// Release frees deviceName if it is currently held by clientID. Releasing a
// device not held by clientID (including one already released) is a no-op,
// so a defer'd Release is always safe to call.
func (p *Pool) Release(deviceName, clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.allocations[deviceName]; ok && a.ClientID == clientID {
		delete(p.allocations, deviceName)
	}
}

// ReleaseAllForClient releases every allocation held by clientID, used when
// a UUT workflow session ends (normally, on cancellation, or on crash
// recovery).
func (p *Pool) ReleaseAllForClient(clientID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k, a := range p.allocations {
		if a.ClientID == clientID {
			delete(p.allocations, k)
			n++
		}
	}
	return n
}

// IsAllocated reports whether deviceName is currently held by an unexpired
// client.
func (p *Pool) IsAllocated(deviceName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.allocations[deviceName]
	return ok && !a.expired(time.Now())
}

// GetAllocation returns the current allocation for deviceName, if any.
func (p *Pool) GetAllocation(deviceName string) (Allocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.allocations[deviceName]
	if !ok || a.expired(time.Now()) {
		return Allocation{}, false
	}
	return a, true
}

// Statistics summarizes current pool occupancy.
type Statistics struct {
	TotalAllocated int
	ByClient       map[string]int
}

// Statistics returns a snapshot of current allocations, not a live view.
func (p *Pool) Statistics() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	s := Statistics{ByClient: map[string]int{}}
	for _, a := range p.allocations {
		if a.expired(now) {
			continue
		}
		s.TotalAllocated++
		s.ByClient[a.ClientID]++
	}
	return s
}

func (p *Pool) sweep(interval time.Duration) {
	defer close(p.sweepDone)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.sweepStop:
			return
		case now := <-t.C:
			p.mu.Lock()
			for k, a := range p.allocations {
				if a.expired(now) {
					delete(p.allocations, k)
				}
			}
			p.mu.Unlock()
		}
	}
}
