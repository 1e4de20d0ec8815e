// Package trigger provides the start/stop/critical signalling contract
// between a UUT workflow and its physical (or simulated) test bench. The
// underlying source of these signals can be a real periph.io GPIO header or
// a HardwareSimulationConfig-driven timer, and callers never need to know
// which.
package trigger

import (
	"context"
	"time"
)

// Provider is the logical GPIO contract a UUT workflow drives. Every method
// is safe to call concurrently with the others for different UUTs, and
// implementations must honor ctx cancellation promptly.
type Provider interface {
	// WaitForStart blocks until the bench signals the UUT should begin, or
	// ctx is cancelled.
	WaitForStart(ctx context.Context) error

	// ShouldStop reports whether the bench has asked the running workflow to
	// stop early (e.g. an operator-requested abort), without blocking.
	ShouldStop() bool

	// OnCriticalRaised returns a channel that receives once if the bench
	// itself raises a CRITICAL condition (as opposed to one discovered by
	// response validation). The channel is closed when the provider is
	// closed.
	OnCriticalRaised() <-chan struct{}

	// AssertCritical drives the provider's CRITICAL output active, so any
	// downstream safety hardware latches. Idempotent.
	AssertCritical() error

	// ClearCritical releases the CRITICAL output. Safe to call even if it
	// was never asserted.
	ClearCritical() error

	// SetWorkflowActive reports whether a workflow is currently running on
	// this provider's UUT, used to drive a status indicator.
	SetWorkflowActive(active bool) error

	// Close releases any underlying hardware resources.
	Close() error
}

// clock abstracts time.Now/time.After so simulated.go can be driven
// deterministically from tests.
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                     { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
