package trigger

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/periph-extra/bibrunner/internal/bibserr"
	"github.com/periph-extra/bibrunner/internal/config"
)

// SimulatedProvider stands in for a physical bench when no HardwareSimulation
// element is wired to real GPIO, driven entirely by a
// config.HardwareSimulationConfig: a deterministic, seedable stand-in so CI
// and demos can run without FTDI hardware attached.
type SimulatedProvider struct {
	cfg  config.HardwareSimulationConfig
	rng  *rand.Rand
	clk  clock

	mu        sync.Mutex
	asserted  bool
	stopAsked bool
	criticalC chan struct{}
	closeOnce sync.Once
}

// NewSimulatedProvider builds a provider from cfg. If cfg.Seed is nil, the
// RNG is seeded from the current time, so repeated runs are not identical;
// a set seed reproduces exactly.
func NewSimulatedProvider(cfg config.HardwareSimulationConfig) *SimulatedProvider {
	seed := time.Now().UnixNano()
	if cfg.Seed != nil {
		seed = *cfg.Seed
	}
	return &SimulatedProvider{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(seed)),
		clk:       realClock{},
		criticalC: make(chan struct{}, 1),
	}
}

func (p *SimulatedProvider) WaitForStart(ctx context.Context) error {
	d := p.jittered(p.scaled(p.cfg.StartDelay))
	select {
	case <-ctx.Done():
		return bibserr.New(bibserr.Cancelled, "trigger.WaitForStart", "cancelled waiting for simulated start", ctx.Err())
	case <-p.clk.After(d):
		return nil
	}
}

// ShouldStop reports true once StopDelay (scaled and jittered) has elapsed
// since ArmStopTimer was called, or if the operator-style abort was
// requested via RequestStop. A nil StopDelay means "run until cancelled".
func (p *SimulatedProvider) ShouldStop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopAsked
}

// RequestStop simulates the bench asking a running workflow to stop early.
func (p *SimulatedProvider) RequestStop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopAsked = true
}

// ArmStopTimer starts a goroutine that calls RequestStop once StopDelay
// elapses, if one is configured. ctx cancellation stops the timer cleanly.
func (p *SimulatedProvider) ArmStopTimer(ctx context.Context) {
	if p.cfg.StopDelay == nil {
		return
	}
	d := p.jittered(p.scaled(*p.cfg.StopDelay))
	go func() {
		select {
		case <-ctx.Done():
		case <-p.clk.After(d):
			p.RequestStop()
		}
	}()
}

func (p *SimulatedProvider) OnCriticalRaised() <-chan struct{} {
	return p.criticalC
}

// MaybeRaiseCritical probabilistically raises a bench-originated CRITICAL
// condition, per cfg.CriticalProbability, each time it is called; at most
// one raised signal is held pending on OnCriticalRaised at a time.
// Orchestrator code calls this once per test iteration.
func (p *SimulatedProvider) MaybeRaiseCritical() {
	if !p.cfg.CriticalEnabled || p.cfg.CriticalProbability <= 0 {
		return
	}
	if p.rng.Float64() >= p.cfg.CriticalProbability {
		return
	}
	select {
	case p.criticalC <- struct{}{}:
	default:
	}
}

func (p *SimulatedProvider) AssertCritical() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asserted = true
	return nil
}

func (p *SimulatedProvider) ClearCritical() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asserted = false
	return nil
}

// Asserted reports the current latched CRITICAL state, for tests.
func (p *SimulatedProvider) Asserted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.asserted
}

func (p *SimulatedProvider) SetWorkflowActive(active bool) error {
	return nil
}

func (p *SimulatedProvider) Close() error {
	p.closeOnce.Do(func() { close(p.criticalC) })
	return nil
}

func (p *SimulatedProvider) scaled(d time.Duration) time.Duration {
	mult := p.cfg.SpeedMultiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(d) / mult)
}

func (p *SimulatedProvider) jittered(d time.Duration) time.Duration {
	if p.cfg.DelayJitter <= 0 {
		return d
	}
	j := time.Duration(p.rng.Int63n(int64(p.cfg.DelayJitter)*2+1)) - p.cfg.DelayJitter
	out := d + j
	if out < 0 {
		return 0
	}
	return out
}
