package trigger

import (
	"context"
	"sync"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"

	"github.com/periph-extra/bibrunner/internal/bibserr"
	"github.com/periph-extra/bibrunner/internal/config"
)

// pollInterval is how often RealProvider polls its input pins. periph's
// gpio.PinIn.WaitForEdge is not implemented by every backend, so
// RealProvider polls rather than depending on edge support being present.
const pollInterval = 20 * time.Millisecond

// RealProvider drives physical GPIO pins resolved by name through periph's
// gpioreg registry.
type RealProvider struct {
	start          gpio.PinIn
	stop           gpio.PinIn
	critical       gpio.PinOut
	workflowActive gpio.PinOut

	mu        sync.Mutex
	asserted  bool
	criticalC chan struct{}
	closeOnce sync.Once
}

// NewRealProvider resolves cfg's pin names against gpioreg. A pin name left
// empty is treated as "not wired": WaitForStart returns immediately,
// ShouldStop always reports false, and AssertCritical/ClearCritical are
// no-ops for that signal — so a BIB can wire only the signals its bench
// actually has.
func NewRealProvider(cfg *config.GpioConfig) (*RealProvider, error) {
	p := &RealProvider{criticalC: make(chan struct{})}
	if cfg == nil {
		return p, nil
	}
	if cfg.StartPin != "" {
		pin := gpioreg.ByName(cfg.StartPin)
		if pin == nil {
			return nil, bibserr.New(bibserr.ProtocolOpenError, "trigger.NewRealProvider", "unknown start pin "+cfg.StartPin, nil)
		}
		if err := pin.In(gpio.PullDown, gpio.NoEdge); err != nil {
			return nil, bibserr.New(bibserr.ProtocolOpenError, "trigger.NewRealProvider", "configuring start pin", err)
		}
		p.start = pin
	}
	if cfg.StopPin != "" {
		pin := gpioreg.ByName(cfg.StopPin)
		if pin == nil {
			return nil, bibserr.New(bibserr.ProtocolOpenError, "trigger.NewRealProvider", "unknown stop pin "+cfg.StopPin, nil)
		}
		if err := pin.In(gpio.PullDown, gpio.NoEdge); err != nil {
			return nil, bibserr.New(bibserr.ProtocolOpenError, "trigger.NewRealProvider", "configuring stop pin", err)
		}
		p.stop = pin
	}
	if cfg.CriticalPin != "" {
		pin := gpioreg.ByName(cfg.CriticalPin)
		if pin == nil {
			return nil, bibserr.New(bibserr.ProtocolOpenError, "trigger.NewRealProvider", "unknown critical pin "+cfg.CriticalPin, nil)
		}
		if err := pin.Out(gpio.Low); err != nil {
			return nil, bibserr.New(bibserr.ProtocolOpenError, "trigger.NewRealProvider", "configuring critical pin", err)
		}
		p.critical = pin
	}
	if cfg.WorkflowActivePin != "" {
		pin := gpioreg.ByName(cfg.WorkflowActivePin)
		if pin == nil {
			return nil, bibserr.New(bibserr.ProtocolOpenError, "trigger.NewRealProvider", "unknown workflow-active pin "+cfg.WorkflowActivePin, nil)
		}
		if err := pin.Out(gpio.Low); err != nil {
			return nil, bibserr.New(bibserr.ProtocolOpenError, "trigger.NewRealProvider", "configuring workflow-active pin", err)
		}
		p.workflowActive = pin
	}
	return p, nil
}

func (p *RealProvider) WaitForStart(ctx context.Context) error {
	if p.start == nil {
		return nil
	}
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		if p.start.Read() == gpio.High {
			return nil
		}
		select {
		case <-ctx.Done():
			return bibserr.New(bibserr.Cancelled, "trigger.WaitForStart", "cancelled waiting for start signal", ctx.Err())
		case <-t.C:
		}
	}
}

func (p *RealProvider) ShouldStop() bool {
	if p.stop == nil {
		return false
	}
	return p.stop.Read() == gpio.High
}

func (p *RealProvider) OnCriticalRaised() <-chan struct{} {
	return p.criticalC
}

func (p *RealProvider) AssertCritical() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.asserted {
		return nil
	}
	p.asserted = true
	if p.critical == nil {
		return nil
	}
	return p.critical.Out(gpio.High)
}

func (p *RealProvider) ClearCritical() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.asserted {
		return nil
	}
	p.asserted = false
	if p.critical == nil {
		return nil
	}
	return p.critical.Out(gpio.Low)
}

func (p *RealProvider) SetWorkflowActive(active bool) error {
	if p.workflowActive == nil {
		return nil
	}
	if active {
		return p.workflowActive.Out(gpio.High)
	}
	return p.workflowActive.Out(gpio.Low)
}

func (p *RealProvider) Close() error {
	p.closeOnce.Do(func() { close(p.criticalC) })
	return nil
}
