// Package orchestrator drives one UUT at a time through its
// Start -> Test(loop) -> Stop workflow, coordinating the port reservation
// pool, the trigger provider, and the protocol sessions for every port the
// UUT declares. It is the composition root the rest of the service's
// components feed into: own the lifecycle, delegate the mechanics to the
// smaller packages underneath.
package orchestrator

import (
	"context"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/periph-extra/bibrunner/internal/bibserr"
	"github.com/periph-extra/bibrunner/internal/board"
	"github.com/periph-extra/bibrunner/internal/config"
	"github.com/periph-extra/bibrunner/internal/discovery"
	"github.com/periph-extra/bibrunner/internal/logging"
	"github.com/periph-extra/bibrunner/internal/pool"
	"github.com/periph-extra/bibrunner/internal/protocol"
	"github.com/periph-extra/bibrunner/internal/trigger"
	"github.com/periph-extra/bibrunner/internal/validate"
)

// State is one step of a UUT's workflow state machine.
type State string

const (
	Idle            State = "Idle"
	WaitingForStart State = "WaitingForStart"
	RunningStart    State = "RunningStart"
	InTestLoop      State = "InTestLoop"
	RunningStop     State = "RunningStop"
	Completed       State = "Completed"
	CriticalHalt    State = "CriticalHalt"
	Cancelled       State = "Cancelled"
	Failed          State = "Failed"
)

// Mode selects how the test-loop phase repeats.
type Mode string

const (
	// ModeSingle runs the test sequence exactly once per port.
	ModeSingle Mode = "single"
	// ModeContinuous re-runs the test sequence back-to-back until the
	// trigger provider asks to stop or ctx is cancelled.
	ModeContinuous Mode = "continuous"
	// ModeScheduled re-runs the test sequence on a fixed interval until the
	// trigger provider asks to stop or ctx is cancelled.
	ModeScheduled Mode = "scheduled"
	// ModeOnDemand runs the test sequence once per explicit Trigger() call;
	// RunUUT blocks waiting for either a trigger or cancellation.
	ModeOnDemand Mode = "ondemand"
)

// PortOpener opens a protocol session for a UUT port, resolved to its OS
// device name by the caller (normally via internal/discovery +
// internal/pool). Exists as an interface so orchestrator tests don't need a
// real serial line.
type PortOpener interface {
	OpenSession(portName string, cfg config.PortConfiguration, opts validate.Options) (*protocol.Session, error)
}

// stopTimerArmer and criticalRaiser are satisfied by trigger.SimulatedProvider
// but not trigger.RealProvider, whose stop/critical signals are driven by
// the bench itself rather than a wall-clock timer or an RNG. trigger.Provider
// stays implementable by both, so RunUUT reaches these through an optional
// type assertion instead of widening the shared interface.
type stopTimerArmer interface {
	ArmStopTimer(ctx context.Context)
}

type criticalRaiser interface {
	MaybeRaiseCritical()
}

type realPortOpener struct{}

func (realPortOpener) OpenSession(portName string, cfg config.PortConfiguration, opts validate.Options) (*protocol.Session, error) {
	return protocol.OpenSession(portName, cfg, opts)
}

// PortAssignment maps a configured port to the OS device name that serves
// it, resolved ahead of time by the caller.
type PortAssignment struct {
	Port       config.PortConfiguration
	DeviceName string
}

// RunResult summarizes one RunUUT invocation.
type RunResult struct {
	FinalState State
	Iterations int
	Err        error
}

// Orchestrator owns the shared pool and port opener used across every UUT
// run. One Orchestrator is shared by every concurrently running UUT task;
// the Pool itself provides the cross-task mutual exclusion.
type Orchestrator struct {
	Pool       *pool.Pool
	Logs       *logging.Router
	Board      *board.Board // optional console status board; nil disables it
	PortOpener PortOpener
	ValidateOpts validate.Options

	mu    sync.Mutex
	tasks map[string]*taskHandle // (bibID, uutID) -> handle
}

type taskHandle struct {
	cancel  context.CancelFunc
	trigger chan struct{} // ondemand mode trigger
	state   State
}

// New returns an Orchestrator backed by p, logging through logs, and opening
// real serial sessions.
func New(p *pool.Pool, logs *logging.Router) *Orchestrator {
	return &Orchestrator{
		Pool:         p,
		Logs:         logs,
		PortOpener:   realPortOpener{},
		ValidateOpts: validate.DefaultOptions(),
		tasks:        map[string]*taskHandle{},
	}
}

func taskKey(bibID, uutID string) string { return bibID + "/" + uutID }

// Trigger fires the next test-loop iteration for a UUT running in
// ModeOnDemand. No-op if the UUT is not currently running in that mode.
func (o *Orchestrator) Trigger(bibID, uutID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.tasks[taskKey(bibID, uutID)]; ok && h.trigger != nil {
		select {
		case h.trigger <- struct{}{}:
		default:
		}
	}
}

// Cancel stops a running UUT task, moving it to Cancelled once its current
// phase unwinds.
func (o *Orchestrator) Cancel(bibID, uutID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.tasks[taskKey(bibID, uutID)]; ok {
		h.cancel()
	}
}

// StateOf reports the last-known state of a running or completed UUT task.
func (o *Orchestrator) StateOf(bibID, uutID string) (State, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.tasks[taskKey(bibID, uutID)]
	if !ok {
		return "", false
	}
	return h.state, true
}

// RunUUT drives bib/uut through the full workflow state machine using
// assignments (one per uut.Ports entry) and prov as the trigger provider.
// It blocks until the workflow reaches a terminal state. Only one RunUUT
// per (bib.ID, uut.ID) may run at a time; a second concurrent call returns
// an error immediately.
func (o *Orchestrator) RunUUT(ctx context.Context, bib *config.BibConfiguration, uut config.UutConfiguration, assignments []PortAssignment, prov trigger.Provider, mode Mode, interval time.Duration) RunResult {
	key := taskKey(bib.ID, uut.ID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := &taskHandle{cancel: cancel, state: Idle}
	if mode == ModeOnDemand {
		h.trigger = make(chan struct{}, 1)
	}
	o.mu.Lock()
	if _, running := o.tasks[key]; running {
		o.mu.Unlock()
		return RunResult{FinalState: Failed, Err: bibserr.New(bibserr.Cancelled, "orchestrator.RunUUT", "UUT already running: "+key, nil)}
	}
	o.tasks[key] = h
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.tasks, key)
		o.mu.Unlock()
	}()

	clientID := key + ":" + fmt.Sprintf("%p", h)
	// The log router keeps only the first 8 characters of a session token,
	// so hash the client id into 8 hex digits that differ per run.
	log := o.entry(bib.ID, uut.ID, 0, fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(clientID))))
	sessions, err := o.reserveAndOpen(bib.ID, uut.ID, assignments, clientID, log)
	defer o.releasePorts(assignments, bib.ID, uut.ID, clientID)
	if err != nil {
		o.setState(h, Failed)
		log.WithError(err).Error("failed to reserve/open UUT ports")
		return RunResult{FinalState: Failed, Err: err}
	}
	defer closeSessions(sessions)

	o.setState(h, WaitingForStart)
	log.Info("waiting for start signal")
	if err := prov.WaitForStart(ctx); err != nil {
		o.setState(h, Cancelled)
		return RunResult{FinalState: Cancelled, Err: err}
	}
	if err := prov.SetWorkflowActive(true); err != nil {
		log.WithError(err).Warn("failed to set workflow-active indicator")
	}
	defer prov.SetWorkflowActive(false)

	o.setState(h, RunningStart)
	log.Info("running start sequence")
	startHalt := o.runPhase(bib.ID, uut.ID, sessions, func(p config.PortConfiguration) config.CommandSequence { return p.Start }, prov, log)
	if startHalt == CriticalHalt {
		o.setState(h, CriticalHalt)
		return RunResult{FinalState: CriticalHalt, Err: bibserr.New(bibserr.ValidationCritical, "orchestrator.RunUUT", "start sequence raised CRITICAL", nil)}
	}

	var iterations int
	var finalState State
	if startHalt == Failed {
		// A failed Start skips the test loop but still runs Stop.
		finalState = Failed
		err = bibserr.New(bibserr.ValidationFailed, "orchestrator.RunUUT", "start sequence failed", nil)
	} else {
		if armer, ok := prov.(stopTimerArmer); ok {
			armer.ArmStopTimer(ctx)
		}
		o.setState(h, InTestLoop)
		iterations, finalState, err = o.runTestLoop(ctx, bib.ID, uut.ID, sessions, prov, mode, interval, h, log)
	}

	o.setState(h, RunningStop)
	log.Info("running stop sequence")
	stopHalt := o.runPhase(bib.ID, uut.ID, sessions, func(p config.PortConfiguration) config.CommandSequence { return p.Stop }, prov, log)

	final := finalState
	if final == "" {
		final = Completed
	}
	if stopHalt != "" && final != CriticalHalt {
		final = stopHalt
	}
	o.setState(h, final)
	log.WithField("final_state", final).Info("workflow finished")
	if o.Logs != nil {
		if err := o.Logs.Summarize(bib.ID, uut.ID, string(final), iterations); err != nil {
			log.WithError(err).Warn("failed to write run summary")
		}
	}
	return RunResult{FinalState: final, Iterations: iterations, Err: err}
}

func (o *Orchestrator) reserveAndOpen(bibID, uutID string, assignments []PortAssignment, clientID string, log *logrus.Entry) ([]*protocol.Session, error) {
	sessions := make([]*protocol.Session, 0, len(assignments))
	for _, a := range assignments {
		// Exactly one OS device is eligible for a statically-assigned
		// PortAssignment; Allocate still runs its scan-and-reserve path
		// rather than writing straight into the map, so the same
		// contention check protects dynamically-resolved assignments too.
		candidate := discovery.SerialPortDescriptor{Name: a.DeviceName}
		isThisPort := func(d discovery.SerialPortDescriptor) bool { return d.Name == a.DeviceName }
		if _, err := o.Pool.Allocate([]discovery.SerialPortDescriptor{candidate}, isThisPort, clientID, 0); err != nil {
			return sessions, err
		}
		s, err := o.PortOpener.OpenSession(a.DeviceName, a.Port, o.ValidateOpts)
		if err != nil {
			return sessions, err
		}
		sessions = append(sessions, s)
		log.WithField("port", a.Port.Number).Info("port opened")
	}
	return sessions, nil
}

func (o *Orchestrator) releasePorts(assignments []PortAssignment, bibID, uutID, clientID string) {
	for _, a := range assignments {
		o.Pool.Release(a.DeviceName, clientID)
	}
}

func closeSessions(sessions []*protocol.Session) {
	for _, s := range sessions {
		s.Close()
	}
}

// runPhase runs seqFor(port) against every session. Returns CriticalHalt if
// any port's sequence raised CRITICAL, Failed if any port's sequence failed
// validation without ContinueOnFailure, or "" if every port's sequence
// completed normally.
func (o *Orchestrator) runPhase(bibID, uutID string, sessions []*protocol.Session, seqFor func(config.PortConfiguration) config.CommandSequence, prov trigger.Provider, log *logrus.Entry) State {
	halt := State("")
	for _, s := range sessions {
		seq := seqFor(s.Config())
		results, err := s.ExecuteSequence(seq)
		for _, r := range results {
			log.WithFields(logrus.Fields{"port": s.Config().Number, "level": r.Level}).Debug("command result")
		}
		if o.Board != nil && len(results) > 0 {
			cell := board.Cell{BibID: bibID, UutID: uutID, Port: s.Config().Number}
			o.Board.Update(cell, results[len(results)-1].Level)
		}
		if err == nil {
			continue
		}
		if bibserr.Is(err, bibserr.ValidationCritical) {
			prov.AssertCritical()
			log.WithError(err).Error("CRITICAL result, halting workflow")
			return CriticalHalt
		}
		log.WithError(err).Warn("sequence failed")
		halt = Failed
	}
	return halt
}

// runTestLoop repeats the Test sequence per mode until the provider asks to
// stop, a CRITICAL is raised, or ctx is cancelled.
func (o *Orchestrator) runTestLoop(ctx context.Context, bibID, uutID string, sessions []*protocol.Session, prov trigger.Provider, mode Mode, interval time.Duration, h *taskHandle, log *logrus.Entry) (int, State, error) {
	iterations := 0
	criticalRaiser, _ := prov.(criticalRaiser)
	runOnce := func() State {
		iterations++
		if criticalRaiser != nil {
			criticalRaiser.MaybeRaiseCritical()
		}
		return o.runPhase(bibID, uutID, sessions, func(p config.PortConfiguration) config.CommandSequence { return p.Test }, prov, log)
	}

	switch mode {
	case ModeSingle:
		if halt := runOnce(); halt != "" {
			return iterations, halt, nil
		}
		return iterations, "", nil

	case ModeOnDemand:
		for {
			select {
			case <-ctx.Done():
				return iterations, Cancelled, ctx.Err()
			case <-prov.OnCriticalRaised():
				prov.AssertCritical()
				return iterations, CriticalHalt, nil
			case <-h.trigger:
				if halt := runOnce(); halt == CriticalHalt {
					return iterations, halt, nil
				}
				if prov.ShouldStop() {
					return iterations, "", nil
				}
			}
		}

	default: // ModeContinuous, ModeScheduled
		wait := interval
		if mode == ModeContinuous {
			wait = 0
		}
		for {
			if prov.ShouldStop() {
				return iterations, "", nil
			}
			if halt := runOnce(); halt == CriticalHalt {
				return iterations, halt, nil
			}
			select {
			case <-ctx.Done():
				return iterations, Cancelled, ctx.Err()
			case <-prov.OnCriticalRaised():
				prov.AssertCritical()
				return iterations, CriticalHalt, nil
			default:
			}
			if wait > 0 {
				select {
				case <-ctx.Done():
					return iterations, Cancelled, ctx.Err()
				case <-time.After(wait):
				}
			}
		}
	}
}

func (o *Orchestrator) setState(h *taskHandle, s State) {
	o.mu.Lock()
	h.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) entry(bibID, uutID string, port int, session string) *logrus.Entry {
	if o.Logs == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	e, err := o.Logs.For(bibID, uutID, port, session)
	if err != nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return e
}
