package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/periph-extra/bibrunner/internal/config"
	"github.com/periph-extra/bibrunner/internal/trigger"
)

// PortAssigner resolves a UUT's configured ports to the OS device names
// serving them, normally by matching discovered hardware against bib.ID.
// Supervisor calls it fresh on every Launch, so a hot-reloaded BIB picks up
// whatever hardware is attached at the time it (re)starts.
type PortAssigner func(bib *config.BibConfiguration, uut config.UutConfiguration) []PortAssignment

// ProviderFactory builds the trigger provider a BIB's task set runs against
// (a real GPIO-backed provider or a simulated one), called once per Launch.
type ProviderFactory func(bib *config.BibConfiguration) (trigger.Provider, error)

// bibTaskSet is the set of running UUT goroutines for one BIB, cancellable
// as a unit.
type bibTaskSet struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Supervisor owns the currently-running task set for every BIB the service
// is driving, and is the thing that actually implements hot-add/hot-change/
// hot-remove: Launch starts a BIB's UUTs, Terminate stops them, and Replace
// does both in sequence for a reloaded configuration. One Supervisor is
// shared by the initial startup pass and every subsequent watcher event.
type Supervisor struct {
	Orch     *Orchestrator
	Assign   PortAssigner
	Provider ProviderFactory
	Mode     Mode
	Interval time.Duration
	Log      *logrus.Entry

	mu    sync.Mutex
	tasks map[string]*bibTaskSet // bib.ID -> running task set
}

// NewSupervisor returns a Supervisor driving orch's UUTs, resolving ports
// via assign and trigger providers via newProvider.
func NewSupervisor(orch *Orchestrator, assign PortAssigner, newProvider ProviderFactory, mode Mode, interval time.Duration, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		Orch:     orch,
		Assign:   assign,
		Provider: newProvider,
		Mode:     mode,
		Interval: interval,
		Log:      log,
		tasks:    map[string]*bibTaskSet{},
	}
}

// Launch starts a task set for bib, one goroutine per UUT, derived from
// parent. Any task set already running for bib.ID is terminated first, so
// Launch doubles as "start or restart". It does not block on the UUTs
// finishing.
func (s *Supervisor) Launch(parent context.Context, bib *config.BibConfiguration) error {
	s.Terminate(bib.ID)

	prov, err := s.Provider(bib)
	if err != nil {
		s.Log.WithError(err).WithField("bib", bib.ID).Error("failed to initialize trigger provider")
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	ts := &bibTaskSet{cancel: cancel}

	s.mu.Lock()
	s.tasks[bib.ID] = ts
	s.mu.Unlock()

	for _, uut := range bib.Uuts {
		uut := uut
		assignments := s.Assign(bib, uut)
		ts.wg.Add(1)
		go func() {
			defer ts.wg.Done()
			result := s.Orch.RunUUT(ctx, bib, uut, assignments, prov, s.Mode, s.Interval)
			s.Log.WithFields(logrus.Fields{
				"bib": bib.ID, "uut": uut.ID, "final_state": result.FinalState, "iterations": result.Iterations,
			}).Info("UUT workflow finished")
		}()
	}
	return nil
}

// Terminate cancels and waits out the running task set for bibID, if any.
// Safe to call when bibID has no running task set.
func (s *Supervisor) Terminate(bibID string) {
	s.mu.Lock()
	ts, ok := s.tasks[bibID]
	if ok {
		delete(s.tasks, bibID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	ts.cancel()
	ts.wg.Wait()
}

// Replace terminates bib's current task set, if any, and starts a new one
// from the freshly reloaded configuration. This is the hot-reload path:
// BibDiscovered and BibChanged both funnel into Replace.
func (s *Supervisor) Replace(parent context.Context, bib *config.BibConfiguration) error {
	return s.Launch(parent, bib)
}

// Running reports the BIB ids with a currently active task set.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		out = append(out, id)
	}
	return out
}

// Wait blocks until every task set tracked at the moment of the call has
// finished all of its UUT goroutines. Used at shutdown, after the root
// context driving every task set has been cancelled.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	sets := make([]*bibTaskSet, 0, len(s.tasks))
	for _, ts := range s.tasks {
		sets = append(sets, ts)
	}
	s.mu.Unlock()
	for _, ts := range sets {
		ts.wg.Wait()
	}
}
