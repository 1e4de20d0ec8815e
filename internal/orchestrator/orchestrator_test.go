package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/periph-extra/bibrunner/internal/config"
	"github.com/periph-extra/bibrunner/internal/pool"
	"github.com/periph-extra/bibrunner/internal/protocol"
	"github.com/periph-extra/bibrunner/internal/validate"
)

// scriptedPort answers every Write with the next queued canned response,
// looping back to the first once exhausted so long-running loop modes never
// starve.
type scriptedPort struct {
	responses [][]byte
	idx       int
}

func (p *scriptedPort) SetReadTimeout(time.Duration) error { return nil }
func (p *scriptedPort) Write([]byte) (int, error)          { return 0, nil }
func (p *scriptedPort) Read(buf []byte) (int, error) {
	if len(p.responses) == 0 {
		return 0, nil
	}
	r := p.responses[p.idx%len(p.responses)]
	p.idx++
	return copy(buf, r), nil
}
func (p *scriptedPort) Close() error { return nil }

type fakeOpener struct {
	responses [][]byte
}

func (f fakeOpener) OpenSession(portName string, cfg config.PortConfiguration, opts validate.Options) (*protocol.Session, error) {
	return protocol.NewSessionForTest(&scriptedPort{responses: f.responses}, cfg, opts), nil
}

type fakeProvider struct {
	startErr  error
	shouldStop bool
	criticalC chan struct{}
}

func newFakeProvider() *fakeProvider { return &fakeProvider{criticalC: make(chan struct{})} }

func (f *fakeProvider) WaitForStart(ctx context.Context) error  { return f.startErr }
func (f *fakeProvider) ShouldStop() bool                        { return f.shouldStop }
func (f *fakeProvider) OnCriticalRaised() <-chan struct{}       { return f.criticalC }
func (f *fakeProvider) AssertCritical() error                   { return nil }
func (f *fakeProvider) ClearCritical() error                    { return nil }
func (f *fakeProvider) SetWorkflowActive(active bool) error     { return nil }
func (f *fakeProvider) Close() error                            { return nil }

func demoUut() config.UutConfiguration {
	okSeq := config.CommandSequence{Commands: []config.ProtocolCommand{{TX: "X", PassPattern: "OK", Timeout: 20 * time.Millisecond}}}
	return config.UutConfiguration{
		ID: "uut1",
		Ports: []config.PortConfiguration{
			{Number: 1, Start: okSeq, Test: okSeq, Stop: okSeq},
		},
	}
}

func newTestOrchestrator(responses [][]byte) *Orchestrator {
	p := pool.New(10 * time.Millisecond)
	o := New(p, nil)
	o.PortOpener = fakeOpener{responses: responses}
	return o
}

func TestRunUUTSingleModeCompletes(t *testing.T) {
	o := newTestOrchestrator([][]byte{[]byte("OK\r\n")})
	bib := &config.BibConfiguration{ID: "demo"}
	uut := demoUut()
	prov := newFakeProvider()

	result := o.RunUUT(context.Background(), bib, uut, []PortAssignment{{Port: uut.Ports[0], DeviceName: "/dev/fake0"}}, prov, ModeSingle, 0)
	if result.FinalState != Completed {
		t.Fatalf("FinalState = %v, err = %v, want Completed", result.FinalState, result.Err)
	}
	if result.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", result.Iterations)
	}
}

func TestRunUUTRejectsConcurrentRunsOfSameUUT(t *testing.T) {
	o := newTestOrchestrator([][]byte{[]byte("OK\r\n")})
	bib := &config.BibConfiguration{ID: "demo"}
	uut := demoUut()

	blocker := &fakeProvider{criticalC: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan RunResult, 1)
	go func() {
		done <- o.RunUUT(ctx, bib, uut, []PortAssignment{{Port: uut.Ports[0], DeviceName: "/dev/fake0"}}, blocker, ModeOnDemand, 0)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := o.StateOf("demo", "uut1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first run never registered")
		}
		time.Sleep(2 * time.Millisecond)
	}

	second := o.RunUUT(context.Background(), bib, uut, nil, newFakeProvider(), ModeSingle, 0)
	if second.FinalState != Failed {
		t.Fatalf("FinalState = %v, want Failed for concurrent run", second.FinalState)
	}

	cancel()
	<-done
}

func TestRunUUTCriticalDuringStartHalts(t *testing.T) {
	o := newTestOrchestrator([][]byte{[]byte("EMERGENCY\r\n")})
	bib := &config.BibConfiguration{ID: "demo"}
	uut := demoUut()
	uut.Ports[0].Start.Commands[0].CriticalPattern = "EMERGENCY"
	prov := newFakeProvider()

	result := o.RunUUT(context.Background(), bib, uut, []PortAssignment{{Port: uut.Ports[0], DeviceName: "/dev/fake0"}}, prov, ModeSingle, 0)
	if result.FinalState != CriticalHalt {
		t.Fatalf("FinalState = %v, want CriticalHalt", result.FinalState)
	}
}

func TestRunUUTOnDemandTriggersOnExplicitCall(t *testing.T) {
	o := newTestOrchestrator([][]byte{[]byte("OK\r\n")})
	bib := &config.BibConfiguration{ID: "demo"}
	uut := demoUut()
	prov := newFakeProvider()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan RunResult, 1)
	go func() {
		done <- o.RunUUT(ctx, bib, uut, []PortAssignment{{Port: uut.Ports[0], DeviceName: "/dev/fake0"}}, prov, ModeOnDemand, 0)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if s, ok := o.StateOf("demo", "uut1"); ok && s == InTestLoop {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("never reached InTestLoop")
		}
		time.Sleep(2 * time.Millisecond)
	}

	o.Trigger("demo", "uut1")
	time.Sleep(20 * time.Millisecond)
	cancel()
	result := <-done
	if result.Iterations < 1 {
		t.Errorf("Iterations = %d, want at least 1 after Trigger", result.Iterations)
	}
	if result.FinalState != Cancelled {
		t.Errorf("FinalState = %v, want Cancelled after ctx cancel", result.FinalState)
	}
}

func TestRunUUTWaitForStartFailurePropagates(t *testing.T) {
	o := newTestOrchestrator(nil)
	bib := &config.BibConfiguration{ID: "demo"}
	uut := demoUut()
	prov := &fakeProvider{criticalC: make(chan struct{}), startErr: context.Canceled}

	result := o.RunUUT(context.Background(), bib, uut, []PortAssignment{{Port: uut.Ports[0], DeviceName: "/dev/fake0"}}, prov, ModeSingle, 0)
	if result.FinalState != Cancelled {
		t.Fatalf("FinalState = %v, want Cancelled", result.FinalState)
	}
}
