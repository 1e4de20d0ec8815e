package protocol

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/periph-extra/bibrunner/internal/bibserr"
	"github.com/periph-extra/bibrunner/internal/config"
	"github.com/periph-extra/bibrunner/internal/validate"
)

// fakePort is a scripted serialPort: each Write is matched to the next
// queued response, so tests can drive SendCommand/ExecuteSequence without a
// real serial line, the same way protocol_test's sibling packages fake the
// driver-level I/O instead of the OS.
type fakePort struct {
	responses [][]byte
	idx       int
	writes    []string
	closed    bool
}

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (f *fakePort) Write(p []byte) (int, error) {
	f.writes = append(f.writes, string(p))
	return len(p), nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	if f.idx >= len(f.responses) {
		return 0, io.EOF
	}
	resp := f.responses[f.idx]
	f.idx++
	n := copy(p, resp)
	return n, nil
}

func (f *fakePort) Close() error { f.closed = true; return nil }

func TestSendCommandPassesOnFirstTry(t *testing.T) {
	fp := &fakePort{responses: [][]byte{[]byte("OK\r\n")}}
	s := &Session{port: fp, opts: validate.DefaultOptions()}
	cmd := config.ProtocolCommand{TX: "ATZ\r", PassPattern: "OK", Timeout: 50 * time.Millisecond}

	r, err := s.SendCommand(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if r.Level != validate.Pass {
		t.Fatalf("Level = %v, want Pass", r.Level)
	}
	if len(fp.writes) != 1 {
		t.Errorf("writes = %d, want 1 (no retry needed)", len(fp.writes))
	}
}

func TestSendCommandRetriesOnFailure(t *testing.T) {
	fp := &fakePort{responses: [][]byte{[]byte("ERR\r\n"), []byte("ERR\r\n"), []byte("OK\r\n")}}
	s := &Session{port: fp, opts: validate.DefaultOptions()}
	cmd := config.ProtocolCommand{TX: "ATZ\r", PassPattern: "OK", FailPattern: "ERR", Timeout: 50 * time.Millisecond, RetryCount: 2}

	r, err := s.SendCommand(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if r.Level != validate.Pass {
		t.Fatalf("Level = %v, want Pass after retries", r.Level)
	}
	if len(fp.writes) != 3 {
		t.Errorf("writes = %d, want 3", len(fp.writes))
	}
}

func TestSendCommandExhaustsRetriesAndReturnsLastResult(t *testing.T) {
	fp := &fakePort{responses: [][]byte{[]byte("ERR\r\n"), []byte("ERR\r\n")}}
	s := &Session{port: fp, opts: validate.DefaultOptions()}
	cmd := config.ProtocolCommand{TX: "ATZ\r", PassPattern: "OK", FailPattern: "ERR", Timeout: 50 * time.Millisecond, RetryCount: 1}

	r, err := s.SendCommand(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if r.Level != validate.Fail {
		t.Fatalf("Level = %v, want Fail", r.Level)
	}
	if len(fp.writes) != 2 {
		t.Errorf("writes = %d, want 2 (initial + 1 retry)", len(fp.writes))
	}
}

func TestSendCommandTimesOutOnNoResponse(t *testing.T) {
	fp := &fakePort{}
	s := &Session{port: fp, opts: validate.Options{ErrorMode: validate.TreatAsFailure}}
	cmd := config.ProtocolCommand{TX: "ATZ\r", PassPattern: "OK", Timeout: 10 * time.Millisecond}

	r, err := s.SendCommand(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if r.Level != validate.Fail {
		t.Fatalf("Level = %v, want Fail for unanswered command", r.Level)
	}
}

func TestExecuteSequenceStopsOnFailureByDefault(t *testing.T) {
	fp := &fakePort{responses: [][]byte{[]byte("OK\r\n"), []byte("ERR\r\n"), []byte("OK\r\n")}}
	s := &Session{port: fp, opts: validate.DefaultOptions()}
	seq := config.CommandSequence{
		Commands: []config.ProtocolCommand{
			{TX: "A", PassPattern: "OK", Timeout: 20 * time.Millisecond},
			{TX: "B", PassPattern: "OK", FailPattern: "ERR", Timeout: 20 * time.Millisecond},
			{TX: "C", PassPattern: "OK", Timeout: 20 * time.Millisecond},
		},
	}
	results, err := s.ExecuteSequence(seq)
	if !bibserr.Is(err, bibserr.ValidationFailed) {
		t.Fatalf("err = %v, want ValidationFailed", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2 (stopped after the FAIL)", len(results))
	}
}

func TestExecuteSequenceContinuesOnFailureWhenConfigured(t *testing.T) {
	fp := &fakePort{responses: [][]byte{[]byte("OK\r\n"), []byte("ERR\r\n"), []byte("OK\r\n")}}
	s := &Session{port: fp, opts: validate.DefaultOptions()}
	seq := config.CommandSequence{
		ContinueOnFailure: true,
		Commands: []config.ProtocolCommand{
			{TX: "A", PassPattern: "OK", Timeout: 20 * time.Millisecond},
			{TX: "B", PassPattern: "OK", FailPattern: "ERR", Timeout: 20 * time.Millisecond},
			{TX: "C", PassPattern: "OK", Timeout: 20 * time.Millisecond},
		},
	}
	results, err := s.ExecuteSequence(seq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3 (continued past the FAIL)", len(results))
	}
}

func TestExecuteSequenceHaltsImmediatelyOnCritical(t *testing.T) {
	fp := &fakePort{responses: [][]byte{[]byte("EMERGENCY\r\n"), []byte("OK\r\n")}}
	s := &Session{port: fp, opts: validate.DefaultOptions()}
	seq := config.CommandSequence{
		ContinueOnFailure: true, // even so, CRITICAL must still halt
		Commands: []config.ProtocolCommand{
			{TX: "A", PassPattern: "OK", CriticalPattern: "EMERGENCY", Timeout: 20 * time.Millisecond},
			{TX: "B", PassPattern: "OK", Timeout: 20 * time.Millisecond},
		},
	}
	results, err := s.ExecuteSequence(seq)
	if !bibserr.Is(err, bibserr.ValidationCritical) {
		t.Fatalf("err = %v, want ValidationCritical", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
}

func TestParseDataPattern(t *testing.T) {
	if _, _, _, err := parseDataPattern("n81"); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := parseDataPattern("bad"); err == nil {
		t.Fatal("expected error for unknown parity code")
	}
}

func TestTestConnectivityPropagatesWriteError(t *testing.T) {
	s := &Session{port: &erroringPort{err: errors.New("unplugged")}}
	if err := s.TestConnectivity(); !bibserr.Is(err, bibserr.ProtocolOpenError) {
		t.Fatalf("err = %v, want ProtocolOpenError", err)
	}
}

type erroringPort struct{ err error }

func (e *erroringPort) SetReadTimeout(time.Duration) error { return nil }
func (e *erroringPort) Write([]byte) (int, error)          { return 0, e.err }
func (e *erroringPort) Read([]byte) (int, error)            { return 0, e.err }
func (e *erroringPort) Close() error                         { return nil }
