// Package protocol drives the RS-232 command/response exchange against one
// UUT port: opening the serial line, sending each configured command,
// reading and classifying the response, retrying per the command's policy,
// and closing the line again. It is grounded on the same go.bug.st/serial
// API surface the rest of the retrieval pack's serial-transport code uses
// (Open/Mode/SetReadTimeout/Write/Read/Close), wrapped in the same small
// mockable-field "driver" shape as internal/discovery and internal/eeprom.
package protocol

import (
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/periph-extra/bibrunner/internal/bibserr"
	"github.com/periph-extra/bibrunner/internal/config"
	"github.com/periph-extra/bibrunner/internal/validate"
)

// serialPort is the subset of serial.Port that Session needs, narrowed so
// tests can supply an in-memory fake instead of opening a real line.
type serialPort interface {
	SetReadTimeout(t time.Duration) error
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

var openPort = func(name string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(name, mode)
}

// Session is one open RS-232 connection to a UUT port.
type Session struct {
	port serialPort
	cfg  config.PortConfiguration
	opts validate.Options
}

// OpenSession opens portName with the baud/data-pattern settings from cfg
// and returns a ready-to-use Session. portName is the OS device name
// resolved by internal/discovery (e.g. "/dev/ttyUSB0", "COM5").
func OpenSession(portName string, cfg config.PortConfiguration, opts validate.Options) (*Session, error) {
	dataBits, parity, stopBits, err := parseDataPattern(cfg.DataPattern)
	if err != nil {
		return nil, bibserr.New(bibserr.ProtocolOpenError, "protocol.OpenSession", "invalid data_pattern "+cfg.DataPattern, err)
	}
	mode := &serial.Mode{BaudRate: cfg.Baud, DataBits: dataBits, Parity: parity, StopBits: stopBits}

	p, err := openPort(portName, mode)
	if err != nil {
		return nil, bibserr.New(bibserr.ProtocolOpenError, "protocol.OpenSession", "opening "+portName, err)
	}
	if cfg.ReadTimeout > 0 {
		if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
			p.Close()
			return nil, bibserr.New(bibserr.ProtocolOpenError, "protocol.OpenSession", "setting read timeout on "+portName, err)
		}
	}
	return &Session{port: p, cfg: cfg, opts: opts}, nil
}

// NewSessionForTest builds a Session around an already-open port, letting
// callers outside this package (orchestrator's tests, mainly) exercise
// Session behaviour against a fake without opening a real serial line. port
// need only implement SetReadTimeout/Write/Read/Close; serialPort itself is
// unexported, but Go interface satisfaction is structural.
func NewSessionForTest(port interface {
	SetReadTimeout(time.Duration) error
	Write([]byte) (int, error)
	Read([]byte) (int, error)
	Close() error
}, cfg config.PortConfiguration, opts validate.Options) *Session {
	return &Session{port: port, cfg: cfg, opts: opts}
}

// Close releases the underlying serial line.
func (s *Session) Close() error {
	return s.port.Close()
}

// Config returns the port configuration this session was opened with.
func (s *Session) Config() config.PortConfiguration {
	return s.cfg
}

// TestConnectivity sends a single probe (an empty write) and reports whether
// the write succeeded. It reads nothing back, so it does not confirm that
// anything answers on the line.
func (s *Session) TestConnectivity() error {
	if _, err := s.port.Write(nil); err != nil {
		return bibserr.New(bibserr.ProtocolOpenError, "protocol.TestConnectivity", "write probe failed", err)
	}
	return nil
}

// ExecuteSequence runs every command in seq in order, stopping early if a
// command resolves to FAIL or CRITICAL and seq.ContinueOnFailure is false.
// It always returns the results gathered so far, even when it returns an
// error: a CRITICAL result is surfaced as both a Result and a
// ValidationCritical error, since CRITICAL always halts the workflow
// regardless of ContinueOnFailure.
func (s *Session) ExecuteSequence(seq config.CommandSequence) ([]validate.Result, error) {
	results := make([]validate.Result, 0, len(seq.Commands))
	for _, cmd := range seq.Commands {
		r, err := s.SendCommand(cmd)
		results = append(results, r)
		if err != nil {
			return results, err
		}
		if r.Level == validate.Critical {
			return results, bibserr.New(bibserr.ValidationCritical, "protocol.ExecuteSequence", "command raised CRITICAL", nil)
		}
		if !r.ShouldContinueWorkflow && !seq.ContinueOnFailure {
			return results, bibserr.New(bibserr.ValidationFailed, "protocol.ExecuteSequence", "command failed validation", nil)
		}
	}
	return results, nil
}

// SendCommand writes cmd.TX, reads the response, and classifies it,
// retrying up to cmd.RetryCount additional times (waiting cmd.RetryDelay
// between attempts) while the response classifies as anything other than
// PASS/WARN. The final attempt's classification is returned regardless of
// its level.
func (s *Session) SendCommand(cmd config.ProtocolCommand) (validate.Result, error) {
	var last validate.Result
	attempts := cmd.RetryCount + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && cmd.RetryDelay > 0 {
			time.Sleep(cmd.RetryDelay)
		}
		if _, err := s.port.Write([]byte(cmd.TX)); err != nil {
			return validate.Result{}, bibserr.New(bibserr.CommandTimeout, "protocol.SendCommand", "write failed for "+cmd.TX, err)
		}
		actual, timedOut := s.readResponse(cmd.Timeout)
		if timedOut {
			last = validate.ClassifyTimeout(cmd, s.opts, cmd.Timeout)
		} else {
			last = validate.Classify(actual, cmd, s.opts)
		}
		if last.Level == validate.Pass || last.Level == validate.Warn {
			return last, nil
		}
	}
	return last, nil
}

// readResponse reads one response from the port. go.bug.st/serial's
// SetReadTimeout arms a per-Read deadline rather than a streaming one, so a
// single Read call that returns zero bytes is exactly the timeout signal;
// re-arming the timeout per command lets each command carry its own
// cmd.Timeout even though the port itself only has one active setting.
func (s *Session) readResponse(timeout time.Duration) (string, bool) {
	if timeout > 0 {
		s.port.SetReadTimeout(timeout)
	}
	buf := make([]byte, 4096)
	n, err := s.port.Read(buf)
	if n == 0 || err != nil {
		return "", true
	}
	return strings.TrimRight(string(buf[:n]), "\r\n"), false
}

// parseDataPattern decodes a "n81"-style data pattern string (parity,
// data bits, stop bits) into go.bug.st/serial's Mode fields.
func parseDataPattern(pattern string) (dataBits int, parity serial.Parity, stopBits serial.StopBits, err error) {
	if len(pattern) != 3 {
		return 0, 0, 0, bibserr.New(bibserr.ConfigInvalid, "protocol.parseDataPattern", "expected 3 characters, got "+pattern, nil)
	}
	switch pattern[0] {
	case 'n':
		parity = serial.NoParity
	case 'e':
		parity = serial.EvenParity
	case 'o':
		parity = serial.OddParity
	case 'm':
		parity = serial.MarkParity
	case 's':
		parity = serial.SpaceParity
	default:
		return 0, 0, 0, bibserr.New(bibserr.ConfigInvalid, "protocol.parseDataPattern", "unknown parity "+string(pattern[0]), nil)
	}
	dataBits = int(pattern[1] - '0')
	switch pattern[2] {
	case '1':
		stopBits = serial.OneStopBit
	case '2':
		stopBits = serial.TwoStopBits
	case '5':
		stopBits = serial.OnePointFiveStopBits
	default:
		return 0, 0, 0, bibserr.New(bibserr.ConfigInvalid, "protocol.parseDataPattern", "unknown stop bits "+string(pattern[2]), nil)
	}
	return dataBits, parity, stopBits, nil
}
