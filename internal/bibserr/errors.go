// Package bibserr defines the closed set of error kinds that cross component
// boundaries in bibrunner. Every adapter that talks to the OS, a native
// driver, or a file on disk converts whatever it receives into one of these
// before returning it to a caller in another component.
package bibserr

import "fmt"

// Kind identifies one of the error categories named in the error taxonomy.
type Kind string

// The closed set of error kinds. Callers type-switch or compare against
// these; no component returns a raw underlying-library error.
const (
	ConfigNotFound     Kind = "ConfigNotFound"
	ConfigParseError   Kind = "ConfigParseError"
	ConfigInvalid      Kind = "ConfigInvalid"
	EepromUnavailable  Kind = "EepromUnavailable"
	BibUnresolved      Kind = "BibUnresolved"
	PortUnavailable    Kind = "PortUnavailable"
	ProtocolOpenError  Kind = "ProtocolOpenError"
	CommandTimeout     Kind = "CommandTimeout"
	ValidationFailed   Kind = "ValidationFailed"
	ValidationCritical Kind = "ValidationCritical"
	Cancelled          Kind = "Cancelled"
	LoggingUnavailable Kind = "LoggingUnavailable"
)

// Error is the single error type returned at every public component
// boundary. It never embeds the underlying library's own error type in a
// way callers must unwrap to act on; Kind is always enough to decide policy.
type Error struct {
	Kind Kind
	Op   string // short operation name, e.g. "readEeprom", "loadBib"
	Msg  string
	Err  error // optional wrapped cause, kept for logging only
}

func (e *Error) Error() string {
	if e.Msg == "" {
		if e.Err != nil {
			return fmt.Sprintf("bibrunner: %s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("bibrunner: %s: %s", e.Op, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("bibrunner: %s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("bibrunner: %s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error. err may be nil.
func New(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
