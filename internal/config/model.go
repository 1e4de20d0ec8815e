// Package config loads the declarative BIB/UUT/PORT configuration model from
// per-BIB XML files, validates it, and exposes lookup methods. Decoding
// favors a small, explicit, hand-written mapper per element over a generic
// reflection-driven framework.
package config

import "time"

// BibConfiguration is a Board-In-Board: one XML file, one BIB.
type BibConfiguration struct {
	ID                string
	Description        string
	HardwareSimulation *HardwareSimulationConfig
	Gpio               *GpioConfig
	Uuts               []UutConfiguration
	Metadata           map[string]string

	// SourcePath is the file this configuration was loaded from. Not part of
	// the XML itself.
	SourcePath string
}

// UutConfiguration is a unit under test within a BIB.
type UutConfiguration struct {
	ID          string
	Description string
	Ports       []PortConfiguration
}

// PortConfiguration is one logical RS-232 port slot within a UUT.
type PortConfiguration struct {
	Number       int
	Protocol     string
	Baud         int
	DataPattern  string // e.g. "n81"
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Start        CommandSequence
	Test         CommandSequence
	Stop         CommandSequence
	Extra        map[string]string
}

// CommandSequence is an ordered list of commands plus sequence-level policy.
type CommandSequence struct {
	Commands          []ProtocolCommand
	Timeout           time.Duration
	ContinueOnFailure bool
}

// ProtocolCommand is one outbound command and its expected-response patterns.
type ProtocolCommand struct {
	TX string // outbound bytes, after escape-sequence expansion

	PassPattern     string
	WarnPattern     string
	FailPattern     string
	CriticalPattern string
	Regex           bool

	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
}

// HardwareSimulationConfig enables a virtual GPIO trigger provider for a BIB.
type HardwareSimulationConfig struct {
	Enabled bool
	Mode    string

	StartDelay time.Duration
	// StopDelay is nil when absent: the loop runs until service shutdown.
	StopDelay *time.Duration

	SpeedMultiplier float64

	CriticalEnabled     bool
	CriticalProbability float64
	CriticalScenario    string

	ResponseVariation float64
	DelayJitter       time.Duration
	Seed              *int64
}

// GpioConfig names the physical GPIO pins used by the real trigger
// provider for a BIB: one input the test bench pulses to start a UUT's
// workflow, one input it can pulse to ask the workflow to stop early, one
// output the workflow asserts to signal a CRITICAL validation result, and
// one output the workflow holds high for the duration of the run so the
// bench can show "workflow active" without watching the console.
// Pin names are resolved against periph's gpioreg at runtime, so any name
// periph recognizes on the host (e.g. "GPIO17", "P1_11") is valid here.
type GpioConfig struct {
	StartPin          string
	StopPin           string
	CriticalPin       string
	WorkflowActivePin string
}

// StandardBauds are the baud rates that do not generate a validation
// warning. Anything else is still accepted, just flagged.
var StandardBauds = map[int]bool{
	1200: true, 2400: true, 4800: true, 9600: true, 19200: true,
	38400: true, 57600: true, 115200: true, 230400: true, 460800: true,
	921600: true,
}
