package config

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// The following xmlBib tree mirrors the on-disk BIB/UUT/PORT XML layout.
// Unknown elements and unknown attributes are both ignored silently: this is
// encoding/xml's default for anything without a declared field, and no
// diagnostic is produced for either.

type xmlBib struct {
	XMLName            xml.Name             `xml:"bib"`
	ID                 string               `xml:"id,attr"`
	Description        string               `xml:"description,attr"`
	HardwareSimulation *xmlHardwareSim      `xml:"hardware_simulation"`
	Gpio               *xmlGpio             `xml:"gpio"`
	Uuts               []xmlUut             `xml:"uut"`
}

type xmlGpio struct {
	StartPin          string `xml:"start_pin,attr"`
	StopPin           string `xml:"stop_pin,attr"`
	CriticalPin       string `xml:"critical_pin,attr"`
	WorkflowActivePin string `xml:"workflow_active_pin,attr"`
}

type xmlHardwareSim struct {
	Enabled         bool        `xml:"enabled,attr"`
	Mode            string      `xml:"mode,attr"`
	StartDelayS     float64     `xml:"start_delay_s,attr"`
	StopDelayS      *float64    `xml:"stop_delay_s,attr"`
	SpeedMultiplier float64     `xml:"speed_multiplier,attr"`
	Critical        *xmlCritical `xml:"critical"`
	Random          *xmlRandom   `xml:"random"`
}

type xmlCritical struct {
	Enabled     bool    `xml:"enabled,attr"`
	Probability float64 `xml:"probability,attr"`
	Scenario    string  `xml:"scenario,attr"`
}

type xmlRandom struct {
	ResponseVariation float64 `xml:"response_variation,attr"`
	DelayJitterS      float64 `xml:"delay_jitter_s,attr"`
	Seed              *int64  `xml:"seed,attr"`
}

type xmlUut struct {
	ID          string    `xml:"id,attr"`
	Description string    `xml:"description,attr"`
	Ports       []xmlPort `xml:"port"`
}

type xmlPort struct {
	Number         int                `xml:"number,attr"`
	Protocol       string             `xml:"protocol"`
	Speed          int                `xml:"speed"`
	DataPattern    string             `xml:"data_pattern"`
	ReadTimeoutMS  int                `xml:"read_timeout_ms"`
	WriteTimeoutMS int                `xml:"write_timeout_ms"`
	Start          *xmlCommandSeq     `xml:"start"`
	Test           *xmlCommandSeq     `xml:"test"`
	Stop           *xmlCommandSeq     `xml:"stop"`
}

type xmlCommandSeq struct {
	TimeoutMS         int            `xml:"timeout_ms,attr"`
	ContinueOnFailure bool           `xml:"continue_on_failure,attr"`
	Commands          []xmlCommand   `xml:"command"`
}

type xmlCommand struct {
	TX              string             `xml:"tx"`
	ExpectedResponse xmlExpectedResponse `xml:"expected_response"`
	TimeoutMS       int                `xml:"timeout_ms"`
	RetryCount      int                `xml:"retry_count"`
	RetryDelayMS    int                `xml:"retry_delay_ms"`
}

type xmlExpectedResponse struct {
	Regex    bool   `xml:"regex,attr"`
	Pass     string `xml:"pass"`
	Warn     string `xml:"warn"`
	Fail     string `xml:"fail"`
	Critical string `xml:"critical"`
}

// unescapeControls turns the literal two-character sequences \r, \n, \t
// written in an XML text node into their actual control characters, so
// command text can embed them without XML's lack of a control-character
// escape getting in the way.
func unescapeControls(s string) string {
	r := strings.NewReplacer(`\r`, "\r", `\n`, "\n", `\t`, "\t")
	return r.Replace(s)
}

func parseXML(data []byte) (*xmlBib, error) {
	var b xmlBib
	if err := xml.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// toModel converts the raw XML tree into the public data model. It performs
// no validation beyond what is needed to avoid panicking; validate.go is
// responsible for rejecting bad input.
func (b *xmlBib) toModel(sourcePath string) *BibConfiguration {
	out := &BibConfiguration{
		ID:          b.ID,
		Description: b.Description,
		SourcePath:  sourcePath,
		Metadata:    map[string]string{},
	}
	if b.HardwareSimulation != nil {
		out.HardwareSimulation = b.HardwareSimulation.toModel()
	}
	if b.Gpio != nil {
		out.Gpio = &GpioConfig{
			StartPin:          b.Gpio.StartPin,
			StopPin:           b.Gpio.StopPin,
			CriticalPin:       b.Gpio.CriticalPin,
			WorkflowActivePin: b.Gpio.WorkflowActivePin,
		}
	}
	for _, u := range b.Uuts {
		out.Uuts = append(out.Uuts, u.toModel())
	}
	return out
}

func (h *xmlHardwareSim) toModel() *HardwareSimulationConfig {
	m := &HardwareSimulationConfig{
		Enabled:         h.Enabled,
		Mode:            h.Mode,
		StartDelay:      time.Duration(h.StartDelayS * float64(time.Second)),
		SpeedMultiplier: h.SpeedMultiplier,
	}
	if h.StopDelayS != nil {
		d := time.Duration(*h.StopDelayS * float64(time.Second))
		m.StopDelay = &d
	}
	if h.Critical != nil {
		m.CriticalEnabled = h.Critical.Enabled
		m.CriticalProbability = h.Critical.Probability
		m.CriticalScenario = h.Critical.Scenario
	}
	if h.Random != nil {
		m.ResponseVariation = h.Random.ResponseVariation
		m.DelayJitter = time.Duration(h.Random.DelayJitterS * float64(time.Second))
		m.Seed = h.Random.Seed
	}
	return m
}

func (u *xmlUut) toModel() UutConfiguration {
	out := UutConfiguration{ID: u.ID, Description: u.Description}
	for _, p := range u.Ports {
		out.Ports = append(out.Ports, p.toModel())
	}
	return out
}

func (p *xmlPort) toModel() PortConfiguration {
	out := PortConfiguration{
		Number:       p.Number,
		Protocol:     strings.ToLower(strings.TrimSpace(p.Protocol)),
		Baud:         p.Speed,
		DataPattern:  strings.ToLower(strings.TrimSpace(p.DataPattern)),
		ReadTimeout:  time.Duration(p.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(p.WriteTimeoutMS) * time.Millisecond,
		Extra:        map[string]string{},
	}
	if p.Start != nil {
		out.Start = p.Start.toModel()
	}
	if p.Test != nil {
		out.Test = p.Test.toModel()
	}
	if p.Stop != nil {
		out.Stop = p.Stop.toModel()
	}
	return out
}

func (s *xmlCommandSeq) toModel() CommandSequence {
	out := CommandSequence{
		Timeout:           time.Duration(s.TimeoutMS) * time.Millisecond,
		ContinueOnFailure: s.ContinueOnFailure,
	}
	for _, c := range s.Commands {
		out.Commands = append(out.Commands, c.toModel())
	}
	return out
}

func (c *xmlCommand) toModel() ProtocolCommand {
	return ProtocolCommand{
		TX:              unescapeControls(c.TX),
		PassPattern:     c.ExpectedResponse.Pass,
		WarnPattern:     c.ExpectedResponse.Warn,
		FailPattern:     c.ExpectedResponse.Fail,
		CriticalPattern: c.ExpectedResponse.Critical,
		Regex:           c.ExpectedResponse.Regex,
		Timeout:         time.Duration(c.TimeoutMS) * time.Millisecond,
		RetryCount:      c.RetryCount,
		RetryDelay:      time.Duration(c.RetryDelayMS) * time.Millisecond,
	}
}

// IDFromFilename extracts the "<id>" in "bib_<id>.xml". Returns an error if
// the filename doesn't follow the convention. Exported for callers outside
// this package that need to derive an id from a ListBibFiles entry (the
// EEPROM-to-BIB resolver, mainly) without re-implementing the convention.
func IDFromFilename(name string) (string, error) {
	return idFromFilename(name)
}

func idFromFilename(name string) (string, error) {
	const prefix, suffix = "bib_", ".xml"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return "", fmt.Errorf("filename %q does not match bib_<id>.xml", name)
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	if id == "" {
		return "", fmt.Errorf("filename %q has an empty id", name)
	}
	return id, nil
}

// filenameFromID is the inverse of idFromFilename.
func filenameFromID(id string) string {
	return "bib_" + id + ".xml"
}
