package config

import (
	"fmt"
	"regexp"
)

// Severity distinguishes a hard validation error from an advisory warning.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is one validation finding.
type Diagnostic struct {
	Severity Severity
	Path     string // e.g. "uut[0].port[1].data_pattern"
	Message  string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("[%s] %s: %s", d.Severity, d.Path, d.Message)
}

var dataPatternRe = regexp.MustCompile(`^[neomsNEOMS][5-8][125]$`)

// Validate checks bib's structural and semantic rules and returns every
// diagnostic found (errors and warnings). The caller decides whether any
// SeverityError diagnostic makes the configuration unusable.
func Validate(bib *BibConfiguration) []Diagnostic {
	var diags []Diagnostic

	if bib.ID == "" {
		diags = append(diags, Diagnostic{SeverityError, "id", "bib id is empty"})
	}
	if len(bib.Uuts) == 0 {
		diags = append(diags, Diagnostic{SeverityError, "uuts", "bib has no uut elements"})
	}

	if hw := bib.HardwareSimulation; hw != nil && hw.Enabled {
		path := "hardware_simulation"
		if hw.SpeedMultiplier <= 0 || hw.SpeedMultiplier > 10 {
			diags = append(diags, Diagnostic{SeverityError, path + ".speed_multiplier",
				fmt.Sprintf("must be in (0, 10], got %v", hw.SpeedMultiplier)})
		}
		if hw.StartDelay < 0 {
			diags = append(diags, Diagnostic{SeverityError, path + ".start_delay_s", "must be non-negative"})
		}
		if hw.StopDelay != nil && *hw.StopDelay < 0 {
			diags = append(diags, Diagnostic{SeverityError, path + ".stop_delay_s", "must be non-negative"})
		}
		if hw.CriticalEnabled && (hw.CriticalProbability < 0 || hw.CriticalProbability > 1) {
			diags = append(diags, Diagnostic{SeverityError, path + ".critical.probability", "must be in [0, 1]"})
		}
	}

	for ui, uut := range bib.Uuts {
		uPath := fmt.Sprintf("uut[%d]", ui)
		if uut.ID == "" {
			diags = append(diags, Diagnostic{SeverityError, uPath + ".id", "uut id is empty"})
		}
		seenPorts := map[int]bool{}
		for pi, port := range uut.Ports {
			pPath := fmt.Sprintf("%s.port[%d]", uPath, pi)
			diags = append(diags, validatePort(pPath, port, seenPorts)...)
		}
	}
	return diags
}

func validatePort(path string, port PortConfiguration, seen map[int]bool) []Diagnostic {
	var diags []Diagnostic

	if port.Number <= 0 {
		diags = append(diags, Diagnostic{SeverityError, path + ".number",
			fmt.Sprintf("port number must be positive, got %d", port.Number)})
	} else if seen[port.Number] {
		diags = append(diags, Diagnostic{SeverityError, path + ".number",
			fmt.Sprintf("duplicate port number %d within uut", port.Number)})
	} else {
		seen[port.Number] = true
	}

	switch port.Protocol {
	case "rs232":
		if len(port.DataPattern) != 3 {
			diags = append(diags, Diagnostic{SeverityError, path + ".data_pattern",
				fmt.Sprintf("must be exactly 3 characters, got %q", port.DataPattern)})
		} else if !dataPatternRe.MatchString(port.DataPattern) {
			diags = append(diags, Diagnostic{SeverityError, path + ".data_pattern",
				fmt.Sprintf("invalid data pattern %q, want [n|e|o|m|s][5-8][1|2|5]", port.DataPattern)})
		}
		if port.Baud != 0 && !StandardBauds[port.Baud] {
			diags = append(diags, Diagnostic{SeverityWarning, path + ".speed",
				fmt.Sprintf("non-standard baud rate %d", port.Baud)})
		}
	case "":
		diags = append(diags, Diagnostic{SeverityError, path + ".protocol", "protocol is empty"})
	default:
		diags = append(diags, Diagnostic{SeverityWarning, path + ".protocol",
			fmt.Sprintf("unknown protocol tag %q", port.Protocol)})
	}

	diags = append(diags, validateSequence(path+".start", port.Start)...)
	diags = append(diags, validateSequence(path+".test", port.Test)...)
	diags = append(diags, validateSequence(path+".stop", port.Stop)...)
	return diags
}

func validateSequence(path string, seq CommandSequence) []Diagnostic {
	var diags []Diagnostic
	for ci, cmd := range seq.Commands {
		cPath := fmt.Sprintf("%s.command[%d]", path, ci)
		if cmd.TX == "" {
			diags = append(diags, Diagnostic{SeverityError, cPath + ".tx", "a present command must have non-empty outbound text"})
		}
		if cmd.Timeout <= 0 {
			diags = append(diags, Diagnostic{SeverityError, cPath + ".timeout_ms", "must be positive"})
		}
		if cmd.PassPattern == "" {
			diags = append(diags, Diagnostic{SeverityError, cPath + ".expected_response.pass", "a pass pattern is mandatory"})
		}
		if cmd.Regex {
			for name, pat := range map[string]string{
				"pass": cmd.PassPattern, "warn": cmd.WarnPattern,
				"fail": cmd.FailPattern, "critical": cmd.CriticalPattern,
			} {
				if pat == "" {
					continue
				}
				if _, err := regexp.Compile(pat); err != nil {
					diags = append(diags, Diagnostic{SeverityError, cPath + ".expected_response." + name,
						fmt.Sprintf("regex does not compile: %v", err)})
				}
			}
		}
		if cmd.RetryCount < 0 {
			diags = append(diags, Diagnostic{SeverityError, cPath + ".retry_count", "must be non-negative"})
		}
	}
	return diags
}

// HasErrors reports whether diags contains at least one SeverityError entry.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}
