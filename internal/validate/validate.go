// Package validate classifies a UUT response against a command's expected
// patterns. It is pure: no I/O, no shared state, deterministic for a given
// input.
package validate

import (
	"regexp"
	"time"

	"github.com/periph-extra/bibrunner/internal/config"
)

// Level is a validation outcome, in ascending severity.
type Level string

const (
	Pass     Level = "PASS"
	Warn     Level = "WARN"
	Fail     Level = "FAIL"
	Critical Level = "CRITICAL"
)

// ErrorMode controls how an unmatched response is classified.
type ErrorMode string

const (
	TreatAsFailure ErrorMode = "TreatAsFailure"
	TreatAsWarning ErrorMode = "TreatAsWarning"
	TreatAsPass    ErrorMode = "TreatAsPass"
)

// Result is an EnhancedValidationResult: the outcome of classifying one
// response against one command's patterns.
type Result struct {
	Level             Level
	MatchedPattern    string
	Groups            map[string]string // named capture groups, if any
	NumberedGroups    []string          // numbered capture groups, index 1..n
	ActualResponse    string
	ShouldContinueWorkflow     bool
	ShouldTriggerCriticalOutput bool
}

// Options tunes behavioural flags that aren't encoded in the command itself.
type Options struct {
	ErrorMode ErrorMode
	// TriggerHardwareOnFail controls whether a FAIL-level result should also
	// assert the critical hardware output, not just a CRITICAL-level one.
	// Defaults to false: only CRITICAL asserts the hardware output.
	TriggerHardwareOnFail bool
}

// DefaultOptions returns the conservative defaults: unmatched responses are
// treated as failures, and only CRITICAL results assert the hardware output.
func DefaultOptions() Options {
	return Options{ErrorMode: TreatAsFailure, TriggerHardwareOnFail: false}
}

// Classify evaluates actual against cmd's patterns in order of descending
// severity (CRITICAL, FAIL, WARN, PASS) and returns the first match. If none
// match, the result follows opts.ErrorMode.
func Classify(actual string, cmd config.ProtocolCommand, opts Options) Result {
	type candidate struct {
		level   Level
		pattern string
	}
	candidates := []candidate{
		{Critical, cmd.CriticalPattern},
		{Fail, cmd.FailPattern},
		{Warn, cmd.WarnPattern},
		{Pass, cmd.PassPattern},
	}

	for _, c := range candidates {
		if c.pattern == "" {
			continue
		}
		matched, groups, numbered := match(actual, c.pattern, cmd.Regex)
		if matched {
			return finish(c.level, c.pattern, groups, numbered, actual, opts)
		}
	}

	// No pattern matched: fall back to the configured error mode.
	switch opts.ErrorMode {
	case TreatAsWarning:
		return finish(Warn, "", nil, nil, actual, opts)
	case TreatAsPass:
		return finish(Pass, "", nil, nil, actual, opts)
	default:
		return finish(Fail, "", nil, nil, actual, opts)
	}
}

// ClassifyTimeout builds the Result for a per-command timeout expiring
// before any response arrived. A timeout becomes a FAIL-level validation
// outcome by default.
func ClassifyTimeout(cmd config.ProtocolCommand, opts Options, elapsed time.Duration) Result {
	return finish(Fail, "", nil, nil, "", opts)
}

func finish(level Level, pattern string, groups map[string]string, numbered []string, actual string, opts Options) Result {
	r := Result{
		Level:          level,
		MatchedPattern: pattern,
		Groups:         groups,
		NumberedGroups: numbered,
		ActualResponse: actual,
	}
	r.ShouldContinueWorkflow = level == Pass || level == Warn
	switch level {
	case Critical:
		r.ShouldTriggerCriticalOutput = true
	case Fail:
		r.ShouldTriggerCriticalOutput = opts.TriggerHardwareOnFail
	default:
		r.ShouldTriggerCriticalOutput = false
	}
	return r
}

func match(actual, pattern string, isRegex bool) (bool, map[string]string, []string) {
	if !isRegex {
		return actual == pattern, nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		// Unreachable in practice: config.Validate already rejected
		// uncompilable regexes at load time.
		return false, nil, nil
	}
	loc := re.FindStringSubmatchIndex(actual)
	if loc == nil {
		return false, nil, nil
	}
	submatches := re.FindStringSubmatch(actual)
	var named map[string]string
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" || i >= len(submatches) {
			continue
		}
		if named == nil {
			named = map[string]string{}
		}
		named[name] = submatches[i]
	}
	var numbered []string
	if len(submatches) > 1 {
		numbered = submatches[1:]
	}
	return true, named, numbered
}
