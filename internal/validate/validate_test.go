package validate

import (
	"testing"

	"github.com/periph-extra/bibrunner/internal/config"
)

func TestClassifyLiteralLevels(t *testing.T) {
	cmd := config.ProtocolCommand{
		PassPattern:     "PASS",
		WarnPattern:     "RETRY",
		FailPattern:     "ERROR",
		CriticalPattern: "EMERGENCY",
	}
	cases := []struct {
		actual string
		want   Level
	}{
		{"PASS", Pass},
		{"RETRY", Warn},
		{"ERROR", Fail},
		{"EMERGENCY", Critical},
	}
	for _, c := range cases {
		r := Classify(c.actual, cmd, DefaultOptions())
		if r.Level != c.want {
			t.Errorf("Classify(%q) level = %v, want %v", c.actual, r.Level, c.want)
		}
	}
}

func TestClassifyUnmatchedUsesErrorMode(t *testing.T) {
	cmd := config.ProtocolCommand{PassPattern: "PASS"}
	r := Classify("garbage", cmd, Options{ErrorMode: TreatAsFailure})
	if r.Level != Fail {
		t.Errorf("Level = %v, want Fail", r.Level)
	}
	r = Classify("garbage", cmd, Options{ErrorMode: TreatAsWarning})
	if r.Level != Warn {
		t.Errorf("Level = %v, want Warn", r.Level)
	}
	r = Classify("garbage", cmd, Options{ErrorMode: TreatAsPass})
	if r.Level != Pass {
		t.Errorf("Level = %v, want Pass", r.Level)
	}
}

func TestShouldContinueWorkflowInvariant(t *testing.T) {
	cmd := config.ProtocolCommand{PassPattern: "PASS", WarnPattern: "WARN", FailPattern: "FAIL", CriticalPattern: "CRIT"}
	for _, actual := range []string{"PASS", "WARN", "FAIL", "CRIT"} {
		r := Classify(actual, cmd, DefaultOptions())
		want := r.Level == Pass || r.Level == Warn
		if r.ShouldContinueWorkflow != want {
			t.Errorf("actual=%q level=%v ShouldContinueWorkflow=%v, want %v", actual, r.Level, r.ShouldContinueWorkflow, want)
		}
	}
}

func TestCriticalAlwaysTriggersHardware(t *testing.T) {
	cmd := config.ProtocolCommand{PassPattern: "PASS", CriticalPattern: "^EMERGENCY$"}
	cmd.Regex = true
	r := Classify("EMERGENCY", cmd, DefaultOptions())
	if r.Level != Critical || !r.ShouldTriggerCriticalOutput {
		t.Fatalf("got %+v", r)
	}
}

func TestFailTriggersHardwareOnlyWhenConfigured(t *testing.T) {
	cmd := config.ProtocolCommand{PassPattern: "PASS", FailPattern: "ERROR"}
	r := Classify("ERROR", cmd, DefaultOptions())
	if r.ShouldTriggerCriticalOutput {
		t.Fatal("default options must not trigger hardware on FAIL")
	}
	r = Classify("ERROR", cmd, Options{ErrorMode: TreatAsFailure, TriggerHardwareOnFail: true})
	if !r.ShouldTriggerCriticalOutput {
		t.Fatal("TriggerHardwareOnFail=true must trigger hardware on FAIL")
	}
}

func TestRegexNamedGroups(t *testing.T) {
	cmd := config.ProtocolCommand{
		PassPattern: `^VOLT=(?P<volts>\d+\.\d+)$`,
		Regex:       true,
	}
	r := Classify("VOLT=3.3", cmd, DefaultOptions())
	if r.Level != Pass {
		t.Fatalf("Level = %v, want Pass", r.Level)
	}
	if r.Groups["volts"] != "3.3" {
		t.Errorf("Groups[volts] = %q, want 3.3", r.Groups["volts"])
	}
}
