package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/periph-extra/bibrunner/internal/backup"
	"github.com/periph-extra/bibrunner/internal/bibserr"
)

const demoXML = `<?xml version="1.0"?>
<bib id="demo" description="demo bib">
  <hardware_simulation enabled="true" mode="normal" start_delay_s="0.5" stop_delay_s="20" speed_multiplier="2.0">
    <critical enabled="false" probability="0" scenario=""/>
  </hardware_simulation>
  <uut id="uut1" description="widget">
    <port number="1">
      <protocol>rs232</protocol>
      <speed>115200</speed>
      <data_pattern>n81</data_pattern>
      <read_timeout_ms>3000</read_timeout_ms>
      <write_timeout_ms>1000</write_timeout_ms>
      <start timeout_ms="5000" continue_on_failure="false">
        <command>
          <tx>ATZ\r\n</tx>
          <expected_response regex="false"><pass>OK</pass></expected_response>
          <timeout_ms>3000</timeout_ms>
        </command>
      </start>
      <test timeout_ms="8000" continue_on_failure="false">
        <command>
          <tx>INIT_RS232\r\n</tx>
          <expected_response regex="false"><pass>READY</pass></expected_response>
          <timeout_ms>3000</timeout_ms>
        </command>
        <command>
          <tx>TEST\r\n</tx>
          <expected_response regex="false"><pass>PASS</pass></expected_response>
          <timeout_ms>3000</timeout_ms>
        </command>
      </test>
      <stop timeout_ms="2000" continue_on_failure="true">
        <command>
          <tx>EXIT\r\n</tx>
          <expected_response regex="false"><pass>BYE</pass></expected_response>
          <timeout_ms>2000</timeout_ms>
        </command>
      </stop>
    </port>
  </uut>
</bib>`

func writeBib(t *testing.T, dir, id, body string) string {
	t.Helper()
	path := filepath.Join(dir, filenameFromID(id))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadBibHappyPath(t *testing.T) {
	dir := t.TempDir()
	writeBib(t, dir, "demo", demoXML)

	l := NewLoader(dir)
	bib, diags, err := l.LoadBib("demo")
	if err != nil {
		t.Fatalf("LoadBib() error = %v, diags = %v", err, diags)
	}
	if bib.ID != "demo" {
		t.Errorf("ID = %q, want demo", bib.ID)
	}
	if len(bib.Uuts) != 1 || len(bib.Uuts[0].Ports) != 1 {
		t.Fatalf("unexpected shape: %+v", bib)
	}
	port := bib.Uuts[0].Ports[0]
	if len(port.Test.Commands) != 2 {
		t.Errorf("test sequence has %d commands, want 2", len(port.Test.Commands))
	}
	if port.Start.Commands[0].TX != "ATZ\r\n" {
		t.Errorf("TX = %q, want escaped CRLF", port.Start.Commands[0].TX)
	}
	if bib.HardwareSimulation == nil || bib.HardwareSimulation.StopDelay == nil {
		t.Fatal("expected hardware simulation with a stop delay")
	}
}

func TestLoadBibNotFound(t *testing.T) {
	l := NewLoader(t.TempDir())
	_, _, err := l.LoadBib("missing")
	if !bibserr.Is(err, bibserr.ConfigNotFound) {
		t.Fatalf("err = %v, want ConfigNotFound", err)
	}
}

func TestLoadBibInvalid(t *testing.T) {
	dir := t.TempDir()
	writeBib(t, dir, "bad", `<bib id="bad"><uut id="u"><port number="0"><protocol>rs232</protocol><data_pattern>xx</data_pattern></port></uut></bib>`)
	l := NewLoader(dir)
	_, diags, err := l.LoadBib("bad")
	if !bibserr.Is(err, bibserr.ConfigInvalid) {
		t.Fatalf("err = %v, want ConfigInvalid", err)
	}
	if !HasErrors(diags) {
		t.Fatal("expected at least one error diagnostic")
	}
}

func TestLoadAllBibsContinuesPastFailures(t *testing.T) {
	dir := t.TempDir()
	writeBib(t, dir, "demo", demoXML)
	writeBib(t, dir, "bad", `<bib id="bad"><uut id="u"><port number="-1"><protocol>rs232</protocol><data_pattern>xx</data_pattern></port></uut></bib>`)

	l := NewLoader(dir)
	bibs, errs := l.LoadAllBibs()
	if len(bibs) != 1 || bibs[0].ID != "demo" {
		t.Fatalf("bibs = %+v", bibs)
	}
	if _, ok := errs["bad"]; !ok {
		t.Fatalf("errs = %v, want an entry for bad", errs)
	}
}

func TestBibIDMatchesFilenameSuffix(t *testing.T) {
	dir := t.TempDir()
	// The id attribute inside the file disagrees with the filename; the
	// filename wins.
	writeBib(t, dir, "real", `<bib id="wrong"><uut id="u"><port number="1"><protocol>rs232</protocol><data_pattern>n81</data_pattern><start timeout_ms="1"><command><tx>a</tx><expected_response><pass>b</pass></expected_response><timeout_ms>1</timeout_ms></command></start></port></uut></bib>`)
	l := NewLoader(dir)
	bib, _, err := l.LoadBib("real")
	if err != nil {
		t.Fatal(err)
	}
	if bib.ID != "real" {
		t.Errorf("ID = %q, want real", bib.ID)
	}
}

func TestLoadBibRollsBackToLastGoodOnInvalidHotReload(t *testing.T) {
	dir := t.TempDir()
	backupDir := t.TempDir()
	writeBib(t, dir, "demo", demoXML)

	l := NewLoaderWithBackups(dir, backup.New(backupDir, backup.DefaultMaxBackups))
	good, _, err := l.LoadBib("demo")
	if err != nil {
		t.Fatalf("loading the good revision: %v", err)
	}

	path := writeBib(t, dir, "demo", `<bib id="demo"><uut id="u"><port number="-1"><protocol>rs232</protocol><data_pattern>xx</data_pattern></port></uut></bib>`)
	rolled, diags, err := l.LoadFile(path)
	if err != nil {
		t.Fatalf("expected rollback to absorb the invalid reload, got error: %v", err)
	}
	if rolled.ID != good.ID || len(rolled.Uuts) != len(good.Uuts) {
		t.Fatalf("rolled back config = %+v, want equivalent to the last good revision %+v", rolled, good)
	}
	found := false
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a warning diagnostic describing the rollback")
	}
}

func TestLoadBibReturnsErrorWhenNoBackupToRollBackTo(t *testing.T) {
	dir := t.TempDir()
	backupDir := t.TempDir()
	path := writeBib(t, dir, "demo", `<bib id="demo"><uut id="u"><port number="-1"><protocol>rs232</protocol><data_pattern>xx</data_pattern></port></uut></bib>`)

	l := NewLoaderWithBackups(dir, backup.New(backupDir, backup.DefaultMaxBackups))
	_, _, err := l.LoadFile(path)
	if !bibserr.Is(err, bibserr.ConfigInvalid) {
		t.Fatalf("err = %v, want ConfigInvalid (no prior good revision exists to roll back to)", err)
	}
}

func TestValidateRejectsBadRegex(t *testing.T) {
	seq := CommandSequence{Commands: []ProtocolCommand{{
		TX: "x", PassPattern: "[", Regex: true, Timeout: 1,
	}}}
	diags := validateSequence("port[0].start", seq)
	if !HasErrors(diags) {
		t.Fatal("expected a diagnostic for an uncompilable regex")
	}
}
