package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIDFromPath(t *testing.T) {
	cases := map[string]string{
		"/tmp/bib_demo.xml":  "demo",
		"bib_a.xml":          "a",
		"notabib.xml":        "",
		"bib_.xml":           "",
		"bib_demo.xml.bak":   "",
	}
	for path, want := range cases {
		id, ok := idFromPath(path)
		if want == "" {
			if ok {
				t.Errorf("idFromPath(%q) = %q, want not-ok", path, id)
			}
			continue
		}
		if !ok || id != want {
			t.Errorf("idFromPath(%q) = %q,%v want %q,true", path, id, ok, want)
		}
	}
}

func TestInitialScanEmitsDiscovered(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bib_demo.xml"), []byte("<bib/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := New(Config{Dir: dir, Debounce: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	select {
	case ev := <-w.Events():
		if ev.Kind != BibDiscovered || ev.ID != "demo" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial BibDiscovered event")
	}
}

func TestWatcherEmitsChangeOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bib_live.xml")
	if err := os.WriteFile(path, []byte("<bib/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := New(Config{Dir: dir, Debounce: 50 * time.Millisecond, SkipInitialScan: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	time.Sleep(100 * time.Millisecond) // let the watch establish
	if err := os.WriteFile(path, []byte("<bib>v2</bib>"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		if ev.ID != "live" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}
