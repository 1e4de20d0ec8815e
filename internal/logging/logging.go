// Package logging routes structured log records both to a central console
// sink, a top-level service-wide file, and a per-BIB/per-UUT/per-session
// file hierarchy, so a failing UUT's history can be read in isolation from
// the rest of a busy test floor. It is built on logrus.Entry/Fields the way
// the retrieval pack's serial/transport code threads a *logrus.Entry through
// its connection lifecycle, generalized from one contextual entry to a
// router that mints one per (BIB, UUT, port, session).
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/periph-extra/bibrunner/internal/bibserr"
)

// Router owns a cache of per-session loggers, each writing the same record
// to the console, that day's service-wide log, and a file private to its
// (BIB, UUT, port, session) tuple.
type Router struct {
	root     string // base "logs/" directory
	console  io.Writer
	level    logrus.Level
	detailed bool

	mu      sync.Mutex
	files   map[string]io.WriteCloser // routing key -> open file handle
	loggers map[string]*logrus.Logger // routing key -> logger over console+service+file
}

// Config tunes router construction.
type Config struct {
	// Root is the base directory log files are written under (default
	// "logs").
	Root string
	// Level is the minimum level the loggers emit. Zero defaults to Info.
	Level logrus.Level
	// Detailed enables per-command debug-level records in addition to the
	// per-phase info-level records every BIB run always produces.
	Detailed bool
	// Console is where console output goes; defaults to os.Stdout. Tests
	// substitute an in-memory buffer.
	Console io.Writer
}

// New constructs a Router. It verifies Root is writable immediately (rather
// than on first log call), so a misconfigured log directory is surfaced as
// a LoggingUnavailable startup failure, not a silently dropped log line
// mid-run.
func New(cfg Config) (*Router, error) {
	root := cfg.Root
	if root == "" {
		root = "logs"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, bibserr.New(bibserr.LoggingUnavailable, "logging.New", "creating log root "+root, err)
	}
	probe := filepath.Join(root, ".write-probe")
	if err := os.WriteFile(probe, []byte{}, 0o644); err != nil {
		return nil, bibserr.New(bibserr.LoggingUnavailable, "logging.New", "log root not writable: "+root, err)
	}
	os.Remove(probe)

	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}
	level := cfg.Level
	if level == 0 {
		level = logrus.InfoLevel
	}

	return &Router{
		root:     root,
		console:  console,
		level:    level,
		detailed: cfg.Detailed,
		files:    map[string]io.WriteCloser{},
		loggers:  map[string]*logrus.Logger{},
	}, nil
}

// Close flushes and closes every open file handle, the service log
// included.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for key, w := range r.files {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.files, key)
	}
	return firstErr
}

// For returns a logrus.Entry scoped to (bibID, uutID, port, sessionToken),
// writing to the console, that day's logs/service-<date>.log, and a file
// private to this session. uutID, port, and sessionToken may be zero/empty
// for BIB-level records (e.g. a hot-reload event) that aren't tied to one
// running UUT session; those land in BIB_<id>/<date>/bib.log instead of a
// per-session file.
func (r *Router) For(bibID, uutID string, port int, sessionToken string) (*logrus.Entry, error) {
	logger, err := r.loggerFor(bibID, uutID, port, sessionToken)
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{"bib": bibID}
	if uutID != "" {
		fields["uut"] = uutID
	}
	if port != 0 {
		fields["port"] = port
	}
	if sessionToken != "" {
		fields["session"] = shortToken(sessionToken)
	}
	return logger.WithFields(fields), nil
}

// loggerFor returns the shared logger for this (bibID, uutID, port, session)
// tuple's current dated files, opening new file handles the first time the
// tuple is logged and whenever the date rolls over.
func (r *Router) loggerFor(bibID, uutID string, port int, sessionToken string) (*logrus.Logger, error) {
	date := time.Now().Format("2006-01-02")
	key := bibID + "|" + uutID + "|" + shortToken(sessionToken) + "|" + date
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loggers[key]; ok {
		return l, nil
	}

	service, err := r.serviceFileLocked(date)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(r.root, "BIB_"+bibID, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, bibserr.New(bibserr.LoggingUnavailable, "logging.loggerFor", "creating "+dir, err)
	}
	path := filepath.Join(dir, sessionLogName(uutID, port, sessionToken))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, bibserr.New(bibserr.LoggingUnavailable, "logging.loggerFor", "opening "+path, err)
	}
	r.files[key] = f

	l := logrus.New()
	l.SetOutput(io.MultiWriter(r.console, service, f))
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(r.level)
	if r.detailed && l.Level < logrus.DebugLevel {
		l.SetLevel(logrus.DebugLevel)
	}
	r.loggers[key] = l
	return l, nil
}

// Summarize appends a terminal record for one UUT run to that BIB's
// daily_summary_<date>.log and overwrites BIB_<id>/latest/<uut>_current.log
// with the same line, so "what's the current status of this UUT" never
// requires scanning a growing per-session file. Call it once per RunUUT
// completion, not per command result.
func (r *Router) Summarize(bibID, uutID, finalState string, iterations int) error {
	date := time.Now().Format("2006-01-02")
	dir := filepath.Join(r.root, "BIB_"+bibID, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return bibserr.New(bibserr.LoggingUnavailable, "logging.Summarize", "creating "+dir, err)
	}
	line := time.Now().Format(time.RFC3339) + " uut=" + uutID + " final_state=" + finalState +
		" iterations=" + strconv.Itoa(iterations) + "\n"

	summaryPath := filepath.Join(dir, "daily_summary_"+date+".log")
	f, err := os.OpenFile(summaryPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return bibserr.New(bibserr.LoggingUnavailable, "logging.Summarize", "opening "+summaryPath, err)
	}
	_, werr := f.WriteString(line)
	cerr := f.Close()
	if werr != nil {
		return bibserr.New(bibserr.LoggingUnavailable, "logging.Summarize", "writing "+summaryPath, werr)
	}
	if cerr != nil {
		return bibserr.New(bibserr.LoggingUnavailable, "logging.Summarize", "closing "+summaryPath, cerr)
	}

	latestDir := filepath.Join(r.root, "BIB_"+bibID, "latest")
	if err := os.MkdirAll(latestDir, 0o755); err != nil {
		return bibserr.New(bibserr.LoggingUnavailable, "logging.Summarize", "creating "+latestDir, err)
	}
	currentPath := filepath.Join(latestDir, uutID+"_current.log")
	return os.WriteFile(currentPath, []byte(line), 0o644)
}

// serviceFileLocked returns the io.Writer for the top-level
// logs/service-<date>.log sink every record is mirrored into regardless of
// which BIB or UUT produced it, opening it the first time the date is seen.
// Callers must hold r.mu.
func (r *Router) serviceFileLocked(date string) (io.Writer, error) {
	key := "service|" + date
	if w, ok := r.files[key]; ok {
		return w, nil
	}
	path := filepath.Join(r.root, "service-"+date+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, bibserr.New(bibserr.LoggingUnavailable, "logging.serviceFile", "opening "+path, err)
	}
	r.files[key] = f
	return f, nil
}

// sessionLogName names a UUT session's private file. A record with no
// uutID (a BIB-level event not tied to one running UUT) falls back to
// bib.log; one with a uutID but no port or session (e.g. a launch that
// failed before reserving a port) still gets a stable per-UUT file.
func sessionLogName(uutID string, port int, sessionToken string) string {
	if uutID == "" {
		return "bib.log"
	}
	name := uutID
	if port != 0 {
		name += "_port" + strconv.Itoa(port)
	}
	if sessionToken != "" {
		name += "_" + shortToken(sessionToken)
	}
	return name + ".log"
}

func shortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
