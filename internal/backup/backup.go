// Package backup preserves prior revisions of each BIB configuration file,
// so an operator who pushes a bad edit can roll back to the last known-good
// version instead of hand-editing XML under time pressure. It follows the
// same plain-file, no-framework style as internal/config's loader: a small
// struct over a directory, explicit error wrapping through bibserr.
package backup

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/periph-extra/bibrunner/internal/bibserr"
)

// DefaultMaxBackups is how many historical revisions are kept per BIB id
// before the oldest is pruned.
const DefaultMaxBackups = 10

// Store manages backups under root (typically "backups/").
type Store struct {
	root       string
	maxBackups int
	now        func() time.Time
}

// New returns a Store rooted at dir, keeping at most maxBackups revisions
// per BIB id (DefaultMaxBackups if maxBackups <= 0).
func New(dir string, maxBackups int) *Store {
	if maxBackups <= 0 {
		maxBackups = DefaultMaxBackups
	}
	return &Store{root: dir, maxBackups: maxBackups, now: time.Now}
}

// Save writes a timestamped copy of data for id, refreshes latest_<id>.xml
// to point at the same content, and prunes old revisions past maxBackups.
// Call this whenever a BIB file is (re)loaded successfully.
func (s *Store) Save(id string, data []byte) error {
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return bibserr.New(bibserr.ConfigInvalid, "backup.Save", "creating backup dir for "+id, err)
	}
	ts := s.now().UTC().Format("20060102T150405Z")
	path := filepath.Join(dir, "bib_"+id+"_"+ts+".xml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return bibserr.New(bibserr.ConfigInvalid, "backup.Save", "writing backup "+path, err)
	}
	latest := filepath.Join(dir, "latest_"+id+".xml")
	if err := os.WriteFile(latest, data, 0o644); err != nil {
		return bibserr.New(bibserr.ConfigInvalid, "backup.Save", "writing "+latest, err)
	}
	return s.prune(id)
}

// SaveCorrupted records data that failed to parse/validate, under a
// "corrupted_" prefix, so it's preserved for diagnosis without being picked
// up by Latest or Rollback.
func (s *Store) SaveCorrupted(id string, data []byte) error {
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return bibserr.New(bibserr.ConfigInvalid, "backup.SaveCorrupted", "creating backup dir for "+id, err)
	}
	ts := s.now().UTC().Format("20060102T150405Z")
	path := filepath.Join(dir, "corrupted_"+id+"_"+ts+".xml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return bibserr.New(bibserr.ConfigInvalid, "backup.SaveCorrupted", "writing "+path, err)
	}
	return nil
}

// Latest returns the most recently saved good revision's bytes for id.
func (s *Store) Latest(id string) ([]byte, error) {
	path := filepath.Join(s.root, id, "latest_"+id+".xml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bibserr.New(bibserr.ConfigNotFound, "backup.Latest", "no backup for "+id, err)
	}
	return data, nil
}

// Rollback returns the bytes of the last known-good revision for id, the
// same content Latest would, for a caller recovering from a configuration
// that just failed to parse or validate. It does not write anything itself
// (the bad file stays on disk where an operator can inspect and fix it);
// the caller decides what, if anything, to do with the recovered bytes.
func (s *Store) Rollback(id string) ([]byte, error) {
	data, err := s.Latest(id)
	if err != nil {
		return nil, bibserr.New(bibserr.ConfigNotFound, "backup.Rollback", "no known-good revision to roll back to for "+id, err)
	}
	return data, nil
}

// Revisions lists this id's timestamped backup filenames, oldest first.
func (s *Store) Revisions(id string) ([]string, error) {
	entries, err := filepath.Glob(filepath.Join(s.root, id, "bib_"+id+"_*.xml"))
	if err != nil {
		return nil, bibserr.New(bibserr.ConfigInvalid, "backup.Revisions", "listing backups for "+id, err)
	}
	sort.Strings(entries)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = filepath.Base(e)
	}
	return names, nil
}

// prune deletes the oldest timestamped revisions past maxBackups. The
// "latest_" and "corrupted_" files are never pruned by count, only by the
// caller explicitly cleaning them up.
func (s *Store) prune(id string) error {
	entries, err := filepath.Glob(filepath.Join(s.root, id, "bib_"+id+"_*.xml"))
	if err != nil {
		return bibserr.New(bibserr.ConfigInvalid, "backup.prune", "listing backups for "+id, err)
	}
	sort.Strings(entries)
	excess := len(entries) - s.maxBackups
	for i := 0; i < excess; i++ {
		os.Remove(entries[i])
	}
	return nil
}
