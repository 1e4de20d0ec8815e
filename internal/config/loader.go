package config

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/periph-extra/bibrunner/internal/backup"
	"github.com/periph-extra/bibrunner/internal/bibserr"
)

// Loader locates and parses bib_<id>.xml files in Dir.
//
// Every method can be called concurrently because Loader never mutates
// shared state itself — the filesystem is the only shared resource and each
// read is independent. When Backups is set, every parse attempt is mirrored
// into it: good parses via Save, failed ones via SaveCorrupted, so a bad
// hand-edit never destroys the last known-good revision.
type Loader struct {
	Dir     string
	Backups *backup.Store
}

// NewLoader returns a Loader rooted at dir with no backup store attached.
func NewLoader(dir string) *Loader {
	return &Loader{Dir: dir}
}

// NewLoaderWithBackups returns a Loader rooted at dir, mirroring every load
// attempt into backups.
func NewLoaderWithBackups(dir string, backups *backup.Store) *Loader {
	return &Loader{Dir: dir, Backups: backups}
}

// LoadBib locates bib_<id>.xml in l.Dir, parses it, validates it, and returns
// the fully-populated model. On validation failure, the returned error is
// ConfigInvalid and diags (non-nil) carries every finding, not just the
// first one. When Backups is set and holds a last known-good revision that
// still validates, that revision is returned instead, with a nil error and
// a rollback warning appended to diags.
func (l *Loader) LoadBib(id string) (*BibConfiguration, []Diagnostic, error) {
	path := filepath.Join(l.Dir, filenameFromID(id))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, bibserr.New(bibserr.ConfigNotFound, "loadBib", path, err)
		}
		return nil, nil, bibserr.New(bibserr.ConfigParseError, "loadBib", path, err)
	}
	return l.parse(data, path)
}

// LoadFile parses and validates an arbitrary path, independent of the
// bib_<id>.xml naming convention. Used by the hot-reload watcher, which
// already knows the path that changed.
func (l *Loader) LoadFile(path string) (*BibConfiguration, []Diagnostic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, bibserr.New(bibserr.ConfigNotFound, "loadFile", path, err)
		}
		return nil, nil, bibserr.New(bibserr.ConfigParseError, "loadFile", path, err)
	}
	return l.parse(data, path)
}

func (l *Loader) parse(data []byte, path string) (*BibConfiguration, []Diagnostic, error) {
	wantID, idErr := idFromFilename(filepath.Base(path))

	raw, err := parseXML(data)
	if err != nil {
		l.backupCorrupted(wantID, idErr, data)
		if bib, diags, ok := l.rollback(wantID, idErr, path, "file does not parse as XML: "+err.Error()); ok {
			return bib, diags, nil
		}
		return nil, nil, bibserr.New(bibserr.ConfigParseError, "loadBib", path, err)
	}
	bib := raw.toModel(path)
	if idErr == nil && bib.ID != wantID {
		// bib.ID always equals the suffix of the source filename, regardless
		// of what the id attribute inside the file claims.
		bib.ID = wantID
	}
	diags := Validate(bib)
	if HasErrors(diags) {
		l.backupCorrupted(wantID, idErr, data)
		if rolled, rollDiags, ok := l.rollback(wantID, idErr, path, "new revision failed validation"); ok {
			return rolled, append(diags, rollDiags...), nil
		}
		return bib, diags, bibserr.New(bibserr.ConfigInvalid, "loadBib", path, nil)
	}
	if l.Backups != nil && idErr == nil {
		l.Backups.Save(wantID, data)
	}
	return bib, diags, nil
}

func (l *Loader) backupCorrupted(id string, idErr error, data []byte) {
	if l.Backups != nil && idErr == nil {
		l.Backups.SaveCorrupted(id, data)
	}
}

// rollback recovers the last known-good revision for id when the file just
// read in failed to parse or validate, so a bad hot-reloaded edit degrades
// to "keep running the old configuration" instead of "BIB stops running".
// ok is false when there is no prior good revision to fall back to (e.g.
// the very first load of id is itself broken), in which case the caller
// should surface its original error instead.
func (l *Loader) rollback(id string, idErr error, path, reason string) (*BibConfiguration, []Diagnostic, bool) {
	if l.Backups == nil || idErr != nil {
		return nil, nil, false
	}
	data, err := l.Backups.Rollback(id)
	if err != nil {
		return nil, nil, false
	}
	raw, err := parseXML(data)
	if err != nil {
		return nil, nil, false
	}
	bib := raw.toModel(path)
	bib.ID = id
	if HasErrors(Validate(bib)) {
		// The last good backup no longer validates either (e.g. the
		// validator itself changed); nothing safe to roll back to.
		return nil, nil, false
	}
	diag := Diagnostic{Severity: SeverityWarning, Path: "bib",
		Message: "rolled back to last known-good configuration: " + reason}
	return bib, []Diagnostic{diag}, true
}

// LoadAllBibs parses every bib_*.xml file in l.Dir. It continues past
// individual failures, collecting them in the returned error map keyed by
// id-guess (the filename-derived id, even if parsing never got far enough to
// populate BibConfiguration.ID).
func (l *Loader) LoadAllBibs() ([]*BibConfiguration, map[string]error) {
	names, _ := l.ListBibFiles()
	var out []*BibConfiguration
	errs := map[string]error{}
	for _, name := range names {
		id, err := idFromFilename(name)
		if err != nil {
			errs[name] = err
			continue
		}
		bib, _, err := l.LoadBib(id)
		if err != nil {
			errs[id] = err
			continue
		}
		out = append(out, bib)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, errs
}

// ListBibFiles returns the base names of every bib_*.xml file in l.Dir,
// sorted for deterministic iteration.
func (l *Loader) ListBibFiles() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := idFromFilename(e.Name()); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
