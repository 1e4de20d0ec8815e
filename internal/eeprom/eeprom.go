// Package eeprom reads the FTDI on-chip EEPROM for a discovered device and
// resolves it to a BIB configuration id: turn raw, device-specific bytes
// into a small stable struct the rest of the service can reason about,
// cached by serial number.
package eeprom

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/periph-extra/bibrunner/internal/bibserr"
	"github.com/periph-extra/bibrunner/internal/discovery"
)

// DefaultTTL is how long a cached EepromSnapshot is considered fresh before
// Read refreshes it.
const DefaultTTL = 5 * time.Minute

// rawRead is the shape a platform-specific reader returns: the handful of
// EEPROM fields the service cares about, read from whichever OS API is
// available for the given serial number.
type rawRead struct {
	productDescription string
	manufacturer        string
	maxPower            uint16
	selfPowered         bool
	remoteWakeup        bool
	usbVersion          uint16
}

// Reader reads and caches FTDI EEPROM snapshots by serial number. The actual
// read is a mockable function field, so tests never touch real hardware or
// the Windows-only WMI fallback.
type Reader struct {
	readRaw func(serial string) (rawRead, error)
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]*discovery.EepromSnapshot
}

// New returns a Reader backed by the real platform EEPROM reader.
func New() *Reader {
	return &Reader{readRaw: readRawPlatform, ttl: DefaultTTL}
}

// NewWithTTL is New with a non-default cache TTL, useful for tests that want
// to exercise expiry without waiting five minutes.
func NewWithTTL(ttl time.Duration) *Reader {
	r := New()
	r.ttl = ttl
	return r
}

// Read returns the EEPROM snapshot for serial, using the cache when it is
// fresh and reading through otherwise. A failed read is itself cached (with
// Err set) for ttl, so a device that is momentarily unreachable does not get
// hammered with retries every call.
func (r *Reader) Read(serial string) (*discovery.EepromSnapshot, error) {
	r.mu.Lock()
	if snap, ok := r.cache[serial]; ok && !snap.Stale(r.ttl) {
		r.mu.Unlock()
		if snap.Err != nil {
			return snap, bibserr.New(bibserr.EepromUnavailable, "eeprom.Read", "cached failure for "+serial, snap.Err)
		}
		return snap, nil
	}
	r.mu.Unlock()

	raw, err := r.readRaw(serial)
	now := time.Now()
	if err != nil {
		snap := &discovery.EepromSnapshot{ReadAt: now, Err: err}
		r.store(serial, snap)
		return snap, bibserr.New(bibserr.EepromUnavailable, "eeprom.Read", "reading EEPROM for "+serial, err)
	}
	snap := &discovery.EepromSnapshot{
		ProductDescription: raw.productDescription,
		Manufacturer:       raw.manufacturer,
		MaxPower:           raw.maxPower,
		SelfPowered:        raw.selfPowered,
		RemoteWakeup:       raw.remoteWakeup,
		USBVersion:         raw.usbVersion,
		ReadAt:             now,
	}
	r.store(serial, snap)
	return snap, nil
}

func (r *Reader) store(serial string, snap *discovery.EepromSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache == nil {
		r.cache = map[string]*discovery.EepromSnapshot{}
	}
	r.cache[serial] = snap
}

// ReadAllConnected reads the EEPROM for every member of each DeviceGroup,
// attaching the snapshot to the group's Eeprom field (multi-port chips
// share one chip-level EEPROM, so all members of a group get the same
// snapshot). Errors for individual devices are collected but do not stop
// the scan, matching config.LoadAllBibs's continue-past-failures behaviour.
func (r *Reader) ReadAllConnected(groups []discovery.DeviceGroup) map[string]error {
	errs := map[string]error{}
	for i := range groups {
		if groups[i].Serial == "" {
			continue
		}
		snap, err := r.Read(groups[i].Serial)
		groups[i].Eeprom = snap
		if err != nil {
			errs[groups[i].Serial] = err
		}
	}
	return errs
}

// ResolveBibID maps an EEPROM snapshot to the BIB configuration id it
// identifies. The mapper never guesses: it only ever returns an id from
// knownIDs (normally config.Loader.ListBibFiles, stripped to ids via
// idFromFilename's convention), matched case-insensitively against the
// chip's ProductDescription, or, failing that, against translations (an
// optional operator-maintained table from raw EEPROM descriptions to BIB
// ids, for rigs whose EEPROM text doesn't follow the bib_<id>.xml
// convention at all). If neither source yields a match, it reports
// BibUnresolved rather than inventing an id from the description.
func ResolveBibID(snap *discovery.EepromSnapshot, knownIDs []string, translations map[string]string) (string, error) {
	if snap == nil || snap.Err != nil {
		return "", bibserr.New(bibserr.BibUnresolved, "eeprom.ResolveBibID", "no usable EEPROM snapshot", errSnapshotUnusable(snap))
	}
	desc := snap.ProductDescription
	if desc == "" {
		return "", bibserr.New(bibserr.BibUnresolved, "eeprom.ResolveBibID", "EEPROM product description is empty", nil)
	}
	normalized := normalizeProductDescription(desc)

	for _, id := range knownIDs {
		if strings.EqualFold(normalized, id) || strings.EqualFold(desc, id) {
			return id, nil
		}
	}
	for raw, id := range translations {
		if strings.EqualFold(raw, desc) || strings.EqualFold(raw, normalized) {
			return id, nil
		}
	}
	return "", bibserr.New(bibserr.BibUnresolved, "eeprom.ResolveBibID",
		"EEPROM product description "+desc+" matches no known bib configuration and no translation entry", nil)
}

func errSnapshotUnusable(snap *discovery.EepromSnapshot) error {
	if snap == nil {
		return fmt.Errorf("no snapshot")
	}
	return snap.Err
}

// normalizeProductDescription turns a free-form EEPROM string into the
// lowercase, space-free form used as a BIB id (matching the bib_<id>.xml
// filename convention enforced by internal/config).
func normalizeProductDescription(desc string) string {
	out := make([]byte, 0, len(desc))
	for i := 0; i < len(desc); i++ {
		c := desc[i]
		switch {
		case c >= 'A' && c <= 'Z':
			out = append(out, c-'A'+'a')
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-' || c == '_':
			out = append(out, c)
		case c == ' ':
			out = append(out, '_')
		}
	}
	return string(out)
}
