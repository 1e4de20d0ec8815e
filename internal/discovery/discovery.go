package discovery

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial/enumerator"
)

// portInfo is the minimal shape discovery needs from the OS/USB stack. It is
// populated from go.bug.st/serial/enumerator.PortDetails in production and
// from fixtures in tests.
type portInfo struct {
	name         string
	friendlyName string
	isUSB        bool
	vid, pid     string // hex strings, e.g. "0403"
	serial       string
}

func listPortsReal() ([]portInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	out := make([]portInfo, 0, len(details))
	for _, d := range details {
		out = append(out, portInfo{
			name:   d.Name,
			isUSB:  d.IsUSB,
			vid:    d.VID,
			pid:    d.PID,
			serial: d.SerialNumber,
		})
	}
	return out, nil
}

// Discoverer enumerates serial ports and groups them by physical device. It
// caches the most recent scan so FindByPortName/Statistics can be served
// without touching the OS again; Discover() refreshes that cache.
//
// A small set of mockable function fields (here just listPorts) plus a
// mutex-guarded cached result makes this easy to drive from fixtures in
// tests without touching real hardware.
type Discoverer struct {
	listPorts func() ([]portInfo, error)

	mu     sync.RWMutex
	groups []DeviceGroup
}

// New returns a Discoverer backed by the real OS/USB enumerator.
func New() *Discoverer {
	return &Discoverer{listPorts: listPortsReal}
}

// Discover enumerates OS serial endpoints, attaches FTDI identity where the
// VID matches FTDI, groups them into DeviceGroups, and caches the result.
func (d *Discoverer) Discover() ([]SerialPortDescriptor, error) {
	raw, err := d.listPorts()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	descs := make([]SerialPortDescriptor, 0, len(raw))
	for _, p := range raw {
		sd := SerialPortDescriptor{
			Name:         p.name,
			FriendlyName: p.friendlyName,
			RawDeviceID:  p.vid + ":" + p.pid + ":" + p.serial,
			LastSeen:     now,
		}
		if p.isUSB {
			if vid, ok := parseHex16(p.vid); ok && vid == ftdiVendorID {
				pid, _ := parseHex16(p.pid)
				serial := p.serial
				if serial == "" {
					// Serial numbers missing from the device id fall back to the
					// port name, giving the port a group of one.
					serial = p.name
				}
				sd.FTDI = &FTDIIdentity{
					VendorID:  vid,
					ProductID: pid,
					ChipType:  chipTypeFor(pid),
					Serial:    serial,
				}
			}
		}
		descs = append(descs, sd)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })

	groups := groupByDevice(descs)
	d.mu.Lock()
	d.groups = groups
	d.mu.Unlock()
	return descs, nil
}

// groupByDevice groups descriptors by (VID, PID, serial number). A group of
// one port is still a DeviceGroup; the ports of a known multi-port chip share
// that key and form one group, even if fewer than the expected port count
// are present.
func groupByDevice(descs []SerialPortDescriptor) []DeviceGroup {
	type key struct {
		vid, pid uint16
		serial   string
	}
	byKey := map[key]*DeviceGroup{}
	var order []key

	for _, sd := range descs {
		var k key
		if sd.FTDI != nil {
			k = key{sd.FTDI.VendorID, sd.FTDI.ProductID, sd.FTDI.Serial}
		} else {
			k = key{0, 0, "noftdi:" + sd.Name}
		}
		g, ok := byKey[k]
		if !ok {
			g = &DeviceGroup{Serial: k.serial, VendorID: k.vid, ProductID: k.pid}
			if sd.FTDI != nil {
				g.ChipType = sd.FTDI.ChipType
				g.ExpectedPortCount = expectedPortCountFor(sd.FTDI.ChipType)
			} else {
				g.ExpectedPortCount = 1
			}
			byKey[k] = g
			order = append(order, k)
		}
		g.Members = append(g.Members, sd)
	}

	out := make([]DeviceGroup, 0, len(order))
	for _, k := range order {
		g := byKey[k]
		sort.Slice(g.Members, func(i, j int) bool { return g.Members[i].Name < g.Members[j].Name })
		for i := range g.Members {
			if g.Members[i].FTDI != nil {
				g.Members[i].FTDI.PortIndex = i
			}
		}
		if g.Serial != "" {
			g.ID = g.Serial
		} else if len(g.Members) > 0 {
			g.ID = g.Members[0].Name
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByPortName returns the DeviceGroup containing name, from the most
// recent Discover() cache.
func (d *Discoverer) FindByPortName(name string) (DeviceGroup, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, g := range d.groups {
		for _, m := range g.Members {
			if m.Name == name {
				return g, true
			}
		}
	}
	return DeviceGroup{}, false
}

// Groups returns a copy of the most recent Discover() cache.
func (d *Discoverer) Groups() []DeviceGroup {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]DeviceGroup, len(d.groups))
	copy(out, d.groups)
	return out
}

// Statistics summarizes the most recent Discover() cache.
func (d *Discoverer) Statistics() Statistics {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var s Statistics
	s.TotalDevices = len(d.groups)
	for _, g := range d.groups {
		if g.MultiPort() {
			s.MultiPortDevices++
		}
		if g.VendorID == ftdiVendorID {
			s.FTDIDevices++
		} else {
			s.NonFTDIDevices++
		}
		if len(g.Members) > s.LargestGroupSize {
			s.LargestGroupSize = len(g.Members)
		}
	}
	return s
}

func parseHex16(s string) (uint16, bool) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}
