package discovery

import (
	"errors"
	"reflect"
	"testing"
)

func fixturePorts() []portInfo {
	return []portInfo{
		{name: "/dev/ttyUSB0", isUSB: true, vid: "0403", pid: "6010", serial: "FT2232-A"},
		{name: "/dev/ttyUSB1", isUSB: true, vid: "0403", pid: "6010", serial: "FT2232-A"},
		{name: "/dev/ttyUSB2", isUSB: true, vid: "0403", pid: "6001", serial: "FT232R-B"},
		{name: "/dev/ttyACM0", isUSB: true, vid: "2341", pid: "0043", serial: "ARDUINO-C"},
	}
}

func newFakeDiscoverer(ports []portInfo) *Discoverer {
	return &Discoverer{listPorts: func() ([]portInfo, error) { return ports, nil }}
}

func TestDiscoverGroupsMultiPortChipBySerial(t *testing.T) {
	d := newFakeDiscoverer(fixturePorts())
	if _, err := d.Discover(); err != nil {
		t.Fatal(err)
	}
	groups := d.Groups()
	if len(groups) != 3 {
		t.Fatalf("len(groups) = %d, want 3", len(groups))
	}

	var multi *DeviceGroup
	for i := range groups {
		if groups[i].Serial == "FT2232-A" {
			multi = &groups[i]
		}
	}
	if multi == nil {
		t.Fatal("expected a group for serial FT2232-A")
	}
	if !multi.MultiPort() || len(multi.Members) != 2 {
		t.Fatalf("got %+v", multi)
	}
	if multi.ChipType != "FT2232H" || multi.ExpectedPortCount != 2 {
		t.Fatalf("chip metadata wrong: %+v", multi)
	}
	if multi.Members[0].FTDI.PortIndex != 0 || multi.Members[1].FTDI.PortIndex != 1 {
		t.Fatalf("port indices wrong: %+v", multi.Members)
	}
}

func TestDiscoverIsIdempotentOnStableHardware(t *testing.T) {
	d := newFakeDiscoverer(fixturePorts())
	first, err := d.Discover()
	if err != nil {
		t.Fatal(err)
	}
	firstGroups := d.Groups()

	second, err := d.Discover()
	if err != nil {
		t.Fatal(err)
	}
	secondGroups := d.Groups()

	if !reflect.DeepEqual(first, second) {
		t.Errorf("two consecutive discoveries produced different descriptor sets")
	}
	if !reflect.DeepEqual(firstGroups, secondGroups) {
		t.Errorf("two consecutive discoveries produced different device groups")
	}
}

func TestDiscoverFallsBackToPortNameWithoutSerial(t *testing.T) {
	ports := []portInfo{
		{name: "/dev/ttyUSB5", isUSB: true, vid: "0403", pid: "6001", serial: ""},
	}
	d := newFakeDiscoverer(ports)
	if _, err := d.Discover(); err != nil {
		t.Fatal(err)
	}
	groups := d.Groups()
	if len(groups) != 1 {
		t.Fatalf("len(groups) = %d, want 1", len(groups))
	}
	if groups[0].ID != "/dev/ttyUSB5" {
		t.Errorf("ID = %q, want fallback to port name", groups[0].ID)
	}
	if groups[0].Members[0].FTDI.Serial != "/dev/ttyUSB5" {
		t.Errorf("FTDI.Serial = %q, want fallback to port name", groups[0].Members[0].FTDI.Serial)
	}
}

func TestDiscoverNonFTDIDeviceGetsGroupOfOne(t *testing.T) {
	d := newFakeDiscoverer(fixturePorts())
	if _, err := d.Discover(); err != nil {
		t.Fatal(err)
	}
	g, ok := d.FindByPortName("/dev/ttyACM0")
	if !ok {
		t.Fatal("expected to find /dev/ttyACM0")
	}
	if g.MultiPort() {
		t.Fatal("non-FTDI device must not be grouped as multi-port")
	}
	if g.Members[0].FTDI != nil {
		t.Fatal("non-FTDI device must not carry an FTDI identity")
	}
}

func TestFindByPortNameMiss(t *testing.T) {
	d := newFakeDiscoverer(fixturePorts())
	if _, err := d.Discover(); err != nil {
		t.Fatal(err)
	}
	if _, ok := d.FindByPortName("/dev/nonexistent"); ok {
		t.Fatal("expected miss for unknown port name")
	}
}

func TestStatistics(t *testing.T) {
	d := newFakeDiscoverer(fixturePorts())
	if _, err := d.Discover(); err != nil {
		t.Fatal(err)
	}
	stats := d.Statistics()
	if stats.TotalDevices != 3 {
		t.Errorf("TotalDevices = %d, want 3", stats.TotalDevices)
	}
	if stats.MultiPortDevices != 1 {
		t.Errorf("MultiPortDevices = %d, want 1", stats.MultiPortDevices)
	}
	if stats.FTDIDevices != 2 {
		t.Errorf("FTDIDevices = %d, want 2", stats.FTDIDevices)
	}
	if stats.NonFTDIDevices != 1 {
		t.Errorf("NonFTDIDevices = %d, want 1", stats.NonFTDIDevices)
	}
	if stats.LargestGroupSize != 2 {
		t.Errorf("LargestGroupSize = %d, want 2", stats.LargestGroupSize)
	}
}

func TestDiscoverPropagatesEnumerationError(t *testing.T) {
	wantErr := errors.New("boom")
	d := &Discoverer{listPorts: func() ([]portInfo, error) { return nil, wantErr }}
	if _, err := d.Discover(); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}
