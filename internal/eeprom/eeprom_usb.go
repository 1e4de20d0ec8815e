//go:build !windows

package eeprom

import (
	"fmt"

	"github.com/google/gousb"
)

// readRawPlatform reads the EEPROM header and string descriptors for the
// FTDI device with the given serial number over a direct USB control
// transfer, using gousb to open a Context and walk the USB tree.
//
// FTDI EEPROM words are read with vendor request 0x90 ("Read EEPROM"),
// wValue = word address, returning one little-endian uint16 per request.
// The header layout (offsets 1-4: MaxPower/SelfPowered/RemoteWakeup) is
// FTDI's documented EEPROM format, read here directly over USB instead of
// through a proprietary vendor driver.
func readRawPlatform(serial string) (rawRead, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == ftdiVendorID
	})
	if err != nil {
		return rawRead{}, fmt.Errorf("eeprom: enumerating USB devices: %w", err)
	}
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	for _, d := range devs {
		sn, err := d.SerialNumber()
		if err != nil || sn != serial {
			continue
		}
		manufacturer, _ := d.Manufacturer()
		product, _ := d.Product()

		hdr, err := readEepromWords(d, 0, 5)
		if err != nil {
			return rawRead{}, fmt.Errorf("eeprom: reading header for %s: %w", serial, err)
		}
		return rawRead{
			productDescription: product,
			manufacturer:       manufacturer,
			maxPower:           hdr[2],
			selfPowered:        hdr[3]&0x01 != 0,
			remoteWakeup:       hdr[3]&0x02 != 0,
			usbVersion:         hdr[0],
		}, nil
	}
	return rawRead{}, fmt.Errorf("eeprom: no FTDI device with serial %q found", serial)
}

const ftdiVendorID = 0x0403

const (
	ftdiReqReadEeprom = 0x90
	ftdiVendorIn       = 0xC0 // device-to-host, vendor, device recipient
)

// readEepromWords reads n consecutive 16-bit words starting at word address
// addr via the FTDI vendor-specific "Read EEPROM" control request.
func readEepromWords(d *gousb.Device, addr, n int) ([]uint16, error) {
	out := make([]uint16, n)
	buf := make([]byte, 2)
	for i := 0; i < n; i++ {
		if _, err := d.Control(ftdiVendorIn, ftdiReqReadEeprom, 0, uint16(addr+i), buf); err != nil {
			return nil, err
		}
		out[i] = uint16(buf[0]) | uint16(buf[1])<<8
	}
	return out, nil
}
