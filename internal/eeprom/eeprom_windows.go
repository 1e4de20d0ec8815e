//go:build windows

package eeprom

import (
	"fmt"
	"strings"

	"github.com/StackExchange/wmi"
)

const ftdiVendorID = 0x0403

// win32PnPEntity mirrors the WMI class fields we need; FTDI's VCP driver on
// Windows does not expose a control-transfer path the way libusb/gousb does
// on Linux/macOS, so the Windows build resolves device identity through the
// PnP device tree instead.
type win32PnPEntity struct {
	DeviceID    string
	Description string
	Manufacturer string
	Caption     string
}

// readRawPlatform resolves an FTDI device's EEPROM-equivalent identity
// fields from WMI. MaxPower/SelfPowered/RemoteWakeup are not exposed by the
// PnP entity and are left at their zero values; ProductDescription and
// Manufacturer, which drive ResolveBibID, are populated from the matching
// entity's Caption/Manufacturer fields.
func readRawPlatform(serial string) (rawRead, error) {
	var entities []win32PnPEntity
	q := "SELECT DeviceID, Description, Manufacturer, Caption FROM Win32_PnPEntity WHERE DeviceID LIKE '%VID_0403%'"
	if err := wmi.Query(q, &entities); err != nil {
		return rawRead{}, fmt.Errorf("eeprom: WMI query failed: %w", err)
	}
	for _, e := range entities {
		if !strings.Contains(strings.ToUpper(e.DeviceID), strings.ToUpper(serial)) {
			continue
		}
		return rawRead{
			productDescription: e.Caption,
			manufacturer:       e.Manufacturer,
		}, nil
	}
	return rawRead{}, fmt.Errorf("eeprom: no PnP entity for FTDI serial %q", serial)
}
