package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SysfsProvider reads USB devices from <root>/bus/usb/devices.
type SysfsProvider struct {
	root string
}

func NewSysfsProvider(root string) *SysfsProvider {
	if strings.TrimSpace(root) == "" {
		root = "/sys"
	}
	return &SysfsProvider{root: root}
}

func (p *SysfsProvider) ListDevices(ctx context.Context) ([]Entry, error) {
	dir := filepath.Join(p.root, "bus", "usb", "devices")
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	names := make([]string, 0, len(dirents))
	for _, d := range dirents {
		// interface nodes look like 1-2:1.0
		if strings.Contains(d.Name(), ":") {
			continue
		}
		names = append(names, d.Name())
	}
	sort.Strings(names)

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		devDir := filepath.Join(dir, name)
		vendor := readAttr(devDir, "idVendor")
		product := readAttr(devDir, "idProduct")
		if vendor == "" || product == "" {
			continue
		}
		entries = append(entries, Entry{
			DisplayName: displayName(readAttr(devDir, "manufacturer"), readAttr(devDir, "product"), name),
			RawID:       rawUSBID(vendor, product, readAttr(devDir, "serial"), name),
		})
	}
	return entries, nil
}

func readAttr(dir, name string) string {
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func displayName(manufacturer, product, fallback string) string {
	switch {
	case product != "" && manufacturer != "" && !strings.HasPrefix(product, manufacturer):
		return manufacturer + " " + product
	case product != "":
		return product
	case manufacturer != "":
		return manufacturer + " device"
	default:
		return "USB device " + fallback
	}
}

// rawUSBID prefers the serial number; devices without one are keyed by
// their bus port, so moving them to another port renumbers them.
func rawUSBID(vendor, product, serial, port string) string {
	id := "USB\\VID_" + strings.ToUpper(vendor) + "&PID_" + strings.ToUpper(product)
	if serial != "" {
		return id + "\\" + serial
	}
	return id + "\\" + port
}
