//go:build linux && cgo

package device

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jochenvg/go-udev"
)

// UdevProvider enumerates initialized USB devices through libudev.
type UdevProvider struct {
	udev udev.Udev
}

// NewUdevProvider runs a trial enumeration and fails with ErrUnsupported
// when libudev cannot enumerate or its device database is not populated.
func NewUdevProvider() (*UdevProvider, error) {
	p := &UdevProvider{}
	all, err := p.enumerate(false)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	initialized, err := p.enumerate(true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	if err := checkUdevDatabase(len(all), len(initialized)); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *UdevProvider) enumerate(initializedOnly bool) ([]*udev.Device, error) {
	e := p.udev.NewEnumerate()
	if err := e.AddMatchSubsystem("usb"); err != nil {
		return nil, fmt.Errorf("udev match subsystem: %w", err)
	}
	if err := e.AddMatchProperty("DEVTYPE", "usb_device"); err != nil {
		return nil, fmt.Errorf("udev match devtype: %w", err)
	}
	if initializedOnly {
		if err := e.AddMatchIsInitialized(); err != nil {
			return nil, fmt.Errorf("udev match initialized: %w", err)
		}
	}
	devices, err := e.Devices()
	if err != nil {
		return nil, fmt.Errorf("udev enumerate: %w", err)
	}
	return devices, nil
}

func (p *UdevProvider) ListDevices(ctx context.Context) ([]Entry, error) {
	devices, err := p.enumerate(true)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(devices))
	for _, d := range devices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vendor := d.PropertyValue("ID_VENDOR_ID")
		product := d.PropertyValue("ID_MODEL_ID")
		if vendor == "" || product == "" {
			continue
		}
		entries = append(entries, Entry{
			DisplayName: displayName(
				firstNonEmpty(d.PropertyValue("ID_VENDOR_FROM_DATABASE"), d.SysattrValue("manufacturer")),
				firstNonEmpty(d.PropertyValue("ID_MODEL_FROM_DATABASE"), d.SysattrValue("product")),
				d.Sysname(),
			),
			RawID: rawUSBID(vendor, product, d.PropertyValue("ID_SERIAL_SHORT"), d.Sysname()),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RawID < entries[j].RawID })
	return entries, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
