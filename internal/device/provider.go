// Package device turns the host device inventory into snapshots.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/g960059/devhook/internal/config"
	"github.com/g960059/devhook/internal/logger"
	"github.com/g960059/devhook/internal/model"
)

// Entry is one device as reported by the OS enumeration API.
type Entry struct {
	DisplayName string `json:"display_name"`
	RawID       string `json:"raw_id"`
}

// Identity renders the entry as "<name> (<rawId>)".
func (e Entry) Identity() model.DeviceIdentity {
	return model.DeviceIdentity(fmt.Sprintf("%s (%s)", e.DisplayName, e.RawID))
}

type Provider interface {
	ListDevices(ctx context.Context) ([]Entry, error)
}

type ProviderFunc func(ctx context.Context) ([]Entry, error)

func (f ProviderFunc) ListDevices(ctx context.Context) ([]Entry, error) {
	return f(ctx)
}

var ErrUnsupported = errors.New("device provider not supported on this platform")

// checkUdevDatabase rejects udev when it sees USB devices but none of them
// initialized, which means udevd is not maintaining its database.
func checkUdevDatabase(total, initialized int) error {
	if total > 0 && initialized == 0 {
		return fmt.Errorf("%w: udev database not populated (%d usb devices, none initialized)", ErrUnsupported, total)
	}
	return nil
}

// Capture polls p once. Entries without a raw id are not identifiable and
// are left out.
func Capture(ctx context.Context, p Provider) (model.Snapshot, error) {
	entries, err := p.ListDevices(ctx)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("%w: %w", model.ErrProvider, err)
	}
	ids := make([]model.DeviceIdentity, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.RawID) == "" {
			continue
		}
		ids = append(ids, e.Identity())
	}
	return model.NewSnapshot(ids...), nil
}

// New selects the provider named by cfg.Provider. "auto" prefers udev and
// falls back to sysfs when udev is unavailable.
func New(cfg config.Config, log logger.Logger) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderUdev:
		return NewUdevProvider()
	case config.ProviderSysfs:
		return NewSysfsProvider(cfg.SysfsRoot), nil
	case config.ProviderAuto, "":
		p, err := NewUdevProvider()
		if err == nil {
			return p, nil
		}
		log.Info().Err(err).Str("sysfs_root", cfg.SysfsRoot).Msg("udev unavailable; using sysfs provider")
		return NewSysfsProvider(cfg.SysfsRoot), nil
	default:
		return nil, fmt.Errorf("unknown device provider %q", cfg.Provider)
	}
}
