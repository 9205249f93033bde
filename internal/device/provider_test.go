package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/g960059/devhook/internal/config"
	"github.com/g960059/devhook/internal/logger"
	"github.com/g960059/devhook/internal/model"
)

func TestEntryIdentityFormat(t *testing.T) {
	e := Entry{DisplayName: "DiskA", RawID: "ID1"}
	if got := e.Identity(); got != "DiskA (ID1)" {
		t.Fatalf("unexpected identity: %q", got)
	}
}

func TestCaptureSkipsEntriesWithoutRawID(t *testing.T) {
	p := ProviderFunc(func(context.Context) ([]Entry, error) {
		return []Entry{
			{DisplayName: "DiskA", RawID: "ID1"},
			{DisplayName: "Ghost", RawID: ""},
			{DisplayName: "DiskA", RawID: "ID1"},
		}, nil
	})
	snap, err := Capture(context.Background(), p)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if snap.Len() != 1 || !snap.Has("DiskA (ID1)") {
		t.Fatalf("unexpected snapshot: %v", snap.Sorted())
	}
}

func TestCaptureWrapsProviderError(t *testing.T) {
	boom := errors.New("wmi timeout")
	p := ProviderFunc(func(context.Context) ([]Entry, error) { return nil, boom })
	_, err := Capture(context.Background(), p)
	if !errors.Is(err, model.ErrProvider) || !errors.Is(err, boom) {
		t.Fatalf("expected provider error wrapping cause, got %v", err)
	}
}

func writeUSBDevice(t *testing.T, root, name string, attrs map[string]string) {
	t.Helper()
	dir := filepath.Join(root, "bus", "usb", "devices", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for k, v := range attrs {
		if err := os.WriteFile(filepath.Join(dir, k), []byte(v+"\n"), 0o644); err != nil {
			t.Fatalf("write attr: %v", err)
		}
	}
}

func TestSysfsProviderListsUSBDevices(t *testing.T) {
	root := t.TempDir()
	writeUSBDevice(t, root, "1-2", map[string]string{
		"idVendor":     "0781",
		"idProduct":    "5581",
		"manufacturer": "SanDisk",
		"product":      "Ultra",
		"serial":       "4C530001",
	})
	writeUSBDevice(t, root, "1-3", map[string]string{
		"idVendor":  "046d",
		"idProduct": "c52b",
		"product":   "USB Receiver",
	})
	writeUSBDevice(t, root, "1-2:1.0", map[string]string{"bInterfaceClass": "08"})
	writeUSBDevice(t, root, "usb1", map[string]string{"product": "root hub without ids"})

	entries, err := NewSysfsProvider(root).ListDevices(context.Background())
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 devices, got %#v", entries)
	}
	if entries[0].Identity() != `SanDisk Ultra (USB\VID_0781&PID_5581\4C530001)` {
		t.Fatalf("unexpected first identity: %s", entries[0].Identity())
	}
	if entries[1].Identity() != `USB Receiver (USB\VID_046D&PID_C52B\1-3)` {
		t.Fatalf("unexpected second identity: %s", entries[1].Identity())
	}
}

func TestSysfsProviderMissingRootFails(t *testing.T) {
	_, err := NewSysfsProvider(filepath.Join(t.TempDir(), "nope")).ListDevices(context.Background())
	if err == nil {
		t.Fatalf("expected error for missing sysfs tree")
	}
}

func TestNewSelectsSysfsProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Provider = config.ProviderSysfs
	cfg.SysfsRoot = t.TempDir()
	p, err := New(cfg, logger.NewTestLogger())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, ok := p.(*SysfsProvider); !ok {
		t.Fatalf("expected sysfs provider, got %T", p)
	}

	cfg.Provider = "wmi"
	if _, err := New(cfg, logger.NewTestLogger()); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestCheckUdevDatabase(t *testing.T) {
	cases := []struct {
		name        string
		total, init int
		wantErr     bool
	}{
		{name: "no devices", total: 0, init: 0},
		{name: "populated database", total: 3, init: 3},
		{name: "partially initialized", total: 3, init: 1},
		{name: "udevd not running", total: 3, init: 0, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkUdevDatabase(tc.total, tc.init)
			if tc.wantErr != (err != nil) {
				t.Fatalf("checkUdevDatabase(%d, %d) = %v", tc.total, tc.init, err)
			}
			if err != nil && !errors.Is(err, ErrUnsupported) {
				t.Fatalf("expected ErrUnsupported, got %v", err)
			}
		})
	}
}

func TestNewAutoFallsBackToSysfs(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Provider = config.ProviderAuto
	cfg.SysfsRoot = t.TempDir()
	p, err := New(cfg, logger.NewTestLogger())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, ok := p.(*UdevProvider); ok {
		t.Skip("udev is usable on this host")
	}
	if _, ok := p.(*SysfsProvider); !ok {
		t.Fatalf("expected sysfs fallback, got %T", p)
	}
}
