package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/g960059/devhook/internal/logger"
)

type Config struct {
	SocketPath            string
	DBPath                string
	ActionsPath           string
	PollInterval          time.Duration
	DegradedAfterFailures int
	RecoverAfterSuccesses int
	Provider              string
	SysfsRoot             string
	NotifyBuffer          int
	DesktopNotify         bool
	NATSURL               string
	NATSSubject           string
	MetricsAddr           string
	JournalRetention      time.Duration
	Log                   logger.Config
}

const (
	ProviderAuto  = "auto"
	ProviderUdev  = "udev"
	ProviderSysfs = "sysfs"
)

func DefaultConfig() Config {
	return Config{
		SocketPath:            defaultSocketPath(),
		DBPath:                defaultStatePath("journal.db"),
		ActionsPath:           defaultConfigPath("device_actions.json"),
		PollInterval:          1 * time.Second,
		DegradedAfterFailures: 3,
		RecoverAfterSuccesses: 1,
		Provider:              ProviderAuto,
		SysfsRoot:             "/sys",
		NotifyBuffer:          64,
		NATSSubject:           "devhook.transitions",
		JournalRetention:      30 * 24 * time.Hour,
		Log:                   logger.DefaultConfig(),
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "devhook", "devhookd.sock")
	}
	return defaultStatePath("devhookd.sock")
}

func defaultStatePath(name string) string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "devhook", name)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "state", "devhook", name)
}

func defaultConfigPath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, "devhook", name)
}
