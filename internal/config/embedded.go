package config

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tildaslashalef/fieldsync/internal/loggy"
)

//go:embed env.sample
var configFS embed.FS

// SetupConfigDirectory creates configDir and writes the sample .env into it.
// An existing .env is left alone unless backupExisting is set, in which case
// it is copied aside before being replaced.
func SetupConfigDirectory(configDir string, backupExisting bool) (string, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	target := filepath.Join(configDir, ".env")
	if _, err := os.Stat(target); err == nil {
		if !backupExisting {
			return target, nil
		}
		backupPath := fmt.Sprintf("%s.%s.bak", target, time.Now().Format("20060102-150405"))
		existing, err := os.ReadFile(target)
		if err != nil {
			return "", fmt.Errorf("failed to read existing file for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, existing, 0600); err != nil {
			return "", fmt.Errorf("failed to write backup file: %w", err)
		}
		loggy.Info("Created backup of existing env file", "original", target, "backup", backupPath)
	}

	data, err := configFS.ReadFile("env.sample")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(target, data, 0600); err != nil {
		return "", err
	}

	loggy.Info("Wrote sample env file", "target", target)
	return target, nil
}
