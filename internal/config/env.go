package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override the station file.
const (
	EnvMockDevices = "STAGESCAN_MOCK_DEVICES"
	EnvDebugLevel  = "STAGESCAN_DEBUG_LEVEL"
	EnvOutputDir   = "STAGESCAN_OUTPUT_DIR"
	EnvSettings    = "STAGESCAN_SETTINGS_FILE"
)

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with STAGESCAN_* variables from the environment.
func ApplyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvMockDevices); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMockDevices, err)
		}
		cfg.Defaults.MockDevices = b
	}
	if v, ok := os.LookupEnv(EnvDebugLevel); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDebugLevel, err)
		}
		if n < 0 || n > 4 {
			return fmt.Errorf("%s must be between 0 and 4, got %d", EnvDebugLevel, n)
		}
		cfg.Defaults.DebugLevel = n
	}
	if v := os.Getenv(EnvOutputDir); v != "" {
		cfg.Camera.OutputDir = v
	}
	if v := os.Getenv(EnvSettings); v != "" {
		cfg.SettingsFile = v
	}
	return nil
}
