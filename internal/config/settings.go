package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// CameraSettings is the persisted camera state rewritten on every apply.
type CameraSettings struct {
	ExposureTime float64 `json:"exposure_time"` // microseconds
	Gain         float64 `json:"gain"`          // dB
}

// DefaultCameraSettings is used when no settings file exists yet.
func DefaultCameraSettings() CameraSettings {
	return CameraSettings{ExposureTime: 1400, Gain: 0}
}

// Validate rejects values the camera can never accept.
func (s CameraSettings) Validate() error {
	if math.IsNaN(s.ExposureTime) || math.IsInf(s.ExposureTime, 0) || s.ExposureTime <= 0 {
		return fmt.Errorf("exposure_time must be > 0, got %g", s.ExposureTime)
	}
	if math.IsNaN(s.Gain) || math.IsInf(s.Gain, 0) || s.Gain < 0 {
		return fmt.Errorf("gain must be >= 0, got %g", s.Gain)
	}
	return nil
}

// SettingsStore reads and writes the camera settings file.
type SettingsStore struct {
	mu   sync.Mutex
	path string
}

// NewSettingsStore creates a store backed by path.
func NewSettingsStore(path string) *SettingsStore {
	return &SettingsStore{path: path}
}

// Path returns the backing file path.
func (s *SettingsStore) Path() string {
	return s.path
}

// Load returns the stored settings, or the defaults when the file is absent.
// Keys missing from the file keep their default value.
func (s *SettingsStore) Load() (CameraSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := DefaultCameraSettings()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("read settings: %w", err)
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return DefaultCameraSettings(), fmt.Errorf("decode settings %s: %w", s.path, err)
	}
	return settings, nil
}

// Save rewrites the settings file. The write goes through a temporary file
// so a crash never leaves a truncated file behind.
func (s *SettingsStore) Save(settings CameraSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
