package jobconfig

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	errwrap "github.com/3leaps/gorum/internal/errors"
)

// Load reads the settings saved for outputDir. It returns (nil, nil) when no
// settings were saved and an error when the file exists but is unreadable or
// malformed.
func Load(outputDir string) (*Settings, error) {
	path := SettingsPath(outputDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errwrap.WrapEnvironment(err, "read saved settings "+path)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, errwrap.WrapEnvironment(fmt.Errorf("file is empty"), "read saved settings "+path)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errwrap.WrapEnvironment(err, "parse saved settings "+path)
	}
	return &s, nil
}

// Save overwrites the persisted settings atomically.
func Save(s *Settings) error {
	if s == nil {
		return fmt.Errorf("settings are nil")
	}
	if strings.TrimSpace(s.OutputDir) == "" {
		return fmt.Errorf("output_dir is required")
	}

	dir := ControlDir(s.OutputDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errwrap.WrapEnvironment(err, "create control directory")
	}

	b, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	tmp, err := os.CreateTemp(dir, SettingsFileName+".tmp.*")
	if err != nil {
		return errwrap.WrapEnvironment(err, "create temp settings file")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return errwrap.WrapEnvironment(err, "write temp settings file")
	}
	if err := tmp.Close(); err != nil {
		return errwrap.WrapEnvironment(err, "close temp settings file")
	}
	if err := os.Rename(tmpName, SettingsPath(s.OutputDir)); err != nil {
		return errwrap.WrapEnvironment(err, "rename settings file")
	}
	return nil
}
