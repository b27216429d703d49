package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mattjoyce/termfilechooser/internal/auth"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

const (
	DefaultPickerCommand = "/usr/share/termfilechooser/termpicker"
	DefaultListen        = "127.0.0.1:8765"
	DefaultName          = "untitled"
)

// Defaults returns the configuration used when no file is found. Paths derive
// from the XDG environment of the calling process.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			LogLevel:  "info",
			LogFormat: "json",
			LockPath:  defaultLockPath(),
		},
		Picker: PickerConfig{
			Command:     DefaultPickerCommand,
			DefaultDir:  defaultDir(),
			DefaultName: DefaultName,
		},
		State: StateConfig{
			Path:      defaultStatePath(),
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  DefaultListen,
		},
	}
}

// Load reads path over the defaults, verifies it against a sibling
// .checksums manifest when one exists, and validates the result. An empty
// path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		if err := validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(strings.NewReader(interpolateEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse %s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// verifyConfigHash checks path against the .checksums manifest in its
// directory. A missing manifest skips verification.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: termfilechooser config lock --config %s", basename, dir, path)
	}
	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: termfilechooser config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults fills values an explicit file left empty.
func applyConfigDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}
	if cfg.Service.LockPath == "" {
		cfg.Service.LockPath = d.Service.LockPath
	}
	if cfg.Picker.Command == "" {
		cfg.Picker.Command = d.Picker.Command
	}
	if cfg.Picker.DefaultDir == "" {
		cfg.Picker.DefaultDir = d.Picker.DefaultDir
	}
	if cfg.Picker.DefaultName == "" {
		cfg.Picker.DefaultName = d.Picker.DefaultName
	}
	if cfg.State.Path == "" {
		cfg.State.Path = d.State.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = d.API.Listen
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables are left in place and rejected by validate where it matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Picker.Timeout < 0 {
		return fmt.Errorf("picker.timeout must not be negative")
	}
	if cfg.State.Retention < 0 {
		return fmt.Errorf("state.retention must not be negative")
	}

	if cfg.API.Enabled {
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := unresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
			if err := auth.ValidateScopes(tok.Scopes); err != nil {
				return fmt.Errorf("api.auth.tokens[%d]: %w", i, err)
			}
		}
	}
	return nil
}

func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// Verify checks the parts of cfg that depend on the host: the picker command
// must resolve to an executable and the default directory must exist.
func Verify(cfg *Config) error {
	if _, err := exec.LookPath(cfg.Picker.Command); err != nil {
		return fmt.Errorf("picker.command %q is not executable: %w", cfg.Picker.Command, err)
	}
	info, err := os.Stat(cfg.Picker.DefaultDir)
	if err != nil {
		return fmt.Errorf("picker.default_dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("picker.default_dir %q is not a directory", cfg.Picker.DefaultDir)
	}
	return nil
}
