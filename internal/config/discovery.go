package config

import (
	"os"
	"path/filepath"
)

const appName = "termfilechooser"

// Discover returns the first configuration file found, in priority order:
// $TERMFILECHOOSER_CONFIG, $XDG_CONFIG_HOME/termfilechooser/config.yaml
// (~/.config when unset), /etc/xdg/termfilechooser/config.yaml.
// It returns "" when none exists.
func Discover() string {
	for _, path := range candidatePaths() {
		if fileExists(path) {
			return path
		}
	}
	return ""
}

func candidatePaths() []string {
	var paths []string
	if p := os.Getenv("TERMFILECHOOSER_CONFIG"); p != "" {
		paths = append(paths, p)
	}
	if dir := xdgDir("XDG_CONFIG_HOME", ".config"); dir != "" {
		paths = append(paths, filepath.Join(dir, appName, "config.yaml"))
	}
	return append(paths, filepath.Join("/etc/xdg", appName, "config.yaml"))
}

// xdgDir returns $env, or $HOME/fallback when env is unset or relative.
func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); filepath.IsAbs(dir) {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, fallback)
}

func defaultLockPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); filepath.IsAbs(dir) {
		return filepath.Join(dir, appName+".lock")
	}
	return filepath.Join(os.TempDir(), appName+".lock")
}

func defaultStatePath() string {
	dir := xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, appName, "history.db")
}

func defaultDir() string {
	if home, err := os.UserHomeDir(); err == nil && dirExists(home) {
		return home
	}
	return "/tmp"
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
