package config

import (
	"os"
	"path/filepath"
)

const appName = "sqragent"

// ConfigDir returns the sqragent config directory, respecting XDG_CONFIG_HOME.
// Defaults to ~/.config/sqragent/.
func ConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DataDir returns the sqragent data directory, respecting XDG_DATA_HOME.
// Defaults to ~/.local/share/sqragent/.
func DataDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// StateDir returns the sqragent state directory, respecting XDG_STATE_HOME.
// Defaults to ~/.local/state/sqragent/.
func StateDir() (string, error) {
	return xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

func xdgDir(env, fallback string) (string, error) {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, fallback)
	}
	return filepath.Join(base, appName), nil
}
