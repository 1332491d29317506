package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Defaults holds the application default paths.
type Defaults struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
}

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - PBK_CONFIG_PATH: config file location (default: ~/.config/pbk.toml)
//   - PBK_HOME: base directory for pbk data (default: ~/.local/share/pbk)
//   - PBK_LOG_DIR: log directory (default: $PBK_HOME/log)
func GetDefaults() (*Defaults, error) {
	configPath, err := envOrHome("PBK_CONFIG_PATH", ".config", "pbk.toml")
	if err != nil {
		return nil, err
	}

	baseDir, err := envOrHome("PBK_HOME", ".local", "share", "pbk")
	if err != nil {
		return nil, err
	}

	logDir := os.Getenv("PBK_LOG_DIR")
	if logDir == "" {
		logDir = filepath.Join(baseDir, "log")
	}

	return &Defaults{ConfigPath: configPath, BaseDir: baseDir, LogDir: logDir}, nil
}

// envOrHome returns the value of env, falling back to elem joined under the
// user's home directory.
func envOrHome(env string, elem ...string) (string, error) {
	if path := os.Getenv(env); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{homeDir}, elem...)...), nil
}
