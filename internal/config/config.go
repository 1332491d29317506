package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Defaults applied by Normalize when a value is absent.
const (
	DefaultMaxAttempts       = 5
	DefaultUploadParallelism = 4
)

// Config represents the main configuration for pbk.
type Config struct {
	UserID     string           `toml:"user_id"`
	ClientUID  string           `toml:"client_uid"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Database   DatabaseConfig   `toml:"database"`
	Drive      DriveConfig      `toml:"drive"`
	Encryption EncryptionConfig `toml:"encryption"`
	Media      MediaConfig      `toml:"media"`
	Backup     BackupConfig     `toml:"backup"`
}

// DatabaseConfig represents configuration for the backup state database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// DriveConfig represents configuration for the remote drive receiving uploads.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DriveConfig struct {
	Type string `toml:"type"` // "memory", "filesystem" or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // for S3-compatible stores
	S3Profile  string `toml:"s3_profile,omitempty"`

	// Static credentials; the default AWS chain is used when empty
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used for encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// MediaConfig lists the local library roots. Every directory under a root
// that directly holds media is one bucket.
type MediaConfig struct {
	Roots  []string `toml:"roots"`
	Ignore []string `toml:"ignore"` // glob patterns, like a .pbkignore file
}

// BackupConfig holds upload policy and the remote destination.
type BackupConfig struct {
	ShareID           string `toml:"share_id"`
	ParentID          string `toml:"parent_id"`
	MaxAttempts       int    `toml:"max_attempts"`
	UploadParallelism int    `toml:"upload_parallelism"`
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(userID, clientUID, baseDir string) *Config {
	return &Config{
		UserID:    userID,
		ClientUID: clientUID,
		BaseDir:   baseDir,
		LogDir:    filepath.Join(baseDir, "log"),
		Database:  DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Drive:     DriveConfig{Type: "filesystem", FSRoot: filepath.Join(baseDir, "drive")},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "pbk.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "pbk.key"),
		},
		Backup: BackupConfig{
			ShareID:           "default",
			ParentID:          "photos",
			MaxAttempts:       DefaultMaxAttempts,
			UploadParallelism: DefaultUploadParallelism,
		},
	}
}

// Normalize fills zero-valued tunables with their defaults.
func (c *Config) Normalize() {
	if c.Backup.MaxAttempts <= 0 {
		c.Backup.MaxAttempts = DefaultMaxAttempts
	}
	if c.Backup.UploadParallelism <= 0 {
		c.Backup.UploadParallelism = DefaultUploadParallelism
	}
}

// Validate reports the first missing required setting.
func (c *Config) Validate() error {
	switch {
	case c.UserID == "":
		return fmt.Errorf("user_id is required")
	case c.ClientUID == "":
		return fmt.Errorf("client_uid is required")
	case c.Backup.ShareID == "":
		return fmt.Errorf("backup.share_id is required")
	case c.Backup.ParentID == "":
		return fmt.Errorf("backup.parent_id is required")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path, refusing to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
