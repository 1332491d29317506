package drive

import (
	"context"
	"fmt"

	"pbk-go/internal/config"
	"pbk-go/internal/pbk"
)

// NewDriveFromConfig creates a drive implementation based on the drive config type.
func NewDriveFromConfig(ctx context.Context, cfg config.DriveConfig, ids pbk.IDGenerator) (*Namespace, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryDrive(ids), nil
	case "s3":
		return NewS3Drive(ctx, cfg, ids)
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem drive requires fs_root to be set")
		}
		return NewFileSystemDrive(cfg.FSRoot, ids)
	default:
		return nil, fmt.Errorf("unknown drive type: %s", cfg.Type)
	}
}
