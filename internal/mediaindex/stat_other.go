//go:build !linux

package mediaindex

import (
	"io/fs"
	"time"
)

func addedTime(info fs.FileInfo) time.Time {
	return info.ModTime()
}
