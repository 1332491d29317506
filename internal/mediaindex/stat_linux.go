//go:build linux

package mediaindex

import (
	"io/fs"
	"syscall"
	"time"
)

// addedTime approximates when a file entered the library by its inode
// change time, which copying or moving a file resets.
func addedTime(info fs.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(int64(stat.Ctim.Sec), int64(stat.Ctim.Nsec))
}
