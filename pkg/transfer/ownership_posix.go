//go:build !windows

package transfer

import (
	"os"
	"syscall"
)

// ownership extracts numeric owner and group identifiers from file metadata.
func ownership(info os.FileInfo) (int32, int32) {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return int32(stat.Uid), int32(stat.Gid)
	}
	return 0, 0
}
