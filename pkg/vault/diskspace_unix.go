//go:build linux || darwin || freebsd

package vault

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// diskAvailable returns the bytes available to unprivileged users on the
// filesystem holding dir.
func diskAvailable(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("vault: failed to get disk stats: %w", err)
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}
