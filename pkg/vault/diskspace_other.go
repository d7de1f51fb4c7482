//go:build !linux && !darwin && !freebsd && !windows

package vault

import "errors"

func diskAvailable(string) (uint64, error) {
	return 0, errors.New("vault: disk stats not supported on this platform")
}
