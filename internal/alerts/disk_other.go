//go:build !linux && !darwin

package alerts

import "errors"

func diskUsage(string) (DiskUsage, error) {
	return DiskUsage{}, errors.New("disk usage not supported on this platform")
}
