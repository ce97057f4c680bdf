//go:build !darwin

package channel

import (
	"runtime"
	"syscall"

	"grimm.is/pfkit/internal/errors"
)

// openDevice fails on platforms without pf's Darwin ioctl ABI. Use
// OpenDevice with a SimKernel instead.
func openDevice(path string) (Device, error) {
	return nil, errors.Wrapf(syscall.ENODEV, errors.KindUnavailable, "pf device not supported on %s", runtime.GOOS)
}
