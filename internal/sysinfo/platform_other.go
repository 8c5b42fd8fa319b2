//go:build !linux

package sysinfo

import (
	"errors"
	"runtime"
)

var errUnsupported = errors.New("sysinfo: not supported on " + runtime.GOOS)

func statfs(string) (uint64, uint64, error) { return 0, 0, errUnsupported }

func unmount(string) error { return errUnsupported }

func isBusy(error) bool { return false }

func machineArch() string { return runtime.GOARCH }
