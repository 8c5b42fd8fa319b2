//go:build linux

package sysinfo

import (
	"errors"

	"golang.org/x/sys/unix"
)

func statfs(path string) (total, available uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}

func unmount(target string) error {
	return unix.Unmount(target, 0)
}

func isBusy(err error) bool { return errors.Is(err, unix.EBUSY) }

func machineArch() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return unix.ByteSliceToString(uts.Machine[:])
}
