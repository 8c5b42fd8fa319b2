package sysinfo

import (
	"errors"
	"fmt"
)

// ErrUnknownUnit reports a storage unit ID absent from the current storage
// information.
var ErrUnknownUnit = errors.New("sysinfo: unknown storage unit")

// EjectResult classifies the outcome of Eject.
type EjectResult string

const (
	EjectSuccess      EjectResult = "success"
	EjectInUse        EjectResult = "in_use"
	EjectNoSuchDevice EjectResult = "no_such_device"
	EjectFailure      EjectResult = "failure"
)

// Eject unmounts the filesystem of unit id as listed in info. It blocks and
// belongs on the worker context.
func (p *StorageProvider) Eject(info StorageInfo, id string) error {
	unit, ok := info.Unit(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	if err := p.opts.Unmount(unit.MountPoint); err != nil {
		return fmt.Errorf("sysinfo: eject %s: %w", unit.MountPoint, err)
	}
	return nil
}

// EjectResultOf maps an error returned by Eject to its result.
func EjectResultOf(err error) EjectResult {
	switch {
	case err == nil:
		return EjectSuccess
	case errors.Is(err, ErrUnknownUnit):
		return EjectNoSuchDevice
	case isBusy(err):
		return EjectInUse
	default:
		return EjectFailure
	}
}
