package sysinfo

import "time"

// CPUInfo describes the host processors.
type CPUInfo struct {
	ArchName        string   `json:"archName"`
	ModelName       string   `json:"modelName"`
	NumOfProcessors int      `json:"numOfProcessors"`
	Features        []string `json:"features"`
	// UsagePercent is the busy share of all processors over the last
	// sample window, 0..100.
	UsagePercent float64 `json:"usagePercent"`
}

// MemoryInfo reports capacities in bytes.
type MemoryInfo struct {
	Capacity          uint64 `json:"capacity"`
	AvailableCapacity uint64 `json:"availableCapacity"`
	SwapCapacity      uint64 `json:"swapCapacity"`
}

type StorageUnitType string

const (
	StorageFixed     StorageUnitType = "fixed"
	StorageRemovable StorageUnitType = "removable"
	StorageUnknown   StorageUnitType = "unknown"
)

// StorageUnit is one mounted block-device filesystem.
type StorageUnit struct {
	// ID is stable for a device/mount point pair across queries.
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	MountPoint        string          `json:"mountPoint"`
	FSType            string          `json:"fsType"`
	Type              StorageUnitType `json:"type"`
	Capacity          uint64          `json:"capacity"`
	AvailableCapacity uint64          `json:"availableCapacity"`
}

type StorageInfo struct {
	Units []StorageUnit `json:"units"`
}

// Unit returns the unit with the given ID.
func (s StorageInfo) Unit(id string) (StorageUnit, bool) {
	for _, u := range s.Units {
		if u.ID == id {
			return u, true
		}
	}
	return StorageUnit{}, false
}

// Options locates the kernel interfaces the providers read.
//
// Defaults:
// - ProcRoot:            /proc
// - SysRoot:             /sys
// - CPUSampleInterval:   250ms
type Options struct {
	ProcRoot          string
	SysRoot           string
	CPUSampleInterval time.Duration
	// Stat reports total and available bytes of the filesystem at a path.
	// Nil uses statfs(2).
	Stat StatFunc
	// Arch reports the machine architecture. Nil uses uname(2).
	Arch func() string
	// Unmount detaches the filesystem at a mount point. Nil uses umount(2).
	Unmount func(target string) error
}

type Option func(*Options)

func WithProcRoot(p string) Option { return func(o *Options) { o.ProcRoot = p } }
func WithSysRoot(p string) Option  { return func(o *Options) { o.SysRoot = p } }
func WithCPUSampleInterval(d time.Duration) Option {
	return func(o *Options) { o.CPUSampleInterval = d }
}
func WithStat(f StatFunc) Option                     { return func(o *Options) { o.Stat = f } }
func WithArch(f func() string) Option                { return func(o *Options) { o.Arch = f } }
func WithUnmount(f func(target string) error) Option { return func(o *Options) { o.Unmount = f } }

// StatFunc reports total and available bytes for the filesystem at path.
type StatFunc func(path string) (total, available uint64, err error)

func buildOptions(opts []Option) Options {
	o := Options{
		ProcRoot:          "/proc",
		SysRoot:           "/sys",
		CPUSampleInterval: 250 * time.Millisecond,
	}
	for _, f := range opts {
		f(&o)
	}
	if o.Stat == nil {
		o.Stat = statfs
	}
	if o.Arch == nil {
		o.Arch = machineArch
	}
	if o.Unmount == nil {
		o.Unmount = unmount
	}
	return o
}
