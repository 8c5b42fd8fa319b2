package sysinfo

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Poster schedules work on the owning context.
type Poster interface {
	Post(task func())
}

// StorageProvider queries mounted block-device filesystems.
type StorageProvider struct {
	opts   Options
	owner  Poster
	worker Poster

	// ready and removable are written on the owning context before the
	// first dispatch; ExecuteQuery only reads removable afterwards.
	ready     bool
	removable map[string]bool
}

// NewStorageProvider returns a provider that loads its device inventory on
// worker and hands it back to owner on first use. If either is nil the
// inventory is loaded inline.
func NewStorageProvider(owner, worker Poster, opts ...Option) *StorageProvider {
	return &StorageProvider{opts: buildOptions(opts), owner: owner, worker: worker}
}

func (p *StorageProvider) InitializeQuery(start func()) {
	if p.ready {
		start()
		return
	}
	if p.owner == nil || p.worker == nil {
		p.removable = loadBlockInventory(p.opts.SysRoot)
		p.ready = true
		start()
		return
	}
	sysRoot := p.opts.SysRoot
	p.worker.Post(func() {
		inventory := loadBlockInventory(sysRoot)
		p.owner.Post(func() {
			p.removable = inventory
			p.ready = true
			start()
		})
	})
}

func (p *StorageProvider) ExecuteQuery() (StorageInfo, bool) {
	mounts, err := readMounts(filepath.Join(p.opts.ProcRoot, "self", "mounts"))
	if err != nil {
		return StorageInfo{}, false
	}

	info := StorageInfo{Units: make([]StorageUnit, 0, len(mounts))}
	for _, m := range mounts {
		total, avail, err := p.opts.Stat(m.mountPoint)
		if err != nil {
			continue
		}
		name := filepath.Base(m.device)
		info.Units = append(info.Units, StorageUnit{
			ID:                unitID(m.device, m.mountPoint),
			Name:              name,
			MountPoint:        m.mountPoint,
			FSType:            m.fsType,
			Type:              p.classify(name),
			Capacity:          total,
			AvailableCapacity: avail,
		})
	}
	return info, true
}

func (p *StorageProvider) classify(device string) StorageUnitType {
	removable, ok := p.removable[device]
	if !ok {
		parent := parentDevice(device)
		removable, ok = p.removable[parent]
	}
	switch {
	case !ok:
		return StorageUnknown
	case removable:
		return StorageRemovable
	default:
		return StorageFixed
	}
}

func unitID(device, mountPoint string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("storage:"+device+":"+mountPoint)).String()
}

// loadBlockInventory maps every /sys/block device to its removable flag.
func loadBlockInventory(sysRoot string) map[string]bool {
	out := map[string]bool{}
	entries, err := os.ReadDir(filepath.Join(sysRoot, "block"))
	if err != nil {
		return out
	}
	for _, e := range entries {
		flag := readSysfsString(filepath.Join(sysRoot, "block", e.Name(), "removable"))
		out[e.Name()] = flag == "1"
	}
	return out
}

// parentDevice strips a partition suffix: sda1 -> sda, nvme0n1p2 -> nvme0n1,
// mmcblk0p1 -> mmcblk0.
func parentDevice(name string) string {
	trimmed := strings.TrimRight(name, "0123456789")
	if trimmed == name || trimmed == "" {
		return name
	}
	if strings.HasSuffix(trimmed, "p") {
		base := trimmed[:len(trimmed)-1]
		if base != "" && base[len(base)-1] >= '0' && base[len(base)-1] <= '9' {
			return base
		}
	}
	return trimmed
}

type mountEntry struct {
	device     string
	mountPoint string
	fsType     string
}

// readMounts parses a mounts table and keeps the first block-device entry for
// each mount point.
func readMounts(path string) ([]mountEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []mountEntry
	seen := map[string]struct{}{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}
		m := mountEntry{
			device:     unescapeMountField(fields[0]),
			mountPoint: unescapeMountField(fields[1]),
			fsType:     fields[2],
		}
		if _, dup := seen[m.mountPoint]; dup {
			continue
		}
		seen[m.mountPoint] = struct{}{}
		out = append(out, m)
	}
	return out, scanner.Err()
}

// unescapeMountField decodes the octal escapes (\040 for space) used in
// mount tables.
func unescapeMountField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
