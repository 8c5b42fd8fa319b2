package sysinfo

import "path/filepath"

// MemoryProvider queries /proc/meminfo.
type MemoryProvider struct {
	opts Options
}

func NewMemoryProvider(opts ...Option) *MemoryProvider {
	return &MemoryProvider{opts: buildOptions(opts)}
}

func (p *MemoryProvider) ExecuteQuery() (MemoryInfo, bool) {
	var info MemoryInfo
	var haveTotal bool
	err := readKeyValues(filepath.Join(p.opts.ProcRoot, "meminfo"), func(key, value string) {
		n, ok := parseKB(value)
		if !ok {
			return
		}
		switch key {
		case "MemTotal":
			info.Capacity, haveTotal = n, true
		case "MemAvailable":
			info.AvailableCapacity = n
		case "SwapTotal":
			info.SwapCapacity = n
		}
	})
	if err != nil || !haveTotal {
		return MemoryInfo{}, false
	}
	return info, true
}
