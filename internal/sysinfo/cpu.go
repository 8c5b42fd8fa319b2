package sysinfo

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CPUProvider queries processor inventory and utilization.
type CPUProvider struct {
	opts Options

	// interval is owned by the owning context; sample is the copy the
	// worker reads, refreshed by PrepareQuery.
	interval time.Duration
	sample   time.Duration

	// prev is touched only by ExecuteQuery, which never overlaps itself.
	prev cpuTimes
}

func NewCPUProvider(opts ...Option) *CPUProvider {
	o := buildOptions(opts)
	return &CPUProvider{opts: o, interval: o.CPUSampleInterval}
}

// SetSampleInterval changes the usage window for subsequent cycles. A zero
// interval measures usage since the previous query instead of sleeping.
// Owning context only.
func (p *CPUProvider) SetSampleInterval(d time.Duration) { p.interval = d }

func (p *CPUProvider) PrepareQuery() { p.sample = p.interval }

func (p *CPUProvider) ExecuteQuery() (CPUInfo, bool) {
	info, err := readCPUInfo(filepath.Join(p.opts.ProcRoot, "cpuinfo"))
	if err != nil {
		return CPUInfo{}, false
	}
	info.ArchName = p.opts.Arch()

	statPath := filepath.Join(p.opts.ProcRoot, "stat")
	first, err := readCPUTimes(statPath)
	if err != nil {
		return info, false
	}
	before := p.prev
	if p.sample > 0 {
		before = first
		time.Sleep(p.sample)
		if first, err = readCPUTimes(statPath); err != nil {
			return info, false
		}
	}
	info.UsagePercent = usagePercent(before, first)
	p.prev = first
	return info, true
}

func readCPUInfo(path string) (CPUInfo, error) {
	var info CPUInfo
	features := map[string]struct{}{}
	err := readKeyValues(path, func(key, value string) {
		switch key {
		case "processor":
			info.NumOfProcessors++
		case "model name", "Model", "cpu model":
			if info.ModelName == "" {
				info.ModelName = value
			}
		case "flags", "Features":
			for _, f := range strings.Fields(value) {
				features[f] = struct{}{}
			}
		}
	})
	if err != nil {
		return CPUInfo{}, err
	}
	info.Features = make([]string, 0, len(features))
	for f := range features {
		info.Features = append(info.Features, f)
	}
	sort.Strings(info.Features)
	return info, nil
}

type cpuTimes struct {
	busy  uint64
	total uint64
}

// readCPUTimes reads the aggregate "cpu" line of /proc/stat. Guest time is
// already part of user time and is not added again.
func readCPUTimes(path string) (cpuTimes, error) {
	f, err := os.Open(path)
	if err != nil {
		return cpuTimes{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var values [8]uint64
		for i := 1; i < len(fields) && i <= len(values); i++ {
			values[i-1], _ = strconv.ParseUint(fields[i], 10, 64)
		}
		var total uint64
		for _, v := range values {
			total += v
		}
		idle := values[3] + values[4] // idle + iowait
		return cpuTimes{busy: total - idle, total: total}, nil
	}
	if err := scanner.Err(); err != nil {
		return cpuTimes{}, err
	}
	return cpuTimes{}, os.ErrNotExist
}

func usagePercent(before, after cpuTimes) float64 {
	if after.total <= before.total || after.busy < before.busy {
		return 0
	}
	return 100 * float64(after.busy-before.busy) / float64(after.total-before.total)
}
