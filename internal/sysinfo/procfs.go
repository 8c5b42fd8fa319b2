package sysinfo

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// readSysfsString returns the trimmed contents of path, or "" if it cannot
// be read.
func readSysfsString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// readKeyValues calls visit for every "key: value" line of path, as found
// in /proc/meminfo and /proc/cpuinfo. Both sides are trimmed.
func readKeyValues(path string, visit func(key, value string)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		visit(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return scanner.Err()
}

// parseKB converts a meminfo value such as "16303772 kB" to bytes.
func parseKB(value string) (uint64, bool) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, false
	}
	if len(fields) > 1 && strings.EqualFold(fields[1], "kB") {
		n *= 1024
	}
	return n, true
}
