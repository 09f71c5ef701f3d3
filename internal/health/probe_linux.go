//go:build linux

package health

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// readLoadAvg returns the 1-minute load average from /proc/loadavg.
func readLoadAvg() (float64, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return load, true
}

// readMemoryPressure returns used-memory fraction derived from
// MemTotal and MemAvailable in /proc/meminfo.
func readMemoryPressure() (float64, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var total, available float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = value
		case "MemAvailable:":
			available = value
		}
		if total > 0 && available > 0 {
			break
		}
	}
	if total <= 0 {
		return 0, false
	}
	return 1 - available/total, true
}

// readDiskFreeRatio returns the unprivileged-free fraction of the
// filesystem holding path.
func readDiskFreeRatio(path string) (float64, bool) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return 0, false
	}
	if fs.Blocks == 0 {
		return 0, false
	}
	return float64(fs.Bavail) / float64(fs.Blocks), true
}
