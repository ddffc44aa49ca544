package agent

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// procReader reads per-process usage counters. The default implementation
// parses /proc; tests substitute canned values.
type procReader interface {
	// read returns cumulative CPU jiffies and resident set size in bytes.
	read(pid int) (jiffies uint64, rssBytes uint64, err error)
}

type linuxProcReader struct{}

// read parses /proc/<pid>/stat for utime+stime and /proc/<pid>/statm for RSS.
func (linuxProcReader) read(pid int) (uint64, uint64, error) {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, err
	}
	// Field 2 (comm) may contain spaces; everything after the closing paren
	// is space-separated. utime and stime are fields 14 and 15 (1-based).
	idx := strings.LastIndexByte(string(stat), ')')
	if idx < 0 {
		return 0, 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(stat[idx+1:]))
	if len(fields) < 13 {
		return 0, 0, fmt.Errorf("short stat for pid %d", pid)
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, 0, err
	}

	statm, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, 0, err
	}
	parts := strings.Fields(string(statm))
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("short statm for pid %d", pid)
	}
	rssPages, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}

	return utime + stime, rssPages * uint64(os.Getpagesize()), nil
}

// jiffiesPerSecond is the kernel clock tick rate (USER_HZ). 100 on every
// mainstream Linux configuration.
const jiffiesPerSecond = 100

// cpuPercent converts a jiffies delta over a wall-clock interval to a
// percentage of one core.
func cpuPercent(deltaJiffies uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	cpuSeconds := float64(deltaJiffies) / jiffiesPerSecond
	return 100 * cpuSeconds / elapsed.Seconds()
}
