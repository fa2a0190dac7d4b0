package worker

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// limitMemory caps the address space of pid.
func limitMemory(pid int, limit uint64) error {
	rl := unix.Rlimit{Cur: limit, Max: limit}
	if err := unix.Prlimit(pid, unix.RLIMIT_AS, &rl, nil); err != nil {
		return fmt.Errorf("failed to set RLIMIT_AS on pid %d: %w", pid, err)
	}
	return nil
}

// processRSS returns the resident set size of pid from /proc.
func processRSS(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("unexpected statm format for pid %d", pid)
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse statm for pid %d: %w", pid, err)
	}
	return pages * uint64(unix.Getpagesize()), nil
}
