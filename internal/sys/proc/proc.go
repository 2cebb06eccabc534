// Package proc provides process information read from the /proc filesystem.
package proc

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// Identity names the profiled process. It is captured once at bootstrap and
// handed to the daemon, which labels its sessions with it.
type Identity struct {
	PID     int
	Cmdline string
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	if id.Cmdline == "" {
		return strconv.Itoa(id.PID)
	}
	return fmt.Sprintf("%d (%s)", id.PID, id.Cmdline)
}

// CaptureIdentity returns the identity of pid. The command line is
// best-effort: on failure the identity carries the PID only and the error is
// returned alongside so the caller can log it.
func CaptureIdentity(pid int) (Identity, error) {
	id := Identity{PID: pid}
	cmdline, err := GetCmdline(pid)
	if err != nil {
		return id, err
	}
	id.Cmdline = cmdline
	return id, nil
}

// GetCmdline returns the space-joined command line of pid.
func GetCmdline(pid int) (string, error) {
	//nolint:gosec // G115: PIDs fit in int32.
	p, err := process.NewProcess(int32(pid))
	if err == nil {
		if cmdline, err := p.Cmdline(); err == nil && cmdline != "" {
			return cmdline, nil
		}
	}

	// Fall back to reading procfs directly.
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return "", fmt.Errorf("failed to read cmdline for pid %d: %w", pid, err)
	}
	cmdline := strings.TrimSpace(string(bytes.ReplaceAll(bytes.TrimRight(data, "\x00"), []byte{0}, []byte{' '})))
	if cmdline == "" {
		return "", fmt.Errorf("empty cmdline for pid %d", pid)
	}
	return cmdline, nil
}

// OpenDescriptors lists the open descriptor numbers of pid in ascending order.
func OpenDescriptors(pid int) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join("/proc", strconv.Itoa(pid), "fd"))
	if err != nil {
		return nil, fmt.Errorf("failed to read fd dir for pid %d: %w", pid, err)
	}

	fds := make([]int, 0, len(entries))
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fds = append(fds, fd)
	}
	sort.Ints(fds)

	return fds, nil
}
