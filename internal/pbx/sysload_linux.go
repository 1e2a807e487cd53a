//go:build linux

package pbx

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// loadScale is the fixed-point scale of sysinfo load averages.
const loadScale = 1 << 16

type hostStats struct{}

func (hostStats) sysinfo() (*unix.Sysinfo_t, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return nil, fmt.Errorf("sysinfo: %w", err)
	}
	return &info, nil
}

// LoadAverage returns the 1-minute load average.
func (h hostStats) LoadAverage() (float64, error) {
	info, err := h.sysinfo()
	if err != nil {
		return 0, err
	}
	return float64(info.Loads[0]) / loadScale, nil
}

// FreeMemoryMB returns free plus buffer memory in megabytes.
func (h hostStats) FreeMemoryMB() (int, error) {
	info, err := h.sysinfo()
	if err != nil {
		return 0, err
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	return int(free / (1 << 20)), nil
}
