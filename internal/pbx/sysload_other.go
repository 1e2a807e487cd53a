//go:build !linux

package pbx

import "errors"

var errNoProbe = errors.New("system load probes are only available on linux")

type hostStats struct{}

func (hostStats) LoadAverage() (float64, error) { return 0, errNoProbe }

func (hostStats) FreeMemoryMB() (int, error) { return 0, errNoProbe }
