package pbx

import (
	"errors"
	"strings"
	"testing"
)

type fakeStats struct {
	load    float64
	freeMB  int
	loadErr error
}

func (f fakeStats) LoadAverage() (float64, error) { return f.load, f.loadErr }
func (f fakeStats) FreeMemoryMB() (int, error)    { return f.freeMB, nil }

func TestCallGateLimits(t *testing.T) {
	tests := []struct {
		name   string
		cfg    GateConfig
		stats  fakeStats
		reason string
	}{
		{"load", GateConfig{MaxLoad: 2}, fakeStats{load: 3.5, freeMB: 1024}, "load average"},
		{"memory", GateConfig{MinFreeMemMB: 512}, fakeStats{freeMB: 100}, "free memory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewCallGate(tt.cfg, tt.stats, testLogger())
			err := g.Acquire()
			if !errors.Is(err, ErrCallLimit) {
				t.Fatalf("Acquire = %v, want ErrCallLimit", err)
			}
			var cle *CallLimitError
			if !errors.As(err, &cle) || !strings.Contains(cle.Reason, tt.reason) {
				t.Errorf("reason = %+v, want %q", cle, tt.reason)
			}
			if g.Active() != 0 || g.Refused() != 1 {
				t.Errorf("active=%d refused=%d", g.Active(), g.Refused())
			}
		})
	}
}

func TestCallGateMaxCalls(t *testing.T) {
	g := NewCallGate(GateConfig{MaxCalls: 2}, fakeStats{}, testLogger())
	for i := 0; i < 2; i++ {
		if err := g.Acquire(); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := g.Acquire(); !errors.Is(err, ErrCallLimit) {
		t.Fatalf("third acquire = %v", err)
	}
	g.Release()
	if err := g.Acquire(); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if g.Active() != 2 || g.Total() != 3 || g.Refused() != 1 {
		t.Errorf("active=%d total=%d refused=%d", g.Active(), g.Total(), g.Refused())
	}
	g.Release()
	g.Release()
	g.Release()
	if g.Active() != 0 {
		t.Errorf("active went to %d", g.Active())
	}
}

func TestCallGateRate(t *testing.T) {
	g := NewCallGate(GateConfig{MaxCallRate: 1}, fakeStats{}, testLogger())
	if err := g.Acquire(); err != nil {
		t.Fatal(err)
	}
	err := g.Acquire()
	var cle *CallLimitError
	if !errors.As(err, &cle) || cle.Reason != "call rate exceeded" {
		t.Errorf("second acquire = %v", err)
	}
}

func TestCallGateProbeFailureIgnored(t *testing.T) {
	g := NewCallGate(GateConfig{MaxLoad: 1}, fakeStats{loadErr: errors.New("no probe")}, testLogger())
	if err := g.Acquire(); err != nil {
		t.Errorf("acquire with failing probe = %v", err)
	}
}
