package metrics

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/flowpbx/pbxcore/internal/dialplan"
)

type fakeCalls struct {
	active         int
	total, refused uint64
}

func (f fakeCalls) Active() int     { return f.active }
func (f fakeCalls) Total() uint64   { return f.total }
func (f fakeCalls) Refused() uint64 { return f.refused }

type fakeHints []dialplan.HintInfo

func (f fakeHints) List() []dialplan.HintInfo { return f }

func TestCollector(t *testing.T) {
	dp := dialplan.New(dialplan.Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	dp.FindOrCreateContext("default", "test")
	dp.FindOrCreateContext("internal", "test")
	hints := fakeHints{
		{Context: "default", Exten: "100", State: dialplan.StateNotInUse},
		{Context: "default", Exten: "101", State: dialplan.StateNotInUse},
		{Context: "default", Exten: "102", State: dialplan.StateBusy},
	}
	c := NewCollector(fakeCalls{active: 3, total: 10, refused: 2}, dp, hints, time.Now())

	expected := `
# HELP pbxcore_active_calls Number of channels currently running the dialplan
# TYPE pbxcore_active_calls gauge
pbxcore_active_calls 3
# HELP pbxcore_calls_refused_total Total number of calls refused by the admission gate
# TYPE pbxcore_calls_refused_total counter
pbxcore_calls_refused_total 2
# HELP pbxcore_calls_total Total number of calls admitted to the dialplan
# TYPE pbxcore_calls_total counter
pbxcore_calls_total 10
# HELP pbxcore_contexts Number of contexts in the live dialplan
# TYPE pbxcore_contexts gauge
pbxcore_contexts 2
# HELP pbxcore_hints Number of tracked hints by extension state
# TYPE pbxcore_hints gauge
pbxcore_hints{state="Busy"} 1
pbxcore_hints{state="Idle"} 2
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"pbxcore_active_calls", "pbxcore_calls_total", "pbxcore_calls_refused_total",
		"pbxcore_contexts", "pbxcore_hints")
	if err != nil {
		t.Error(err)
	}
}

func TestCollectorNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, time.Now())
	// Only the uptime gauge remains.
	if n := testutil.CollectAndCount(c); n != 1 {
		t.Errorf("metric count = %d, want 1", n)
	}
}
