package dialplan

import "context"

// SwitchRequest is what a switch provider is asked to resolve.
type SwitchRequest struct {
	Context  string
	Exten    string
	Priority int
	CallerID string
	// Data is the switch data, substituted when the switch asked for
	// evaluation.
	Data string
}

// SwitchProvider resolves extensions outside the in-memory graph, for
// example from a database table.
type SwitchProvider interface {
	Name() string
	Exists(ctx context.Context, req SwitchRequest) (bool, error)
	CanMatch(ctx context.Context, req SwitchRequest) (bool, error)
	MatchMore(ctx context.Context, req SwitchRequest) (bool, error)
	// Resolve returns the action bound to the requested priority.
	Resolve(ctx context.Context, req SwitchRequest) (app, data string, err error)
}

// SwitchMatch is set on a Result resolved by a switch instead of a local
// priority.
type SwitchMatch struct {
	Provider SwitchProvider
	Request  SwitchRequest
}
