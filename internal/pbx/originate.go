package pbx

import (
	"context"
	"fmt"

	"github.com/flowpbx/pbxcore/internal/channel"
)

// OriginateRequest describes a Local channel to start in the dialplan.
type OriginateRequest struct {
	// Name defaults to a generated Local/<id> name.
	Name      string
	Context   string
	Exten     string
	Priority  int
	CallerID  channel.CallerID
	Language  string
	Variables map[string]string
	// Digits are queued on the channel before it starts.
	Digits string
}

// Originate creates a Local channel for req and starts it in the
// background. The channel is returned so callers can feed it frames.
func (e *Engine) Originate(ctx context.Context, req OriginateRequest) (*channel.Local, error) {
	if req.Context == "" {
		return nil, fmt.Errorf("originate: context is required")
	}
	if req.Priority == 0 {
		req.Priority = 1
	}
	if req.Priority < 0 {
		return nil, fmt.Errorf("originate: invalid priority %d", req.Priority)
	}
	ch := channel.NewLocal(channel.LocalOptions{
		Name:     req.Name,
		Outgoing: true,
		Language: req.Language,
		CallerID: req.CallerID,
		Events:   e.opts.Events,
	}, e.logger)
	for k, v := range req.Variables {
		ch.Vars().Set(k, v)
	}
	if req.Digits != "" {
		if err := ch.QueueDigits(req.Digits); err != nil {
			return nil, fmt.Errorf("originate: %w", err)
		}
	}
	ch.SetLocation(channel.Location{Context: req.Context, Exten: req.Exten, Priority: req.Priority})

	if err := e.Start(ctx, ch); err != nil {
		ch.Hangup() //nolint:errcheck
		return nil, err
	}
	e.logger.Info("originated channel", "channel", ch.Name(),
		"context", req.Context, "exten", req.Exten, "priority", req.Priority)
	return ch, nil
}
