// Package realtime resolves dialplan extensions from a SQL table through
// the "Realtime" switch. A context installs it with switch data of the
// form "[context@]family", where family names the table and the optional
// context overrides the one being searched.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowpbx/pbxcore/internal/dialplan"
	"github.com/flowpbx/pbxcore/internal/pattern"
)

// DefaultFamily is the table consulted when the switch data names none.
const DefaultFamily = "extensions"

// ErrNoRow is returned by Resolve when no row matches the request.
var ErrNoRow = errors.New("no realtime row")

// Switch is a dialplan.SwitchProvider backed by DB.
type Switch struct {
	db     *DB
	logger *slog.Logger
}

var _ dialplan.SwitchProvider = (*Switch)(nil)

// NewSwitch returns the Realtime switch provider for db.
func NewSwitch(db *DB, logger *slog.Logger) *Switch {
	return &Switch{db: db, logger: logger.With("subsystem", "realtime")}
}

// Name implements dialplan.SwitchProvider.
func (s *Switch) Name() string { return "Realtime" }

// target splits the switch data into the context and table to query.
func target(req dialplan.SwitchRequest) (contextName, table string, err error) {
	contextName, table = req.Context, strings.TrimSpace(req.Data)
	if c, fam, ok := strings.Cut(table, "@"); ok {
		if c = strings.TrimSpace(c); c != "" {
			contextName = c
		}
		table = strings.TrimSpace(fam)
	}
	if table == "" {
		table = DefaultFamily
	}
	if !validTable(table) {
		return "", "", fmt.Errorf("realtime: invalid family %q", table)
	}
	return contextName, table, nil
}

// lookup returns the best row matching req under mode.
func (s *Switch) lookup(ctx context.Context, req dialplan.SwitchRequest, mode pattern.Mode) (Row, bool, error) {
	contextName, table, err := target(req)
	if err != nil {
		return Row{}, false, err
	}
	rows, err := s.db.candidates(ctx, table, contextName, req.Exten, req.Priority, mode == pattern.ModeMatch)
	if err != nil {
		return Row{}, false, err
	}

	var best Row
	var bestPat *pattern.Pattern
	for _, r := range rows {
		p, err := pattern.Compile(r.Exten)
		if err != nil {
			s.logger.Warn("skipping realtime row with bad extension",
				"context", r.Context, "exten", r.Exten, "error", err)
			continue
		}
		if !p.Match(req.Exten, mode) {
			continue
		}
		if bestPat == nil || pattern.Compare(p, bestPat) < 0 {
			best, bestPat = r, p
		}
	}
	return best, bestPat != nil, nil
}

// Exists implements dialplan.SwitchProvider.
func (s *Switch) Exists(ctx context.Context, req dialplan.SwitchRequest) (bool, error) {
	_, ok, err := s.lookup(ctx, req, pattern.ModeMatch)
	return ok, err
}

// CanMatch implements dialplan.SwitchProvider.
func (s *Switch) CanMatch(ctx context.Context, req dialplan.SwitchRequest) (bool, error) {
	_, ok, err := s.lookup(ctx, req, pattern.ModeCanMatch)
	return ok, err
}

// MatchMore implements dialplan.SwitchProvider.
func (s *Switch) MatchMore(ctx context.Context, req dialplan.SwitchRequest) (bool, error) {
	_, ok, err := s.lookup(ctx, req, pattern.ModeMatchMore)
	return ok, err
}

// Resolve implements dialplan.SwitchProvider.
func (s *Switch) Resolve(ctx context.Context, req dialplan.SwitchRequest) (string, string, error) {
	r, ok, err := s.lookup(ctx, req, pattern.ModeMatch)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("%w for %s@%s,%d", ErrNoRow, req.Exten, req.Context, req.Priority)
	}
	s.logger.Debug("resolved realtime extension",
		"context", r.Context, "exten", req.Exten, "priority", r.Priority, "application", r.App)
	return r.App, r.AppData, nil
}
