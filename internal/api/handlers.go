package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/pbxcore/internal/channel"
	"github.com/flowpbx/pbxcore/internal/dialplan"
	"github.com/flowpbx/pbxcore/internal/pbx"
)

type priorityResponse struct {
	Priority int    `json:"priority"`
	Label    string `json:"label,omitempty"`
	App      string `json:"app"`
	Data     string `json:"data,omitempty"`
}

type extensionResponse struct {
	Exten      string             `json:"exten"`
	CallerID   string             `json:"callerid,omitempty"`
	Priorities []priorityResponse `json:"priorities"`
}

type contextResponse struct {
	Name       string              `json:"name"`
	Registrar  string              `json:"registrar"`
	Includes   []string            `json:"includes"`
	Switches   []string            `json:"switches"`
	Ignore     []string            `json:"ignore_patterns"`
	Extensions []extensionResponse `json:"extensions"`
}

func toContextResponse(c *dialplan.Context) contextResponse {
	out := contextResponse{
		Name:       c.Name(),
		Registrar:  c.Registrar(),
		Includes:   []string{},
		Switches:   []string{},
		Ignore:     []string{},
		Extensions: []extensionResponse{},
	}
	for _, inc := range c.Includes() {
		out.Includes = append(out.Includes, inc.Name)
	}
	for _, sw := range c.Switches() {
		out.Switches = append(out.Switches, sw.Name+"/"+sw.Data)
	}
	for _, ig := range c.IgnorePatterns() {
		out.Ignore = append(out.Ignore, ig.Pattern)
	}
	for _, e := range c.Extensions() {
		ext := extensionResponse{Exten: e.Name()}
		if cid, ok := e.CallerID(); ok {
			ext.CallerID = cid
		}
		for _, p := range e.Priorities() {
			ext.Priorities = append(ext.Priorities, priorityResponse{
				Priority: p.Number, Label: p.Label, App: p.App, Data: p.Data,
			})
		}
		out.Extensions = append(out.Extensions, ext)
	}
	return out
}

// handleListContexts returns every live context with its extensions.
func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	out := []contextResponse{}
	for _, name := range s.dp.ContextNames() {
		if c := s.dp.Context(name); c != nil {
			out = append(out, toContextResponse(c))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	c := s.dp.Context(chi.URLParam(r, "context"))
	if c == nil {
		writeError(w, http.StatusNotFound, "context not found")
		return
	}
	writeJSON(w, http.StatusOK, toContextResponse(c))
}

type hintResponse struct {
	Context  string `json:"context"`
	Exten    string `json:"exten"`
	Devices  string `json:"devices"`
	Name     string `json:"name,omitempty"`
	State    string `json:"state"`
	Watchers int    `json:"watchers"`
}

func (s *Server) handleListHints(w http.ResponseWriter, r *http.Request) {
	list := s.dp.Hints().List()
	sort.Slice(list, func(i, j int) bool {
		if list[i].Context != list[j].Context {
			return list[i].Context < list[j].Context
		}
		return list[i].Exten < list[j].Exten
	})
	out := make([]hintResponse, 0, len(list))
	for _, h := range list {
		out = append(out, hintResponse{
			Context: h.Context, Exten: h.Exten, Devices: h.Devices, Name: h.Name,
			State: h.State.String(), Watchers: h.Watchers,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type actionResponse struct {
	Name     string `json:"name"`
	Synopsis string `json:"synopsis,omitempty"`
	Module   string `json:"module"`
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	actions := s.engine.Actions().Actions()
	out := make([]actionResponse, 0, len(actions))
	for _, a := range actions {
		out = append(out, actionResponse{Name: a.Name, Synopsis: a.Synopsis, Module: a.Module})
	}
	writeJSON(w, http.StatusOK, out)
}

type channelResponse struct {
	Name     string `json:"name"`
	UniqueID string `json:"uniqueid"`
	State    string `json:"state"`
	Context  string `json:"context"`
	Exten    string `json:"exten"`
	Priority int    `json:"priority"`
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	chans := s.engine.Channels().List()
	out := make([]channelResponse, 0, len(chans))
	for _, ch := range chans {
		loc := ch.Location()
		out = append(out, channelResponse{
			Name: ch.Name(), UniqueID: ch.UniqueID(), State: ch.State().String(),
			Context: loc.Context, Exten: loc.Exten, Priority: loc.Priority,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, out)
}

type gotoRequest struct {
	Context  string `json:"context"`
	Exten    string `json:"exten"`
	Priority int    `json:"priority"`
}

// handleChannelGoto redirects a running channel to a new location.
func (s *Server) handleChannelGoto(w http.ResponseWriter, r *http.Request) {
	// Channel names carry a '/', so clients escape it.
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel name")
		return
	}
	ch, ok := s.engine.Channels().Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	var req gotoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Priority < 0 {
		writeError(w, http.StatusBadRequest, "priority must be positive")
		return
	}
	loc := channel.Location{Context: req.Context, Exten: req.Exten, Priority: req.Priority}
	s.engine.AsyncGoto(ch, loc)
	s.logger.Info("channel redirected", "channel", name,
		"context", req.Context, "exten", req.Exten, "priority", req.Priority)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "redirected"})
}

type originateRequest struct {
	Name         string            `json:"name"`
	Context      string            `json:"context"`
	Exten        string            `json:"exten"`
	Priority     int               `json:"priority"`
	CallerIDNum  string            `json:"callerid_num"`
	CallerIDName string            `json:"callerid_name"`
	Language     string            `json:"language"`
	Variables    map[string]string `json:"variables"`
	Digits       string            `json:"digits"`
}

// handleOriginate starts a Local channel in the dialplan. The call
// outlives the request.
func (s *Server) handleOriginate(w http.ResponseWriter, r *http.Request) {
	var req originateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Context == "" {
		writeError(w, http.StatusBadRequest, "context is required")
		return
	}
	ch, err := s.engine.Originate(context.Background(), pbx.OriginateRequest{
		Name:      req.Name,
		Context:   req.Context,
		Exten:     req.Exten,
		Priority:  req.Priority,
		CallerID:  channel.CallerID{Num: req.CallerIDNum, Name: req.CallerIDName},
		Language:  req.Language,
		Variables: req.Variables,
		Digits:    req.Digits,
	})
	switch {
	case errors.Is(err, pbx.ErrCallLimit), errors.Is(err, pbx.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, channel.ErrDuplicateName):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, channelResponse{
		Name: ch.Name(), UniqueID: ch.UniqueID(), State: ch.State().String(),
		Context: req.Context, Exten: req.Exten, Priority: max(req.Priority, 1),
	})
}
