package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/pbxcore/internal/api/middleware"
	"github.com/flowpbx/pbxcore/internal/channel"
	"github.com/flowpbx/pbxcore/internal/dialplan"
	"github.com/flowpbx/pbxcore/internal/metrics"
	"github.com/flowpbx/pbxcore/internal/pbx"
	"github.com/flowpbx/pbxcore/internal/vars"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testSecret = []byte("api-test-secret")

type testServer struct {
	srv    *Server
	engine *pbx.Engine
	dp     *dialplan.Dialplan
	token  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dp := dialplan.New(dialplan.Options{UseTrie: true}, testLogger())
	add := func(exten string, prio int, app, data string) {
		err := dp.AddExtension("default", dialplan.ExtensionSpec{
			Exten: exten, Priority: prio, App: app, Data: data, Registrar: "test",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	add("100", 1, "Wait", "5")
	add("200", 1, "Set", "MOVED=yes")
	add("300", dialplan.PriorityHint, "Local/300", "")

	subst := vars.NewSubstituter(vars.NewGlobals(), vars.NewFuncRegistry(), testLogger())
	e, err := pbx.NewEngine(dp, subst, nil, pbx.Options{AutoFallthrough: true}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(e.Gate(), dp, dp.Hints(), time.Now()))
	token, _, err := middleware.GenerateToken(testSecret, "tester", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return &testServer{srv: NewServer(e, reg, testSecret, time.Now(), testLogger()), engine: e, dp: dp, token: token}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	rr := httptest.NewRecorder()
	ts.srv.ServeHTTP(rr, req)
	return rr
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	env := struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}{}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding %q: %v", rr.Body.String(), err)
	}
	if env.Error != "" {
		t.Fatalf("unexpected error: %s", env.Error)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/api/v1/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
	var h healthResponse
	decodeData(t, rr, &h)
	if h.Status != "ok" || h.Contexts != 1 || h.Hints != 1 || h.ActiveCalls != 0 {
		t.Errorf("health = %+v", h)
	}
}

func TestDialplanEndpoints(t *testing.T) {
	ts := newTestServer(t)

	var list []contextResponse
	decodeData(t, ts.do(t, http.MethodGet, "/api/v1/dialplan", ""), &list)
	if len(list) != 1 || list[0].Name != "default" || len(list[0].Extensions) != 3 {
		t.Fatalf("dialplan = %+v", list)
	}

	var c contextResponse
	decodeData(t, ts.do(t, http.MethodGet, "/api/v1/dialplan/default", ""), &c)
	found := false
	for _, e := range c.Extensions {
		if e.Exten == "200" && len(e.Priorities) == 1 && e.Priorities[0].App == "Set" {
			found = true
		}
	}
	if !found {
		t.Errorf("extension 200 missing from %+v", c.Extensions)
	}

	if rr := ts.do(t, http.MethodGet, "/api/v1/dialplan/nope", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing context status = %d", rr.Code)
	}
}

func TestHintsAndActions(t *testing.T) {
	ts := newTestServer(t)

	var hints []hintResponse
	decodeData(t, ts.do(t, http.MethodGet, "/api/v1/hints", ""), &hints)
	if len(hints) != 1 || hints[0].Exten != "300" || hints[0].Devices != "Local/300" {
		t.Errorf("hints = %+v", hints)
	}

	var actions []actionResponse
	decodeData(t, ts.do(t, http.MethodGet, "/api/v1/actions", ""), &actions)
	names := make(map[string]bool)
	for _, a := range actions {
		names[a.Name] = true
	}
	for _, want := range []string{"Answer", "Goto", "Set", "Background"} {
		if !names[want] {
			t.Errorf("action %s not listed", want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	for _, want := range []string{"pbxcore_active_calls 0", "pbxcore_contexts 1"} {
		if !strings.Contains(rr.Body.String(), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t)
	if rr := ts.do(t, http.MethodGet, "/nope", ""); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestChannelGoto(t *testing.T) {
	ts := newTestServer(t)
	ch := channel.NewLocal(channel.LocalOptions{Name: "Local/api"}, testLogger())
	ch.SetLocation(channel.Location{Context: "default", Exten: "100", Priority: 1})
	if err := ts.engine.Start(context.Background(), ch); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := ts.engine.Channels().Get("Local/api"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("channel never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var chans []channelResponse
	decodeData(t, ts.do(t, http.MethodGet, "/api/v1/channels", ""), &chans)
	if len(chans) != 1 || chans[0].Name != "Local/api" || chans[0].Exten != "100" {
		t.Errorf("channels = %+v", chans)
	}

	if rr := ts.do(t, http.MethodPost, "/api/v1/channels/Local%2Fmissing/goto", `{}`); rr.Code != http.StatusNotFound {
		t.Errorf("missing channel status = %d", rr.Code)
	}
	if rr := ts.do(t, http.MethodPost, "/api/v1/channels/Local%2Fapi/goto", `{"bogus":1}`); rr.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", rr.Code)
	}
	rr := ts.do(t, http.MethodPost, "/api/v1/channels/Local%2Fapi/goto", `{"exten":"200","priority":1}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("goto status = %d: %s", rr.Code, rr.Body.String())
	}

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish after goto")
	}
	if v, _ := ch.Vars().Get("MOVED"); v != "yes" {
		t.Errorf("MOVED = %q, want yes", v)
	}
}

func TestOriginate(t *testing.T) {
	ts := newTestServer(t)

	if rr := ts.do(t, http.MethodPost, "/api/v1/channels", `{"exten":"200"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing context status = %d", rr.Code)
	}

	rr := ts.do(t, http.MethodPost, "/api/v1/channels",
		`{"name":"Local/orig","context":"default","exten":"100","callerid_num":"2000"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("originate status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp channelResponse
	decodeData(t, rr, &resp)
	if resp.Name != "Local/orig" || resp.Priority != 1 || resp.UniqueID == "" {
		t.Errorf("originate response = %+v", resp)
	}

	if rr := ts.do(t, http.MethodPost, "/api/v1/channels", `{"name":"Local/orig","context":"default","exten":"100"}`); rr.Code != http.StatusConflict {
		t.Errorf("duplicate name status = %d", rr.Code)
	}

	ch, ok := ts.engine.Channels().Get("Local/orig")
	if !ok {
		t.Fatal("originated channel not registered")
	}
	if ch.CallerID().Num != "2000" {
		t.Errorf("caller id = %+v", ch.CallerID())
	}
	if err := ts.engine.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rr := ts.do(t, http.MethodPost, "/api/v1/channels", `{"context":"default","exten":"200"}`); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("originate after shutdown status = %d", rr.Code)
	}
}

func TestChannelControlRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	forged, _, _ := middleware.GenerateToken([]byte("wrong"), "tester", time.Hour)

	for _, token := range []string{"", forged} {
		ts.token = token
		if rr := ts.do(t, http.MethodPost, "/api/v1/channels", `{"context":"default","exten":"200"}`); rr.Code != http.StatusUnauthorized {
			t.Errorf("originate with token %q: status = %d, want 401", token, rr.Code)
		}
		if rr := ts.do(t, http.MethodPost, "/api/v1/channels/Local%2Fx/goto", `{"exten":"200"}`); rr.Code != http.StatusUnauthorized {
			t.Errorf("goto with token %q: status = %d, want 401", token, rr.Code)
		}
		if rr := ts.do(t, http.MethodGet, "/api/v1/channels", ""); rr.Code != http.StatusOK {
			t.Errorf("channel list status = %d, want 200", rr.Code)
		}
	}
	if n := ts.engine.ActiveCalls(); n != 0 {
		t.Errorf("active calls = %d after refused originate", n)
	}

	ts.srv = NewServer(ts.engine, nil, nil, time.Now(), testLogger())
	ts.token, _, _ = middleware.GenerateToken(testSecret, "tester", time.Hour)
	if rr := ts.do(t, http.MethodPost, "/api/v1/channels", `{"context":"default","exten":"200"}`); rr.Code != http.StatusUnauthorized {
		t.Errorf("originate without a configured secret: status = %d, want 401", rr.Code)
	}
}
