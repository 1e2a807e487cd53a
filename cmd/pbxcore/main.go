package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/flowpbx/pbxcore/internal/api"
	"github.com/flowpbx/pbxcore/internal/api/middleware"
	"github.com/flowpbx/pbxcore/internal/config"
	"github.com/flowpbx/pbxcore/internal/devstate"
	"github.com/flowpbx/pbxcore/internal/dialplan"
	"github.com/flowpbx/pbxcore/internal/events"
	"github.com/flowpbx/pbxcore/internal/media"
	"github.com/flowpbx/pbxcore/internal/metrics"
	"github.com/flowpbx/pbxcore/internal/pbx"
	"github.com/flowpbx/pbxcore/internal/realtime"
	"github.com/flowpbx/pbxcore/internal/vars"
)

const realtimeRegistrar = "realtime"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		os.Exit(issueToken(os.Args[2:]))
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	startTime := time.Now()
	slog.Info("starting pbxcore",
		"http_port", cfg.HTTPPort,
		"max_calls", cfg.MaxCalls,
		"pattern_trie", cfg.PatternTrie,
	)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	devices := devstate.NewStore(logger)
	dp := dialplan.New(dialplan.Options{UseTrie: cfg.PatternTrie, Devices: devices}, logger)

	devEvents, stopDevEvents := devices.Subscribe(256)
	defer stopDevEvents()
	go dp.Hints().Run(appCtx, devEvents)

	if cfg.RealtimeDriver != "" {
		db, err := realtime.Open(cfg.RealtimeDriver, cfg.RealtimeDSN, logger)
		if err != nil {
			slog.Error("failed to open realtime database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := installRealtime(dp, realtime.NewSwitch(db, logger), cfg.RealtimeContext); err != nil {
			slog.Error("failed to install realtime switch", "error", err)
			os.Exit(1)
		}
	}

	bus := events.NewBus()
	evs, stopEvents := bus.Subscribe(1024)
	defer stopEvents()
	go logEvents(appCtx, logger, evs)

	gate := pbx.NewCallGate(pbx.GateConfig{
		MaxCalls:     cfg.MaxCalls,
		MaxLoad:      cfg.MaxLoad,
		MinFreeMemMB: cfg.MinFreeMemMB,
		MaxCallRate:  cfg.MaxCallRate,
	}, nil, logger)

	var player pbx.Player
	if cfg.SoundsDir != "" {
		player = media.NewFilePlayer(cfg.SoundsDir, 0, logger)
		slog.Info("prompt playback enabled", "sounds_dir", cfg.SoundsDir)
	}

	subst := vars.NewSubstituter(vars.NewGlobals(), vars.NewFuncRegistry(), logger)
	engine, err := pbx.NewEngine(dp, subst, gate, pbx.Options{
		Player:          player,
		DigitTimeout:    cfg.DigitTimeout,
		ResponseTimeout: cfg.ResponseTimeout,
		AutoFallthrough: cfg.AutoFallthrough,
		HangupExten:     cfg.HangupExten,
		SystemName:      cfg.SystemNameOrHost(),
		Events:          bus,
	}, logger)
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(gate, dp, dp.Hints(), startTime),
	)

	if cfg.APISecret == "" {
		slog.Warn("api secret not set, originate and goto are disabled")
	}
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewServer(engine, reg, []byte(cfg.APISecret), startTime, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := engine.Shutdown(ctx); err != nil {
		slog.Error("engine shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("pbxcore stopped", "calls_total", gate.Total())
}

// issueToken prints a control API token for the operator named by the
// first positional argument: pbxcore token [flags] <operator>.
func issueToken(args []string) int {
	cfg, err := config.LoadArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if len(cfg.Args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: pbxcore token [flags] <operator>")
		return 2
	}
	token, expires, err := middleware.GenerateToken([]byte(cfg.APISecret), cfg.Args[0], cfg.APITokenTTL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
	return 0
}

// installRealtime registers the switch provider and adds it to the
// named context.
func installRealtime(dp *dialplan.Dialplan, sw *realtime.Switch, contextName string) error {
	if err := dp.RegisterSwitchProvider(sw); err != nil {
		return err
	}
	c := dp.FindOrCreateContext(contextName, realtimeRegistrar)
	err := c.AddSwitch(dialplan.Switch{
		Name:      sw.Name(),
		Data:      realtime.DefaultFamily,
		Registrar: realtimeRegistrar,
	})
	if err != nil {
		return err
	}
	slog.Info("realtime switch installed", "context", contextName)
	return nil
}

// logEvents traces the event bus at debug level.
func logEvents(ctx context.Context, logger *slog.Logger, evs <-chan events.Event) {
	logger = logger.With("subsystem", "events")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			args := []any{"event", ev.Name, "channel", ev.Channel, "uniqueid", ev.UniqueID}
			for k, v := range ev.Fields {
				args = append(args, k, v)
			}
			logger.Debug("event", args...)
		}
	}
}
