package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nodecross/nodex-agent/internal/agent"
	"github.com/nodecross/nodex-agent/internal/config"
	"github.com/nodecross/nodex-agent/internal/controller"
	"github.com/nodecross/nodex-agent/internal/did"
	"github.com/nodecross/nodex-agent/internal/history"
	"github.com/nodecross/nodex-agent/internal/history/factory"
	"github.com/nodecross/nodex-agent/internal/metrics"
	"github.com/nodecross/nodex-agent/internal/process"
	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
	"github.com/nodecross/nodex-agent/internal/supervisor"
	"github.com/nodecross/nodex-agent/internal/update"
	"github.com/nodecross/nodex-agent/internal/version"
)

// node bundles the shared pieces every role builds from the config.
type node struct {
	cfg      config.Config
	logger   *slog.Logger
	history  *history.Recorder
	store    *runtimeinfo.Store
	launcher *process.OSLauncher
	sup      *supervisor.Supervisor
	closers  []io.Closer
}

func newNode(configPath, role string) (*node, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	logCfg := cfg.Logger()
	lg, err := logCfg.NewSlogger()
	if err != nil {
		return nil, err
	}
	lg = lg.With("role", role)
	slog.SetDefault(lg)

	n := &node{cfg: cfg, logger: lg}

	var sinks []history.Sink
	if cfg.HistoryDSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.HistoryDSN)
		if err != nil {
			// history is best effort; supervision must not depend on it
			lg.Warn("history sink disabled", "error", err)
		} else {
			sinks = append(sinks, sink)
			if c, ok := sink.(io.Closer); ok {
				n.closers = append(n.closers, c)
			}
		}
	}
	n.history = history.NewRecorder(lg, sinks...)

	childEnv, err := cfg.ChildEnv()
	if err != nil {
		return nil, err
	}
	n.launcher = process.NewLauncher(process.Spec{
		Role:    runtimeinfo.RoleAgent,
		Version: version.Version,
		Env:     childEnv,
		Log:     logCfg,
	}, process.Options{Logger: lg})

	storeCfg := cfg.Store()
	storeCfg.Logger = lg
	n.store = runtimeinfo.NewStore(storeCfg)
	n.sup = supervisor.New(n.store, n.launcher, supervisor.Options{History: n.history, Logger: lg})

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return n, nil
}

func (n *node) Close() {
	for _, c := range n.closers {
		_ = c.Close()
	}
}

func (n *node) coordinator() *update.Coordinator {
	u := n.cfg.Update
	return update.New(n.sup, update.Options{
		AllowedPrefix:   u.AllowedPrefix,
		InstallRoot:     n.cfg.InstallRoot,
		Resources:       u.Resources,
		DownloadTimeout: u.DownloadTimeout,
		MaxPayloadBytes: u.MaxPayloadBytes,
		MinPayloadBytes: u.MinPayloadBytes,
		Version:         version.Version,
		Spawner:         n.launcher,
		ChildLog:        n.cfg.Logger(),
		History:         n.history,
		Logger:          n.logger,
	})
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(orBackground(parent), os.Interrupt, syscall.SIGTERM)
}

func runAgent(parent context.Context, configPath string) error {
	n, err := newNode(configPath, string(runtimeinfo.RoleAgent))
	if err != nil {
		return err
	}
	defer n.Close()

	opts := agent.Options{
		Listen:     n.cfg.Agent.Listen,
		BasePath:   n.cfg.Agent.BasePath,
		Version:    version.Version,
		Metrics:    n.cfg.Metrics.Enabled,
		Identifier: n.cfg.Agent.DID,
		History:    n.history,
		Logger:     n.logger,
	}
	if n.cfg.Agent.DIDEndpoint != "" {
		opts.DID = did.NewSidetreeResolver(n.cfg.Agent.DIDEndpoint)
	}
	a := agent.New(n.sup, n.coordinator(), opts)

	if n.cfg.Metrics.Enabled {
		rc := metrics.NewResourceCollector(func() []runtimeinfo.ProcessRecord {
			snap, err := n.sup.Snapshot()
			if err != nil {
				return nil
			}
			return snap.Processes
		}, n.logger)
		if err := prometheus.Register(rc); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return fmt.Errorf("register resource collector: %w", err)
			}
		}
	}

	ln, err := agent.Listener(n.cfg.Agent.Listen)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(parent)
	defer stop()
	return a.Run(ctx, ln)
}

func runController(parent context.Context, configPath string) error {
	n, err := newNode(configPath, string(runtimeinfo.RoleController))
	if err != nil {
		return err
	}
	defer n.Close()

	m := controller.New(n.sup, n.launcher, controller.Options{
		Interval: n.cfg.Controller.Interval,
		Version:  version.Version,
		History:  n.history,
		Logger:   n.logger,
	})

	ctx, stop := signalContext(parent)
	defer stop()

	hup := make(chan os.Signal, 1)
	notifyHangup(hup)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				n.logger.Info("evaluation requested")
				m.Trigger()
			}
		}
	}()

	return m.Run(ctx)
}
