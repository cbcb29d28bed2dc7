// Package agent runs the agent role: it registers itself in the runtime
// state, serves the admin API and keeps the node identity at hand.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nodecross/nodex-agent/internal/did"
	"github.com/nodecross/nodex-agent/internal/history"
	"github.com/nodecross/nodex-agent/internal/process"
	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
	"github.com/nodecross/nodex-agent/internal/server"
	"github.com/nodecross/nodex-agent/internal/supervisor"
	"github.com/nodecross/nodex-agent/internal/version"
)

// listenFD is the first descriptor passed by systemd socket activation.
const listenFD = 3

type Options struct {
	Listen   string
	BasePath string
	Version  string
	Metrics  bool
	// DID resolves Identifier on start when both are set.
	DID        did.Client
	Identifier string
	History    *history.Recorder
	Logger     *slog.Logger
}

type Agent struct {
	sup     *supervisor.Supervisor
	updater server.Updater
	opts    Options
	self    runtimeinfo.ProcessRecord
	logger  *slog.Logger

	mu       sync.RWMutex
	identity *did.Identity
}

func New(sup *supervisor.Supervisor, updater server.Updater, opts Options) *Agent {
	if opts.Version == "" {
		opts.Version = version.Version
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Agent{
		sup:     sup,
		updater: updater,
		opts:    opts,
		self: runtimeinfo.ProcessRecord{
			PID:       os.Getpid(),
			Role:      runtimeinfo.RoleAgent,
			StartedAt: time.Now().UTC(),
			Version:   opts.Version,
		},
		logger: lg.With("component", "agent"),
	}
}

func (a *Agent) Identity() *did.Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identity
}

// Handler returns the admin API handler.
func (a *Agent) Handler() http.Handler {
	r := server.NewRouter(a.sup, a.updater, server.Options{
		BasePath: a.opts.BasePath,
		Self:     a.self,
		Identity: a.Identity,
		Metrics:  a.opts.Metrics,
	})
	return r.Handler()
}

// Listener returns the socket-activated listener when present, otherwise a
// TCP listener on addr.
func Listener(addr string) (net.Listener, error) {
	if process.SocketActivated() {
		f := os.NewFile(uintptr(listenFD), "systemd-listener")
		ln, err := net.FileListener(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("socket activation listener: %w", err)
		}
		return ln, nil
	}
	return net.Listen("tcp", addr)
}

// Run registers the agent, serves ln until ctx is done and unregisters.
func (a *Agent) Run(ctx context.Context, ln net.Listener) error {
	added, err := a.sup.Register(a.self)
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	if added {
		a.opts.History.Record(history.Event{Type: history.EventRegister, Record: a.self})
	}
	defer func() {
		if _, err := a.sup.RemoveProcess(a.self.PID); err != nil {
			a.logger.Error("failed to unregister agent", "error", err)
		}
	}()

	a.resolveIdentity(ctx)

	srv := server.NewHTTPServer(a.Handler())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.logger.Info("agent serving", "addr", ln.Addr().String(), "pid", a.self.PID, "version", a.self.Version)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	a.logger.Info("agent stopped")
	return nil
}

func (a *Agent) resolveIdentity(ctx context.Context) {
	if a.opts.DID == nil || a.opts.Identifier == "" {
		return
	}
	id, err := a.opts.DID.FindIdentifier(ctx, a.opts.Identifier)
	if err != nil {
		a.logger.Warn("identifier lookup failed", "did", a.opts.Identifier, "error", err)
		return
	}
	if id == nil {
		a.logger.Warn("identifier not found", "did", a.opts.Identifier)
		return
	}
	a.mu.Lock()
	a.identity = id
	a.mu.Unlock()
	a.logger.Info("identity resolved", "did", id.ID)
}
