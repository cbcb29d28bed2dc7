package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/nodecross/nodex-agent/internal/env"
	"github.com/nodecross/nodex-agent/internal/errdefs"
	"github.com/nodecross/nodex-agent/internal/logger"
	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
)

// ErrExternallyManaged is returned by Launch when a service manager already
// supervises the agent; callers treat it as a successful no-op.
var ErrExternallyManaged = errors.New("agent is managed by an external service manager")

// Launcher is the platform capability used by the supervision core.
type Launcher interface {
	// Launch starts a detached agent process and returns its record.
	// The caller registers the record in the runtime store.
	Launch(ctx context.Context) (runtimeinfo.ProcessRecord, error)
	// Terminate requests graceful termination without waiting for exit.
	Terminate(rec runtimeinfo.ProcessRecord) error
	// IsAlive probes OS-level liveness of rec.
	IsAlive(rec runtimeinfo.ProcessRecord) bool
}

// Spec describes how to start a supervised process.
type Spec struct {
	Path    string   // executable; empty means the running binary
	Args    []string // e.g. ["agent"] or ["controller"]
	Role    runtimeinfo.Role
	Version string
	WorkDir string
	Env     []string      // extra KEY=VALUE entries layered over the OS env
	Log     logger.Config // stdout/stderr destinations of the child
}

// Options tune an OSLauncher.
type Options struct {
	// ExternallyManaged reports whether a service manager owns the agent.
	// Defaults to SocketActivated.
	ExternallyManaged func() bool
	Logger            *slog.Logger
}

// OSLauncher launches and signals real OS processes.
type OSLauncher struct {
	spec      Spec
	external  func() bool
	logger    *slog.Logger
	envM      *env.Env
	startTime func(pid int) time.Time
}

var _ Launcher = (*OSLauncher)(nil)

func NewLauncher(spec Spec, opts Options) *OSLauncher {
	ext := opts.ExternallyManaged
	if ext == nil {
		ext = SocketActivated
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	if spec.Role == "" {
		spec.Role = runtimeinfo.RoleAgent
	}
	if len(spec.Args) == 0 {
		spec.Args = []string{string(spec.Role)}
	}
	return &OSLauncher{
		spec:      spec,
		external:  ext,
		logger:    lg.With("component", "launcher"),
		envM:      env.New(),
		startTime: procStartTime,
	}
}

func (l *OSLauncher) Launch(ctx context.Context) (runtimeinfo.ProcessRecord, error) {
	if l.external() {
		l.logger.Debug("launch skipped; agent is socket activated")
		return runtimeinfo.ProcessRecord{}, ErrExternallyManaged
	}
	if err := ctx.Err(); err != nil {
		return runtimeinfo.ProcessRecord{}, errdefs.ProcessControl("launch "+string(l.spec.Role), 0, err)
	}
	return l.Spawn(l.spec)
}

// Spawn starts spec detached from this process. The child is reaped in the
// background so it never lingers as a zombie while this process lives.
func (l *OSLauncher) Spawn(spec Spec) (runtimeinfo.ProcessRecord, error) {
	path := spec.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return runtimeinfo.ProcessRecord{}, errdefs.ProcessControl("resolve executable", 0, err)
		}
		path = exe
	}

	// #nosec G204 path is the installed binary or configured by the operator
	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = l.envM.Merge(append([]string{env.RoleKey + "=" + string(spec.Role)}, spec.Env...))
	detach(cmd)

	outW, errW, err := spec.Log.ProcessWriters(string(spec.Role))
	if err != nil {
		return runtimeinfo.ProcessRecord{}, errdefs.ProcessControl("open "+string(spec.Role)+" log", 0, err)
	}
	cmd.Stdin = nil
	cmd.Stdout = writerOrNil(outW)
	cmd.Stderr = writerOrNil(errW)

	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		return runtimeinfo.ProcessRecord{}, errdefs.ProcessControl("spawn "+path, 0, err)
	}
	pid := cmd.Process.Pid
	go func() {
		_ = cmd.Wait()
		closeAll(outW, errW)
	}()

	rec := runtimeinfo.ProcessRecord{
		PID:       pid,
		Role:      spec.Role,
		StartedAt: time.Now().UTC(),
		Version:   spec.Version,
	}
	l.logger.Info("process spawned",
		slog.Int("pid", pid),
		slog.String("role", string(spec.Role)),
		slog.String("path", path),
		slog.String("version", spec.Version))
	return rec, nil
}

func (l *OSLauncher) Terminate(rec runtimeinfo.ProcessRecord) error {
	if rec.PID <= 0 {
		return errdefs.ProcessControl("terminate", rec.PID, errors.New("invalid pid"))
	}
	if err := terminate(rec.PID); err != nil {
		return errdefs.ProcessControl("terminate "+string(rec.Role), rec.PID, err)
	}
	l.logger.Info("termination requested", slog.Int("pid", rec.PID), slog.String("role", string(rec.Role)))
	return nil
}

func (l *OSLauncher) IsAlive(rec runtimeinfo.ProcessRecord) bool {
	return alive(rec, l.startTime)
}

func writerOrNil(w io.WriteCloser) io.Writer {
	if w == nil {
		return nil // os/exec connects nil to the null device
	}
	return w
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
