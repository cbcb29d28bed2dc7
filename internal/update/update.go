// Package update implements the self-update protocol: an ordered list of
// named steps, each a hard gate, with no automatic rollback.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodecross/nodex-agent/internal/errdefs"
	"github.com/nodecross/nodex-agent/internal/history"
	"github.com/nodecross/nodex-agent/internal/logger"
	"github.com/nodecross/nodex-agent/internal/metrics"
	"github.com/nodecross/nodex-agent/internal/process"
	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
	"github.com/nodecross/nodex-agent/internal/supervisor"
	"github.com/nodecross/nodex-agent/internal/version"
)

const (
	DefaultAllowedPrefix   = "https://github.com/nodecross/nodex/releases/download/"
	DefaultDownloadTimeout = 5 * time.Minute
	DefaultMaxPayloadBytes = 256 << 20
	BackupDirName          = ".backup"
)

var ErrUpdateInProgress = errors.New("update already in progress")

type Step string

const (
	StepResolve  Step = "resolve"
	StepCapacity Step = "capacity"
	StepBackup   Step = "backup"
	StepDownload Step = "download"
	StepExtract  Step = "extract"
	StepRelaunch Step = "relaunch"
	StepMark     Step = "mark"
)

// Steps lists the protocol in execution order.
var Steps = []Step{StepResolve, StepCapacity, StepBackup, StepDownload, StepExtract, StepRelaunch, StepMark}

// Session is the transient state of one update run. It is never persisted.
type Session struct {
	ID         string
	URL        string
	InstallDir string
	Binary     string // file name of the executable inside InstallDir
	BackupDir  string
	StartedAt  time.Time

	payload []byte
}

// Spawner starts and signals processes. *process.OSLauncher implements it.
type Spawner interface {
	Spawn(spec process.Spec) (runtimeinfo.ProcessRecord, error)
	Terminate(rec runtimeinfo.ProcessRecord) error
}

type Options struct {
	AllowedPrefix string
	// InstallRoot overrides the directory of the running executable.
	InstallRoot string
	// BinaryName is the executable inside InstallRoot. Defaults to the
	// running binary's name, or nodex-agent when InstallRoot is set.
	BinaryName string
	// Resources are paths relative to the install dir backed up with the binary.
	Resources       []string
	DownloadTimeout time.Duration
	MaxPayloadBytes int64
	// MinPayloadBytes is the smallest payload size assumed by the capacity
	// check. The current binary size is used when it is larger.
	MinPayloadBytes int64
	Version         string
	HTTPClient      *http.Client
	Spawner         Spawner
	// ExternallyManaged reports whether a service manager restarts the
	// controller. Defaults to process.SocketActivated.
	ExternallyManaged func() bool
	// FreeSpace reports available bytes on the volume holding path.
	FreeSpace func(path string) (uint64, error)
	// BeforeStep runs before every step; an error aborts the run as a
	// failure of that step.
	BeforeStep func(step Step, s *Session) error
	ChildLog   logger.Config
	History    *history.Recorder
	Logger     *slog.Logger
}

type Coordinator struct {
	opts    Options
	sup     *supervisor.Supervisor
	history *history.Recorder
	logger  *slog.Logger
	self    int
	now     func() time.Time

	mu sync.Mutex
}

func New(sup *supervisor.Supervisor, opts Options) *Coordinator {
	if opts.AllowedPrefix == "" {
		opts.AllowedPrefix = DefaultAllowedPrefix
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = DefaultDownloadTimeout
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if opts.Version == "" {
		opts.Version = version.Version
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.ExternallyManaged == nil {
		opts.ExternallyManaged = process.SocketActivated
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = diskFree
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	if opts.Spawner == nil {
		opts.Spawner = process.NewLauncher(process.Spec{}, process.Options{Logger: lg})
	}
	return &Coordinator{
		opts:    opts,
		sup:     sup,
		history: opts.History,
		logger:  lg.With("component", "update"),
		self:    os.Getpid(),
		now:     time.Now,
	}
}

// Run executes the protocol for binaryURL. Only one run may be in flight per
// Coordinator; a concurrent call fails with ErrUpdateInProgress. The returned
// session is non-nil once the URL has passed the allow-list check.
func (c *Coordinator) Run(ctx context.Context, binaryURL string) (*Session, error) {
	if !c.mu.TryLock() {
		return nil, ErrUpdateInProgress
	}
	defer c.mu.Unlock()

	binaryURL = strings.TrimSpace(binaryURL)
	if !strings.HasPrefix(binaryURL, c.opts.AllowedPrefix) {
		err := errdefs.Integrity("check source", binaryURL, fmt.Errorf("url is outside the allowed prefix %q", c.opts.AllowedPrefix))
		c.logger.Warn("update rejected", "url", binaryURL, "error", err)
		c.history.Record(history.Event{Type: history.EventUpdateError, Detail: binaryURL, Error: err.Error()})
		return nil, err
	}

	s := &Session{ID: uuid.NewString(), URL: binaryURL, StartedAt: c.now()}
	log := c.logger.With("session", s.ID)
	log.Info("update started", "url", binaryURL)

	for _, step := range Steps {
		if err := c.runStep(ctx, step, s); err != nil {
			log.Error("update step failed", "step", string(step), "error", err)
			metrics.IncUpdateStep(string(step), "error")
			c.history.Record(history.Event{Type: history.EventUpdateError, Session: s.ID, Step: string(step), Detail: s.URL, Error: err.Error()})
			return s, fmt.Errorf("update step %s: %w", step, err)
		}
		log.Info("update step done", "step", string(step))
		metrics.IncUpdateStep(string(step), "ok")
		c.history.Record(history.Event{Type: history.EventUpdateStep, Session: s.ID, Step: string(step)})
	}

	metrics.ObserveUpdateDuration(c.now().Sub(s.StartedAt).Seconds())
	c.history.Record(history.Event{Type: history.EventUpdateDone, Session: s.ID, Detail: s.URL, State: runtimeinfo.StateUpdating})
	log.Info("update applied; waiting for new controller", "install_dir", s.InstallDir)
	return s, nil
}

func (c *Coordinator) runStep(ctx context.Context, step Step, s *Session) error {
	if c.opts.BeforeStep != nil {
		if err := c.opts.BeforeStep(step, s); err != nil {
			return err
		}
	}
	switch step {
	case StepResolve:
		return c.resolve(s)
	case StepCapacity:
		return c.capacity(s)
	case StepBackup:
		return c.backup(s)
	case StepDownload:
		return c.download(ctx, s)
	case StepExtract:
		return c.extract(s)
	case StepRelaunch:
		return c.relaunch(s)
	case StepMark:
		_, err := c.sup.SetState(runtimeinfo.StateUpdating)
		return err
	}
	return fmt.Errorf("unknown step %q", step)
}

func (c *Coordinator) resolve(s *Session) error {
	if c.opts.InstallRoot != "" {
		dir, err := filepath.Abs(c.opts.InstallRoot)
		if err != nil {
			return errdefs.IO("resolve install root", c.opts.InstallRoot, err)
		}
		s.InstallDir = dir
		s.Binary = c.opts.BinaryName
		if s.Binary == "" {
			s.Binary = defaultBinaryName()
		}
		return nil
	}
	exe, err := os.Executable()
	if err != nil {
		return errdefs.IO("resolve executable", "", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	s.InstallDir = filepath.Dir(exe)
	s.Binary = c.opts.BinaryName
	if s.Binary == "" {
		s.Binary = filepath.Base(exe)
	}
	return nil
}

func (c *Coordinator) relaunch(s *Session) error {
	ctrls, err := c.sup.FilterByRole(runtimeinfo.RoleController)
	if err != nil {
		return err
	}
	for _, rec := range ctrls {
		if rec.PID == c.self {
			continue
		}
		if c.sup.IsAlive(rec) {
			if err := c.opts.Spawner.Terminate(rec); err != nil {
				return err
			}
		}
		if _, err := c.sup.RemoveRecord(rec); err != nil {
			return err
		}
		c.history.Record(history.Event{Type: history.EventTerminate, Session: s.ID, Record: rec})
	}

	if c.opts.ExternallyManaged() {
		c.logger.Info("controller is socket activated; leaving restart to the service manager")
		return nil
	}
	bin := filepath.Join(s.InstallDir, s.Binary)
	rec, err := c.opts.Spawner.Spawn(process.Spec{
		Path:    bin,
		Args:    []string{string(runtimeinfo.RoleController)},
		Role:    runtimeinfo.RoleController,
		WorkDir: s.InstallDir,
		Log:     c.opts.ChildLog,
	})
	if err != nil {
		return err
	}
	c.history.Record(history.Event{Type: history.EventLaunch, Session: s.ID, Record: rec})
	return nil
}

func defaultBinaryName() string {
	if runtime.GOOS == "windows" {
		return "nodex-agent.exe"
	}
	return "nodex-agent"
}
