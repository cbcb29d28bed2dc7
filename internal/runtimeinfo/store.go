package runtimeinfo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/nodecross/nodex-agent/internal/errdefs"
)

const (
	DefaultFileName = "runtime_info.json"
	DefaultMaxBytes = 1 << 20
)

// ErrTooLarge is returned by Persist when the encoded state exceeds the
// configured size of the state artifact.
var ErrTooLarge = errors.New("runtime info exceeds configured size")

// Config locates the persisted state artifact.
type Config struct {
	Dir      string // directory holding the state and lock files
	Name     string // state file name (default runtime_info.json)
	MaxBytes int64  // upper bound for the encoded state (default 1 MiB)
	Logger   *slog.Logger
}

// Store is the handle every component uses to reach the shared RuntimeInfo.
// All access happens under an exclusive cross-process file lock which is held
// for a single load-mutate-store sequence and released before returning.
type Store struct {
	path     string
	lockPath string
	maxBytes int64
	logger   *slog.Logger
	mu       sync.Mutex // serializes goroutines of this process before taking the file lock
}

func NewStore(cfg Config) *Store {
	name := cfg.Name
	if name == "" {
		name = DefaultFileName
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	path := filepath.Join(cfg.Dir, name)
	return &Store{
		path:     path,
		lockPath: path + ".lock",
		maxBytes: maxBytes,
		logger:   logger.With("component", "runtimeinfo"),
	}
}

// Path returns the location of the state artifact.
func (s *Store) Path() string { return s.path }

// Load returns the persisted RuntimeInfo. A missing or unparsable artifact
// yields Default(); only lock or read failures are reported.
func (s *Store) Load() (RuntimeInfo, error) {
	var out RuntimeInfo
	err := s.withLock(func() error {
		ri, err := s.read()
		out = ri
		return err
	})
	return out, err
}

// Persist atomically replaces the persisted RuntimeInfo with info.
func (s *Store) Persist(info RuntimeInfo) error {
	return s.withLock(func() error { return s.write(info) })
}

// Update runs one load-mutate-store sequence under the lock. When fn returns
// an error nothing is written and the error is returned as is.
// fn must not block on other processes (spawn, network, waiting for exit).
func (s *Store) Update(fn func(*RuntimeInfo) error) (RuntimeInfo, error) {
	var out RuntimeInfo
	err := s.withLock(func() error {
		ri, err := s.read()
		if err != nil {
			return err
		}
		if err := fn(&ri); err != nil {
			return err
		}
		ri.normalize()
		if err := s.write(ri); err != nil {
			return err
		}
		out = ri
		return nil
	})
	return out, err
}

func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return errdefs.IO("create state dir", filepath.Dir(s.path), err)
	}
	fl := flock.New(s.lockPath)
	if err := fl.Lock(); err != nil {
		return errdefs.IO("lock runtime info", s.lockPath, err)
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("failed to release runtime info lock", slog.String("path", s.lockPath), slog.Any("error", err))
		}
	}()
	return fn()
}

func (s *Store) read() (RuntimeInfo, error) {
	// #nosec G304 path comes from configuration
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return RuntimeInfo{}, errdefs.IO("read runtime info", s.path, err)
	}
	if int64(len(b)) > s.maxBytes {
		s.logger.Warn("runtime info larger than configured size; resetting to default",
			slog.String("path", s.path), slog.Int("size", len(b)), slog.Int64("max_bytes", s.maxBytes))
		return Default(), nil
	}
	ri, err := decode(b)
	if err != nil {
		s.logger.Warn("runtime info unreadable; resetting to default",
			slog.String("path", s.path), slog.Any("error", errdefs.Serialization("decode runtime info", s.path, err)))
		return Default(), nil
	}
	return ri, nil
}

func decode(b []byte) (RuntimeInfo, error) {
	var ri RuntimeInfo
	if err := json.Unmarshal(b, &ri); err != nil {
		return RuntimeInfo{}, err
	}
	ri.normalize()
	if !ri.State.Valid() {
		return RuntimeInfo{}, fmt.Errorf("unknown lifecycle state %q", ri.State)
	}
	for _, p := range ri.Processes {
		if !p.Role.Valid() {
			return RuntimeInfo{}, fmt.Errorf("unknown role %q for pid %d", p.Role, p.PID)
		}
	}
	return ri, nil
}

func (s *Store) write(info RuntimeInfo) error {
	info.normalize()
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return errdefs.Serialization("encode runtime info", s.path, err)
	}
	if int64(len(b)) > s.maxBytes {
		return errdefs.Serialization("encode runtime info", s.path,
			fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(b), s.maxBytes))
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return errdefs.IO("create temp runtime info", s.path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return errdefs.IO("write runtime info", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return errdefs.IO("sync runtime info", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errdefs.IO("close runtime info", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return errdefs.IO("replace runtime info", s.path, err)
	}
	return nil
}
