package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings, in lumberjack units.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls the structured logger of nodex-agent itself.
type SlogConfig struct {
	Level  string // debug, info, warn, error
	Format Format // text or json
	Color  bool   // ANSI level colors for text output
	File   string // optional rotated log file; stderr when empty
}

// FileConfig describes where a spawned process writes stdout and stderr.
// With only Dir set the files are Dir/<name>.stdout.log and Dir/<name>.stderr.log.
type FileConfig struct {
	Dir        string
	StdoutPath string
	StderrPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type Config struct {
	Slog SlogConfig
	File FileConfig
}

// NewSlogger builds the process-wide logger described by c.Slog.
func (c Config) NewSlogger() (*slog.Logger, error) {
	var w io.Writer = os.Stderr
	if c.Slog.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Slog.File), 0o750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		w = c.File.rotating(c.Slog.File)
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Slog.Level)}

	var h slog.Handler
	switch c.Slog.Format {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case FormatText, "":
		if c.Slog.Color && c.Slog.File == "" {
			h = NewColorTextHandler(w, opts)
		} else {
			h = slog.NewTextHandler(w, opts)
		}
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Slog.Format)
	}
	return slog.New(h), nil
}

// ProcessWriters returns rotated writers for a spawned process's stdout and
// stderr. Either may be nil when no destination is configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	f := c.File
	stdout, stderr := f.StdoutPath, f.StderrPath
	if f.Dir != "" {
		if err := os.MkdirAll(f.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create process log dir: %w", err)
		}
		if stdout == "" {
			stdout = filepath.Join(f.Dir, name+".stdout.log")
		}
		if stderr == "" {
			stderr = filepath.Join(f.Dir, name+".stderr.log")
		}
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = f.rotating(stdout)
	}
	if stderr != "" {
		errW = f.rotating(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
