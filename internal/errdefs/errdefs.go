package errdefs

import (
	"errors"
	"strconv"
	"strings"
)

// Kind classifies failures of the supervision core so callers can decide
// whether to retry, recover locally, or report.
type Kind int

const (
	KindIO Kind = iota + 1
	KindSerialization
	KindProcessControl
	KindNetwork
	KindIntegrity
	KindCapacity
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindSerialization:
		return "serialization"
	case KindProcessControl:
		return "process_control"
	case KindNetwork:
		return "network"
	case KindIntegrity:
		return "integrity"
	case KindCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrIO             = &Error{Kind: KindIO}
	ErrSerialization  = &Error{Kind: KindSerialization}
	ErrProcessControl = &Error{Kind: KindProcessControl}
	ErrNetwork        = &Error{Kind: KindNetwork}
	ErrIntegrity      = &Error{Kind: KindIntegrity}
	ErrCapacity       = &Error{Kind: KindCapacity}
)

// Error carries the failure kind together with the context needed for
// logging and retry: the operation, and whichever of path, URL or pid applies.
type Error struct {
	Kind Kind
	Op   string
	Path string
	URL  string
	PID  int
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" error during ")
		b.WriteString(e.Op)
	} else {
		b.WriteString(" error")
	}
	if e.Path != "" {
		b.WriteString(" path=")
		b.WriteString(e.Path)
	}
	if e.URL != "" {
		b.WriteString(" url=")
		b.WriteString(e.URL)
	}
	if e.PID != 0 {
		b.WriteString(" pid=")
		b.WriteString(strconv.Itoa(e.PID))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind only, so errors.Is(err, ErrNetwork) works
// regardless of the operation details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IO(op, path string, err error) error {
	return &Error{Kind: KindIO, Op: op, Path: path, Err: err}
}

func Serialization(op, path string, err error) error {
	return &Error{Kind: KindSerialization, Op: op, Path: path, Err: err}
}

func ProcessControl(op string, pid int, err error) error {
	return &Error{Kind: KindProcessControl, Op: op, PID: pid, Err: err}
}

func Network(op, url string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, URL: url, Err: err}
}

func Integrity(op, url string, err error) error {
	return &Error{Kind: KindIntegrity, Op: op, URL: url, Err: err}
}

func Capacity(op, path string, err error) error {
	return &Error{Kind: KindCapacity, Op: op, Path: path, Err: err}
}
