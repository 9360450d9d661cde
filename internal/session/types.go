package session

import (
	"errors"
	"slices"

	"github.com/tanq16/partdl/internal/ranges"
	"github.com/tanq16/partdl/internal/utils"
)

type Status string

const (
	StatusWaiting  Status = "WAITING"
	StatusActive   Status = "ACTIVE"
	StatusPaused   Status = "PAUSED"
	StatusBuilding Status = "BUILDING"
	StatusDone     Status = "DONE"
	StatusError    Status = "ERROR"
	StatusRemoved  Status = "REMOVED"
)

// Resumable reports whether a stored session in this status can be recreated
// from its segment files. An interrupted merge is redone from the segments.
func (s Status) Resumable() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusPaused, StatusBuilding:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusRemoved
}

var (
	ErrAllRetrying  = errors.New("every part is waiting on a throttled connection")
	ErrClosed       = errors.New("session closed")
	ErrRemoved      = errors.New("session removed")
	ErrInvalidState = errors.New("operation not allowed in current status")
)

// Error is the terminal failure of a session.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return e.Kind + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func optionsError(err error) error {
	return &Error{Kind: utils.KindOptions, Err: err}
}

// Info is the progress of a session. TotalSize is -1 when the length is unknown.
type Info struct {
	TotalSize    int64              `json:"total_size"`
	Downloaded   int64              `json:"downloaded"`
	Progress     float64            `json:"progress"`
	Speed        int64              `json:"speed"`
	Threads      int                `json:"threads"`
	PerPartBytes []int64            `json:"per_part_bytes"`
	Parts        []ranges.PartEntry `json:"parts"`
}

func (i Info) clone() Info {
	i.PerPartBytes = slices.Clone(i.PerPartBytes)
	i.Parts = slices.Clone(i.Parts)
	return i
}

// Snapshot is a point-in-time copy of a session safe to hand to other goroutines.
type Snapshot struct {
	Key       string  `json:"key"`
	Status    Status  `json:"status"`
	Options   Options `json:"options"`
	Info      Info    `json:"info"`
	ErrorKind string  `json:"error_kind,omitempty"`
}

type EventKind string

const (
	EventStart EventKind = "start"
	EventData  EventKind = "data"
	EventError EventKind = "error"
	EventDone  EventKind = "done"
)

type Event struct {
	Kind      EventKind
	Snapshot  Snapshot
	ErrorKind string
}
