package tile

import (
	"errors"
	"fmt"
)

type Status int

const (
	StatusNotFound Status = iota
	StatusFound
	StatusEmpty
	StatusFull
	StatusOutsideLimits
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusEmpty:
		return "empty"
	case StatusFull:
		return "full"
	case StatusOutsideLimits:
		return "outside_limits"
	case StatusError:
		return "error"
	default:
		return "not_found"
	}
}

// Result is the outcome of resolving a Query.
//
// Empty means every descendant tile at finer levels is empty as well, Full
// means every descendant is byte-identical to this tile. Both are hints only.
type Result struct {
	Status  Status
	Content []byte
	Message string
}

func Found(content []byte) Result { return Result{Status: StatusFound, Content: content} }

func Empty(content []byte) Result {
	if content == nil {
		content = []byte{}
	}
	return Result{Status: StatusEmpty, Content: content}
}

func Full(content []byte) Result { return Result{Status: StatusFull, Content: content} }

func NotFound() Result { return Result{Status: StatusNotFound} }

func OutsideLimits(format string, args ...any) Result {
	return Result{Status: StatusOutsideLimits, Message: fmt.Sprintf(format, args...)}
}

func Errorf(format string, args ...any) Result {
	return Result{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// Check validates the status/content/message invariants.
func (r Result) Check() error {
	switch r.Status {
	case StatusFound, StatusEmpty, StatusFull:
		if r.Content == nil {
			return fmt.Errorf("tile result with status %s requires content", r.Status)
		}
	case StatusOutsideLimits, StatusError:
		if r.Message == "" {
			return fmt.Errorf("tile result with status %s requires a message", r.Status)
		}
	case StatusNotFound:
	default:
		return errors.New("tile result has an unknown status")
	}
	return nil
}

// IsAvailable reports whether the result carries tile content.
func (r Result) IsAvailable() bool {
	switch r.Status {
	case StatusFound, StatusEmpty, StatusFull:
		return r.Content != nil
	}
	return false
}

func (r Result) IsNotFound() bool      { return r.Status == StatusNotFound }
func (r Result) IsError() bool         { return r.Status == StatusError }
func (r Result) IsOutsideLimits() bool { return r.Status == StatusOutsideLimits }

// Err converts an error result to a Go error, nil otherwise.
func (r Result) Err() error {
	if r.Status == StatusError {
		return errors.New(r.Message)
	}
	return nil
}
