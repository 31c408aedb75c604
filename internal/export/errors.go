package export

import (
	"errors"
	"fmt"
)

// Kind classifies a failed export job.
type Kind int

const (
	KindStoreRead Kind = iota + 1
	KindEncode
	KindFilesystem
)

func (k Kind) String() string {
	switch k {
	case KindStoreRead:
		return "store read"
	case KindEncode:
		return "encode"
	case KindFilesystem:
		return "filesystem"
	}
	return "unknown"
}

// Error is a job failure. It is terminal for the job only.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindEncode}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// Message is the text shown to the user.
func (e *Error) Message() string {
	switch e.Kind {
	case KindStoreRead:
		return "Failed to read logs: " + e.Err.Error()
	case KindEncode:
		return "Failed to encode export: " + e.Err.Error()
	case KindFilesystem:
		return "Failed to write export: " + e.Err.Error()
	}
	return e.Err.Error()
}

var (
	ErrNoArtifact       = errors.New("no export artifact available")
	ErrHandoffCancelled = errors.New("export hand-off cancelled")
	ErrClosed           = errors.New("export coordinator closed")
)

func storeReadError(op string, err error) error {
	return &Error{Kind: KindStoreRead, Op: op, Err: err}
}

func encodeError(op string, err error) error {
	return &Error{Kind: KindEncode, Op: op, Err: err}
}

func filesystemError(op string, err error) error {
	return &Error{Kind: KindFilesystem, Op: op, Err: err}
}

// userMessage derives the published error text.
func userMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message()
	}
	return err.Error()
}
