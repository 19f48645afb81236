package completion

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptySubmission is returned by Submit for a blank draft. Nothing is
	// appended or sent.
	ErrEmptySubmission = errors.New("empty submission")
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("transport error")
	// ErrStreamBodyAbsent means the server answered without a readable body.
	ErrStreamBodyAbsent = errors.New("stream body absent")
	// ErrTurnInProgress is returned by Submit under BusyReject while a turn is open.
	ErrTurnInProgress = errors.New("turn in progress")
	// ErrTurnTimeout ends a turn that outlived Policy.TurnTimeout.
	ErrTurnTimeout = errors.New("turn timed out")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("orchestrator closed")
)

// TransportError describes a request that never produced a stream: the
// connection failed, the server replied non-2xx, or the body was missing.
type TransportError struct {
	StatusCode int    // 0 when no response arrived
	Body       string // leading bytes of a non-2xx body
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("transport: status %d: %v", e.StatusCode, e.Err)
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("transport: status %d: %s", e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("transport: status %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("transport: %v", e.Err)
	}
	return "transport: unknown failure"
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
