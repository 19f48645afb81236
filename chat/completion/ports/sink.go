package completionports

import "context"

// ErrorSink receives errors that do not stop the caller: malformed stream
// units and turn failures.
type ErrorSink interface {
	Report(ctx context.Context, err error)
}
