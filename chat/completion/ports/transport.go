package completionports

import (
	"context"
	"io"

	"github.com/ZanzyTHEbar/streamchat/chat/transcript"
)

// Request carries the full conversation snapshot sent for one turn.
type Request struct {
	Messages []transcript.Message
}

// Response is the transport's view of the server reply. Body is nil when the
// server sent no readable stream.
type Response struct {
	StatusCode int
	Body       io.ReadCloser
}

// Transport posts a conversation and hands back the streaming body. Returning
// a Response with a non-2xx status is not an error at this layer.
type Transport interface {
	Send(ctx context.Context, req Request) (*Response, error)
}
