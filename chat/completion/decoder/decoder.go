// Package decoder turns a chunked response body into assistant text
// fragments. Chunks may split frames, JSON units and multi-byte characters at
// any byte offset; decoders buffer until a unit boundary and never reorder.
package decoder

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// Mode selects the wire shape. It must match what the server sends; it is
// never auto-detected.
type Mode string

const (
	// ModeDelimited reads marker-prefixed text lines (`data: Hi`).
	ModeDelimited Mode = "delimited"
	// ModeNDJSON reads JSON units shaped like {"message":{"content":"Hi"},"done":false}.
	ModeNDJSON Mode = "ndjson"
)

// ParseMode converts a configuration value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeDelimited, ModeNDJSON:
		return m, nil
	}
	return "", fmt.Errorf("unknown decoder mode %q", s)
}

const (
	DefaultMarker       = "data:"
	DefaultDoneSentinel = "[DONE]"
	DefaultMaxUnitBytes = 1 << 20
	DefaultChunkSize    = 4 << 10
)

var (
	// ErrMalformedUnit marks a single unit that could not be decoded. It is
	// reported to the Sink and never ends the stream.
	ErrMalformedUnit = errors.New("malformed unit")
	// ErrUpstream is returned by Feed when the server reports an error unit.
	ErrUpstream = errors.New("upstream error")
	// ErrUnitTooLarge is returned by Feed when a unit outgrows the buffer limit.
	ErrUnitTooLarge = errors.New("unit exceeds maximum size")
)

// MalformedUnitError carries the offending unit, truncated for logging.
type MalformedUnitError struct {
	Unit string
	Err  error
}

func (e *MalformedUnitError) Error() string {
	return fmt.Sprintf("malformed unit %q: %v", e.Unit, e.Err)
}

func (e *MalformedUnitError) Unwrap() error { return e.Err }

func (e *MalformedUnitError) Is(target error) bool { return target == ErrMalformedUnit }

func malformed(unit []byte, err error) *MalformedUnitError {
	const max = 256
	s := string(unit)
	if len(s) > max {
		s = s[:max] + "..."
	}
	return &MalformedUnitError{Unit: s, Err: err}
}

// Fragment is one decoded increment of assistant text. Done marks the unit
// that ended the stream; it may carry trailing text.
type Fragment struct {
	Text string
	Done bool
}

// Sink receives recoverable decoding errors.
type Sink func(err error)

// Decoder is fed raw body chunks in arrival order.
//
// Feed returns the fragments completed by chunk. A non-nil error means the
// stream cannot continue; fragments returned alongside it are still valid.
// Finish ends the stream and discards an incomplete trailing unit.
// After a Done fragment both methods return nothing.
type Decoder interface {
	Feed(chunk []byte) ([]Fragment, error)
	Finish() []Fragment
}

type options struct {
	sink          Sink
	marker        string
	doneSentinel  string
	preserveSpace bool
	maxUnitBytes  int
}

// Option configures a Decoder.
type Option func(*options)

// WithSink routes malformed-unit reports to sink.
func WithSink(sink Sink) Option {
	return func(o *options) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithMarker sets the delimited-mode frame prefix. An empty marker treats
// every non-blank line as a frame.
func WithMarker(marker string) Option {
	return func(o *options) { o.marker = marker }
}

// WithDoneSentinel sets the delimited-mode payload that ends the stream.
func WithDoneSentinel(s string) Option {
	return func(o *options) { o.doneSentinel = s }
}

// WithPreserveSpace strips only the single space following the marker
// instead of all surrounding whitespace.
func WithPreserveSpace(preserve bool) Option {
	return func(o *options) { o.preserveSpace = preserve }
}

// WithMaxUnitBytes bounds the bytes buffered for one unit.
func WithMaxUnitBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxUnitBytes = n
		}
	}
}

// New returns a Decoder for mode.
func New(mode Mode, opts ...Option) (Decoder, error) {
	o := options{
		sink:         func(error) {},
		marker:       DefaultMarker,
		doneSentinel: DefaultDoneSentinel,
		maxUnitBytes: DefaultMaxUnitBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	switch mode {
	case ModeDelimited:
		return &delimitedDecoder{opts: o}, nil
	case ModeNDJSON:
		return &ndjsonDecoder{opts: o}, nil
	default:
		return nil, fmt.Errorf("unknown decoder mode %q", mode)
	}
}

// Chunks yields successive reads from r. Each chunk is a fresh slice. The
// sequence ends silently at io.EOF; any other read error is yielded once.
func Chunks(r io.Reader, size int) iter.Seq2[[]byte, error] {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, size)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(nil, err)
				}
				return
			}
		}
	}
}
