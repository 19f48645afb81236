package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	errInvalidUTF8 = errors.New("invalid utf-8")
	errNotFrame    = errors.New("line is neither a frame nor an event-stream field")
	errNotObject   = errors.New("unit is not a JSON object")
	errNoContent   = errors.New("unit carries no content or done flag")
)

// wireUnit accepts the chat shape {"message":{"content":..},"done":..} and
// the generate shapes {"response":..} / {"content":..}.
type wireUnit struct {
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Response *string `json:"response"`
	Content  *string `json:"content"`
	Done     bool    `json:"done"`
	Error    string  `json:"error"`
}

func (u wireUnit) text() string {
	switch {
	case u.Message != nil:
		return u.Message.Content
	case u.Response != nil:
		return *u.Response
	case u.Content != nil:
		return *u.Content
	}
	return ""
}

// ndjsonDecoder splits the byte stream into JSON units. A unit ends at a
// newline or at the brace that closes its top-level object, so both
// newline-delimited and back-to-back objects are accepted. Scan state
// survives across Feed calls.
type ndjsonDecoder struct {
	opts options
	buf  []byte
	pos  int

	depth    int
	inString bool
	escaped  bool
	done     bool
}

func (d *ndjsonDecoder) Feed(chunk []byte) ([]Fragment, error) {
	if d.done {
		return nil, nil
	}
	d.buf = append(d.buf, chunk...)

	var out []Fragment
	start := 0
	for d.pos < len(d.buf) {
		c := d.buf[d.pos]
		d.pos++
		if !d.boundary(c) {
			continue
		}

		unit := d.buf[start:d.pos]
		start = d.pos
		d.depth, d.inString, d.escaped = 0, false, false

		frag, ok, err := d.unit(unit)
		if err != nil {
			d.done = true
			d.buf = nil
			return out, err
		}
		if !ok {
			continue
		}
		out = append(out, frag)
		if frag.Done {
			d.done = true
			d.buf = nil
			return out, nil
		}
	}
	d.buf = append(d.buf[:0], d.buf[start:]...)
	d.pos -= start

	if len(d.buf) > d.opts.maxUnitBytes {
		return out, ErrUnitTooLarge
	}
	return out, nil
}

// Finish discards the buffer. Complete objects were already emitted at their
// closing brace, so anything left is an incomplete unit.
func (d *ndjsonDecoder) Finish() []Fragment {
	d.buf, d.pos = nil, 0
	d.depth, d.inString, d.escaped = 0, false, false
	d.done = true
	return nil
}

// boundary advances the scanner over c and reports whether c ends a unit.
func (d *ndjsonDecoder) boundary(c byte) bool {
	if c == '\n' {
		return true
	}
	if d.inString {
		switch {
		case d.escaped:
			d.escaped = false
		case c == '\\':
			d.escaped = true
		case c == '"':
			d.inString = false
		}
		return false
	}
	switch c {
	case '"':
		if d.depth > 0 {
			d.inString = true
		}
	case '{', '[':
		d.depth++
	case '}', ']':
		if d.depth > 0 {
			d.depth--
			return d.depth == 0
		}
	}
	return false
}

// unit decodes one candidate unit. Whitespace-only units yield nothing;
// malformed units are reported to the sink and yield nothing.
func (d *ndjsonDecoder) unit(raw []byte) (Fragment, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Fragment{}, false, nil
	}
	if raw[0] != '{' {
		d.opts.sink(malformed(raw, errNotObject))
		return Fragment{}, false, nil
	}

	var u wireUnit
	if err := json.Unmarshal(raw, &u); err != nil {
		d.opts.sink(malformed(raw, err))
		return Fragment{}, false, nil
	}
	if u.Error != "" {
		return Fragment{}, false, fmt.Errorf("%w: %s", ErrUpstream, u.Error)
	}
	if u.Message == nil && u.Response == nil && u.Content == nil && !u.Done {
		d.opts.sink(malformed(raw, errNoContent))
		return Fragment{}, false, nil
	}

	frag := Fragment{Text: u.text(), Done: u.Done}
	if frag.Text == "" && !frag.Done {
		return Fragment{}, false, nil
	}
	return frag, true, nil
}
