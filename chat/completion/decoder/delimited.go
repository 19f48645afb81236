package decoder

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// delimitedDecoder reads newline-terminated frames of the form
// "<marker><payload>". Blank lines, comments (":") and other SSE fields
// ("event:", "id:", "retry:") carry no text. Any other line is reported as
// malformed, which is how a JSON stream read in this mode shows up.
type delimitedDecoder struct {
	opts options
	buf  []byte
	done bool
}

func (d *delimitedDecoder) Feed(chunk []byte) ([]Fragment, error) {
	if d.done {
		return nil, nil
	}
	d.buf = append(d.buf, chunk...)

	var out []Fragment
	start := 0
	for {
		i := bytes.IndexByte(d.buf[start:], '\n')
		if i < 0 {
			break
		}
		line := d.buf[start : start+i]
		start += i + 1

		frag, ok := d.frame(line)
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

	if len(d.buf) > d.opts.maxUnitBytes {
		return out, ErrUnitTooLarge
	}
	return out, nil
}

// Finish drops an unterminated trailing frame.
func (d *delimitedDecoder) Finish() []Fragment {
	d.buf = nil
	return nil
}

func (d *delimitedDecoder) frame(line []byte) (Fragment, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(bytes.TrimSpace(line)) == 0 || line[0] == ':' {
		return Fragment{}, false
	}
	marker := []byte(d.opts.marker)
	if !bytes.HasPrefix(line, marker) {
		if !isField(line) {
			d.opts.sink(malformed(line, errNotFrame))
		}
		return Fragment{}, false
	}
	payload := line[len(marker):]
	if d.opts.preserveSpace {
		payload = bytes.TrimPrefix(payload, []byte{' '})
	} else {
		payload = bytes.TrimSpace(payload)
	}

	text := string(payload)
	if !utf8.ValidString(text) {
		d.opts.sink(malformed(payload, errInvalidUTF8))
		text = strings.ToValidUTF8(text, "\uFFFD")
	}
	if d.opts.doneSentinel != "" && strings.TrimSpace(text) == d.opts.doneSentinel {
		return Fragment{Done: true}, true
	}
	if text == "" {
		return Fragment{}, false
	}
	return Fragment{Text: text}, true
}

// isField reports whether line looks like "<name>:<value>" with an
// alphabetic field name.
func isField(line []byte) bool {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return false
	}
	for _, c := range line[:i] {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}
