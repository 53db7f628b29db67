package ami

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Framing limits. A well-behaved Asterisk stays far below these; anything
// beyond them is treated as a protocol violation rather than buffered.
const (
	// maxLineBytes is the maximum length of a single header or body line.
	maxLineBytes = 16 * 1024

	// maxFrameLines is the maximum number of lines in a single frame.
	maxFrameLines = 2048

	// bannerPrefix precedes the protocol version on the greeting line.
	bannerPrefix = "Asterisk Call Manager/"

	// followsTerminator ends the body of a "Response: Follows" frame.
	followsTerminator = "--END COMMAND--"
)

// header is a single "Key: Value" line. Order and duplicates are preserved.
type header struct {
	key   string
	value string
}

// Frame is a decoded manager frame: an ordered list of header lines and,
// for command output frames, a raw body.
//
// Header lookup is case-insensitive (Asterisk is not consistent about
// casing across versions). Insertion order and duplicate keys are kept,
// because list responses rely on them.
type Frame struct {
	headers []header
	body    []string
}

// NewFrame creates an empty frame. Used by tests and by callers that
// synthesise frames.
func NewFrame() *Frame {
	return &Frame{}
}

// Add appends a header line, preserving order and duplicates.
func (f *Frame) Add(key, value string) {
	f.headers = append(f.headers, header{key: key, value: value})
}

// Get returns the value of the first header matching key, or "".
func (f *Frame) Get(key string) string {
	for _, h := range f.headers {
		if strings.EqualFold(h.key, key) {
			return h.value
		}
	}
	return ""
}

// Values returns all values for key in arrival order.
func (f *Frame) Values(key string) []string {
	var out []string
	for _, h := range f.headers {
		if strings.EqualFold(h.key, key) {
			out = append(out, h.value)
		}
	}
	return out
}

// ActionID returns the ActionID header, or "" for unsolicited frames.
func (f *Frame) ActionID() string {
	return f.Get("ActionID")
}

// Event returns the Event header, or "" for response frames.
func (f *Frame) Event() string {
	return f.Get("Event")
}

// IsResponse reports whether the frame carries a Response header.
func (f *Frame) IsResponse() bool {
	return f.Get("Response") != ""
}

// IsSuccess reports whether the frame is a successful response.
func (f *Frame) IsSuccess() bool {
	return strings.EqualFold(f.Get("Response"), "Success")
}

// Body returns the raw command output of a "Response: Follows" frame,
// joined with newlines. Empty for ordinary frames.
func (f *Frame) Body() string {
	return strings.Join(f.body, "\n")
}

// Map returns the headers as a map. For duplicate keys the first value
// wins; use Values when duplicates matter.
func (f *Frame) Map() map[string]string {
	out := make(map[string]string, len(f.headers))
	for _, h := range f.headers {
		if _, ok := out[h.key]; !ok {
			out[h.key] = h.value
		}
	}
	return out
}

// String renders the frame for logging.
func (f *Frame) String() string {
	var b strings.Builder
	for i, h := range f.headers {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s=%s", h.key, h.value)
	}
	return b.String()
}

// followsHeaders are the keys Asterisk sends between "Response: Follows"
// and the raw command output. Anything else is body.
var followsHeaders = map[string]bool{
	"privilege": true,
	"actionid":  true,
	"message":   true,
}

// Decoder reads manager frames from a byte stream.
//
// It is incremental and independent of read chunk boundaries: Next never
// returns a partial frame. Oversized lines and frames yield ErrProtocol;
// the caller may then call Resync to skip to the next frame boundary.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a Decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// ReadBanner consumes the greeting line sent before the first frame and
// returns the protocol version (e.g. "5.0.2").
func (d *Decoder) ReadBanner() (string, error) {
	line, err := d.readLine()
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(line, bannerPrefix) {
		return "", fmt.Errorf("%w: unexpected banner %q", ErrProtocol, line)
	}
	return strings.TrimPrefix(line, bannerPrefix), nil
}

// Next reads and returns the next complete frame.
//
// A frame is a sequence of "Key: Value" lines ended by an empty line.
// For "Response: Follows" frames, lines after the leading headers are
// collected as body and the frame ends only at the --END COMMAND--
// terminator; empty-looking body lines do not end the frame.
//
// Returns ErrProtocol for malformed input, io.EOF at a clean stream end,
// and io.ErrUnexpectedEOF when the stream ends mid-frame.
func (d *Decoder) Next() (*Frame, error) {
	frame := &Frame{}
	started := false
	follows := false
	inBody := false
	lines := 0

	for {
		line, err := d.readLine()
		if err != nil {
			if err == io.EOF && started {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		if !started {
			if line == "" {
				continue
			}
			started = true
		}

		lines++
		if lines > maxFrameLines {
			return nil, fmt.Errorf("%w: frame exceeds %d lines", ErrProtocol, maxFrameLines)
		}

		if follows {
			if line == followsTerminator {
				return frame, nil
			}
			if !inBody {
				// Asterisk sends a few ordinary headers before the
				// raw output begins.
				if key, value, ok := cutHeader(line); ok && followsHeaders[strings.ToLower(key)] {
					frame.Add(key, value)
					continue
				}
				inBody = true
			}
			frame.body = append(frame.body, line)
			continue
		}

		if line == "" {
			return frame, nil
		}

		key, value, ok := cutHeader(line)
		if !ok {
			return nil, fmt.Errorf("%w: malformed header line %q", ErrProtocol, line)
		}
		frame.Add(key, value)

		if strings.EqualFold(key, "Response") && strings.EqualFold(value, "Follows") {
			follows = true
		}
	}
}

// Resync discards input until the next frame boundary (an empty line).
// Called after Next returns ErrProtocol to realign the stream.
func (d *Decoder) Resync() error {
	for {
		line, err := d.readLine()
		if err != nil {
			// An oversized line inside garbage is still garbage.
			if errors.Is(err, ErrProtocol) {
				continue
			}
			return err
		}
		if line == "" {
			return nil
		}
	}
}

// readLine reads a single line, tolerating bare LF, with a length bound.
func (d *Decoder) readLine() (string, error) {
	var buf []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineBytes {
			return "", fmt.Errorf("%w: line exceeds %d bytes", ErrProtocol, maxLineBytes)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		break
	}
	return strings.TrimRight(string(buf), "\r\n"), nil
}

// cutHeader splits a "Key: Value" line. The value may be empty.
func cutHeader(line string) (key, value string, ok bool) {
	key, value, ok = strings.Cut(line, ":")
	if !ok || key == "" {
		return "", "", false
	}
	return strings.TrimSpace(key), strings.TrimSpace(value), true
}

// Action is a client request to the manager.
type Action struct {
	// Name is the action name, e.g. "Login", "SIPpeers".
	Name string

	// ActionID correlates the response; assigned by the client on send.
	ActionID string

	params []header
}

// NewAction creates an action with the given name.
func NewAction(name string) *Action {
	return &Action{Name: name}
}

// Set appends a parameter, preserving insertion order.
func (a *Action) Set(key, value string) {
	a.params = append(a.params, header{key: key, value: value})
}

// encode renders the action in wire format: the Action header first,
// ActionID second, then parameters in insertion order, each line CRLF
// terminated, with a blank line ending the frame.
func (a *Action) encode() []byte {
	var b bytes.Buffer
	b.WriteString("Action: ")
	b.WriteString(a.Name)
	b.WriteString("\r\n")
	if a.ActionID != "" {
		b.WriteString("ActionID: ")
		b.WriteString(a.ActionID)
		b.WriteString("\r\n")
	}
	for _, p := range a.params {
		b.WriteString(p.key)
		b.WriteString(": ")
		b.WriteString(p.value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
