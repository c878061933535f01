package realtime

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// STOMP commands used by the channel.
const (
	CmdConnect    = "CONNECT"
	CmdConnected  = "CONNECTED"
	CmdSubscribe  = "SUBSCRIBE"
	CmdDisconnect = "DISCONNECT"
	CmdMessage    = "MESSAGE"
	CmdReceipt    = "RECEIPT"
	CmdError      = "ERROR"
)

var (
	// ErrIncompleteFrame is returned when a frame is not NUL terminated.
	ErrIncompleteFrame = errors.New("stomp: incomplete frame")

	// ErrMalformedFrame is returned for frames without a command line or
	// with an unparsable header.
	ErrMalformedFrame = errors.New("stomp: malformed frame")
)

// Frame is a single STOMP 1.2 frame.
type Frame struct {
	Command string
	Header  map[string]string
	Body    []byte
}

// NewFrame builds a frame from alternating header keys and values.
func NewFrame(command string, kv ...string) Frame {
	f := Frame{Command: command, Header: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Header[kv[i]] = kv[i+1]
	}
	return f
}

// Get returns a header value.
func (f Frame) Get(key string) string {
	return f.Header[key]
}

// escapes reports whether header values of this command are escaped.
// CONNECT and CONNECTED are exempt for 1.0 compatibility.
func escapes(command string) bool {
	return command != CmdConnect && command != CmdConnected
}

var (
	headerEscaper   = strings.NewReplacer("\\", "\\\\", "\r", "\\r", "\n", "\\n", ":", "\\c")
	headerUnescaper = strings.NewReplacer("\\\\", "\\", "\\r", "\r", "\\n", "\n", "\\c", ":")
)

// Encode renders the frame. Headers are written in sorted order and a
// content-length header is added when the frame has a body.
func (f Frame) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	keys := make([]string, 0, len(f.Header))
	for k := range f.Header {
		if k == "content-length" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	esc := escapes(f.Command)
	for _, k := range keys {
		v := f.Header[k]
		if esc {
			k, v = headerEscaper.Replace(k), headerEscaper.Replace(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		buf.WriteString("content-length:")
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// DecodeFrames parses every frame in data. Heart-beat end-of-lines between
// frames are skipped, so a heart-beat only message yields no frames.
func DecodeFrames(data []byte) ([]Frame, error) {
	var frames []Frame
	for {
		data = trimEOL(data)
		if len(data) == 0 {
			return frames, nil
		}
		f, rest, err := decodeFrame(data)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		data = rest
	}
}

func trimEOL(data []byte) []byte {
	for len(data) > 0 && (data[0] == '\n' || data[0] == '\r') {
		data = data[1:]
	}
	return data
}

func decodeFrame(data []byte) (Frame, []byte, error) {
	line, data, ok := cutLine(data)
	if !ok || line == "" {
		return Frame{}, nil, fmt.Errorf("%w: missing command", ErrMalformedFrame)
	}
	f := Frame{Command: line, Header: map[string]string{}}
	esc := escapes(f.Command)

	for {
		line, data, ok = cutLine(data)
		if !ok {
			return Frame{}, nil, ErrIncompleteFrame
		}
		if line == "" {
			break
		}
		k, v, found := strings.Cut(line, ":")
		if !found {
			return Frame{}, nil, fmt.Errorf("%w: header %q", ErrMalformedFrame, line)
		}
		if esc {
			k, v = headerUnescaper.Replace(k), headerUnescaper.Replace(v)
		}
		// repeated headers: the first one wins
		if _, dup := f.Header[k]; !dup {
			f.Header[k] = v
		}
	}

	if cl, ok := f.Header["content-length"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return Frame{}, nil, fmt.Errorf("%w: content-length %q", ErrMalformedFrame, cl)
		}
		if len(data) < n+1 || data[n] != 0 {
			return Frame{}, nil, ErrIncompleteFrame
		}
		f.Body = data[:n:n]
		return f, data[n+1:], nil
	}

	end := bytes.IndexByte(data, 0)
	if end < 0 {
		return Frame{}, nil, ErrIncompleteFrame
	}
	f.Body = data[:end:end]
	return f, data[end+1:], nil
}

// cutLine splits off one line terminated by LF or CRLF.
func cutLine(data []byte) (string, []byte, bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return "", data, false
	}
	line := data[:i]
	line = bytes.TrimSuffix(line, []byte("\r"))
	return string(line), data[i+1:], true
}
