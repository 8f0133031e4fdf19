package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// FrameError reports a single malformed message. The message is dropped;
// parsing continues with the bytes that follow it.
type FrameError struct {
	Reason string
	Data   string
}

func (e *FrameError) Error() string {
	data := e.Data
	if len(data) > 64 {
		data = data[:64] + "..."
	}
	return fmt.Sprintf("framing error: %s (%q)", e.Reason, data)
}

// MissingFieldError is returned when a well-formed command lacks a field
// its handler needs.
type MissingFieldError struct {
	Command string
	Key     string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: missing field %q", e.Command, e.Key)
}

// Parse splits buf into complete messages. Bytes belonging to an incomplete
// trailing message are returned unconsumed in rest (rest aliases buf); the
// caller prepends them to the next read. Parse is split-invariant: feeding
// buf in two pieces through rest yields the same messages as feeding it whole.
//
// Malformed messages are skipped and reported through err, joined with
// errors.Join. A non-nil err never means msgs or rest are invalid.
func Parse(buf []byte) (msgs []Message, rest []byte, err error) {
	var (
		errs []error
		pos  int
	)

	for pos < len(buf) {
		if buf[pos] != '\\' {
			next := bytes.IndexByte(buf[pos:], '\\')
			if next < 0 {
				// Can't tell junk from a message start yet.
				break
			}
			errs = append(errs, &FrameError{Reason: "data before message start", Data: string(buf[pos : pos+next])})
			pos += next
			continue
		}

		n, tokens, complete := scanMessage(buf[pos:])
		if !complete {
			break
		}

		msg, ferr := buildMessage(tokens)
		if ferr != nil {
			ferr.Data = string(buf[pos : pos+n])
			errs = append(errs, ferr)
		} else {
			msgs = append(msgs, msg)
		}
		pos += n
	}

	return msgs, buf[pos:], errors.Join(errs...)
}

var terminator = []byte("\\" + FinalKey + "\\")

// scanMessage splits the message starting at b[0] == '\' into tokens.
// It returns the number of bytes up to and including the first "\final\".
func scanMessage(b []byte) (int, []string, bool) {
	end := bytes.Index(b, terminator)
	if end < 0 {
		return 0, nil, false
	}
	if end == 0 {
		return len(terminator), nil, true
	}
	return end + len(terminator), strings.Split(string(b[1:end]), "\\"), true
}

func buildMessage(tokens []string) (Message, *FrameError) {
	if len(tokens) == 0 || tokens[0] == "" {
		return Message{}, &FrameError{Reason: "missing command"}
	}

	msg := Message{Command: tokens[0]}
	if len(tokens) == 1 {
		return msg, nil
	}
	msg.Qualifier = tokens[1]

	pairs := tokens[2:]
	if len(pairs)%2 != 0 {
		return Message{}, &FrameError{Reason: fmt.Sprintf("key %q has no value", pairs[len(pairs)-1])}
	}

	msg.Fields = make([]Field, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		msg.Fields = append(msg.Fields, Field{Key: pairs[i], Value: pairs[i+1]})
	}
	return msg, nil
}

// Decoder reassembles messages across reads for one connection.
// It is not safe for concurrent use.
type Decoder struct {
	buf []byte
	max int
}

// NewDecoder creates a Decoder that holds at most maxBuffered bytes of an
// incomplete message. Zero or less selects DefaultMaxBufferSize.
func NewDecoder(maxBuffered int) *Decoder {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBufferSize
	}
	return &Decoder{max: maxBuffered}
}

// Feed appends data to the pending buffer and returns every message it
// completes, in wire order.
func (d *Decoder) Feed(data []byte) ([]Message, error) {
	d.buf = append(d.buf, data...)

	msgs, rest, err := Parse(d.buf)
	d.buf = append(d.buf[:0], rest...)

	if len(d.buf) > d.max {
		err = errors.Join(err, &FrameError{
			Reason: fmt.Sprintf("incomplete message exceeds %d bytes, discarded", d.max),
			Data:   string(d.buf),
		})
		d.buf = d.buf[:0]
	}

	return msgs, err
}

// Buffered returns the number of bytes waiting for a terminator.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
