package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Field is a single key/value pair. Keys may repeat inside a message, so
// messages keep fields as an ordered slice rather than a map.
type Field struct {
	Key   string
	Value string
}

// Message is one parsed or to-be-serialized protocol message.
type Message struct {
	Command   string
	Qualifier string
	Fields    []Field
}

// NewMessage starts a message with the given command and qualifier.
func NewMessage(command, qualifier string) *Message {
	return &Message{Command: command, Qualifier: qualifier}
}

// Add appends a string field.
func (m *Message) Add(key, value string) *Message {
	m.Fields = append(m.Fields, Field{Key: key, Value: value})
	return m
}

// AddInt appends an integer field.
func (m *Message) AddInt(key string, value int) *Message {
	return m.Add(key, strconv.Itoa(value))
}

// AddUint32 appends an unsigned 32-bit field.
func (m *Message) AddUint32(key string, value uint32) *Message {
	return m.Add(key, strconv.FormatUint(uint64(value), 10))
}

// Get returns the value of the first field named key.
func (m Message) Get(key string) (string, bool) {
	for _, f := range m.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// GetDefault returns the first value for key, or def when absent.
func (m Message) GetDefault(key, def string) string {
	if v, ok := m.Get(key); ok {
		return v
	}
	return def
}

// GetInt parses the first value for key as a decimal integer.
func (m Message) GetInt(key string) (int, error) {
	v, ok := m.Get(key)
	if !ok {
		return 0, &MissingFieldError{Command: m.Command, Key: key}
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("field %s of %s is not a number: %w", key, m.Command, err)
	}
	return n, nil
}

// Require returns the value for key or a MissingFieldError.
func (m Message) Require(key string) (string, error) {
	v, ok := m.Get(key)
	if !ok {
		return "", &MissingFieldError{Command: m.Command, Key: key}
	}
	return v, nil
}

// Without returns the fields whose keys are not listed in drop, in order.
func (m Message) Without(drop ...string) []Field {
	out := make([]Field, 0, len(m.Fields))
next:
	for _, f := range m.Fields {
		for _, d := range drop {
			if f.Key == d {
				continue next
			}
		}
		out = append(out, f)
	}
	return out
}

// Bytes serializes the message; see Serialize.
func (m *Message) Bytes() []byte {
	return Serialize(*m)
}

// String returns the wire form, used for debug logging.
func (m Message) String() string {
	return string(Serialize(m))
}

// Serialize renders a message as \cmd\qualifier\k\v...\final\.
// Keys and values are written verbatim; a backslash inside either cannot be
// represented by the format and will split the token on the receiving side.
func Serialize(m Message) []byte {
	var buf bytes.Buffer
	buf.Grow(16 + len(m.Command) + len(m.Qualifier) + len(m.Fields)*16)

	buf.WriteByte('\\')
	buf.WriteString(m.Command)
	buf.WriteByte('\\')
	buf.WriteString(m.Qualifier)

	for _, f := range m.Fields {
		buf.WriteByte('\\')
		buf.WriteString(f.Key)
		buf.WriteByte('\\')
		buf.WriteString(f.Value)
	}

	buf.WriteString("\\" + FinalKey + "\\")
	return buf.Bytes()
}

// NewError builds a GP \error\ reply.
func NewError(code int, message string, fatal bool) *Message {
	m := NewMessage(CmdError, "").AddInt("err", code)
	if fatal {
		m.Add("fatal", "")
	}
	return m.Add("errmsg", message)
}
