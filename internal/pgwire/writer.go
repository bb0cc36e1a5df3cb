package pgwire

import (
	"bufio"
	"encoding/binary"
)

// Writer builds and sends client-to-server messages. It owns no socket
// state beyond the bufio.Writer it's handed; Flush must be called
// explicitly once a full request has been queued.
type Writer struct {
	w   *bufio.Writer
	buf []byte
}

// NewWriter wraps w for writing frontend protocol messages.
func NewWriter(w *bufio.Writer) *Writer {
	return &Writer{w: w, buf: make([]byte, 0, 256)}
}

// Flush flushes any buffered bytes to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// WriteStartup sends the untagged startup message: protocol version 3.0
// followed by null-terminated key/value pairs and a final null byte.
func (w *Writer) WriteStartup(params map[string]string) error {
	w.buf = w.buf[:0]
	w.buf = append(w.buf, 0, 0, 0, 0) // length placeholder
	w.buf = appendInt32(w.buf, ProtocolVersion)
	for k, v := range params {
		w.buf = appendCString(w.buf, k)
		w.buf = appendCString(w.buf, v)
	}
	w.buf = append(w.buf, 0) // terminate parameter list

	binary.BigEndian.PutUint32(w.buf[0:4], uint32(len(w.buf)))
	_, err := w.w.Write(w.buf)
	return err
}

// WritePassword sends a 'p' PasswordMessage whose payload is the given
// (already-digested, for MD5 auth) password string.
func (w *Writer) WritePassword(password string) error {
	return w.writeTagged(MsgPassword, func() {
		w.buf = appendCString(w.buf, password)
	})
}

// WriteQuery sends a simple 'Q' Query message.
func (w *Writer) WriteQuery(sql string) error {
	return w.writeTagged(MsgQuery, func() {
		w.buf = appendCString(w.buf, sql)
	})
}

// WriteTerminate sends an 'X' Terminate message.
func (w *Writer) WriteTerminate() error {
	return w.writeTagged(MsgTerminate, func() {})
}

// writeTagged builds tag || uint32_be(len(body)+4) || body via buildBody,
// then writes the complete message. Per §6, the +5 callers reason about
// elsewhere (length + null terminator) falls out naturally here because
// buildBody appends the C-string's own trailing null before the length is
// measured.
func (w *Writer) writeTagged(tag byte, buildBody func()) error {
	w.buf = w.buf[:0]
	w.buf = append(w.buf, tag)
	w.buf = append(w.buf, 0, 0, 0, 0) // length placeholder
	buildBody()

	length := uint32(len(w.buf) - 1) // length field covers itself, not the tag byte
	binary.BigEndian.PutUint32(w.buf[1:5], length)
	_, err := w.w.Write(w.buf)
	return err
}

func appendInt32(buf []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(buf, uint32(v))
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}
