package pgwire

import (
	"encoding/binary"
	"fmt"
)

// WireMessage is one complete frontend/backend protocol message: a tag byte
// plus its payload, with payload length always equal to the wire length
// field minus 4. Only tagged messages have this form; the untagged startup
// message is written directly by Writer.WriteStartup and never appears as a
// WireMessage.
type WireMessage struct {
	Tag     byte
	Payload []byte
}

// Reader accumulates bytes fed to it via Feed and yields complete
// WireMessages via Take. It never blocks and never reads from a socket
// itself — callers own how more bytes get appended, which is what makes it
// possible to feed a message split across arbitrary chunk boundaries and
// still get the same result (see reader_test.go's partial-read cases).
type Reader struct {
	buf []byte
}

// Feed appends newly-read bytes to the accumulator. Bytes belonging to a
// message already consumed via Take are never re-examined; bytes beyond the
// message(s) Take currently yields remain buffered for the next call.
func (r *Reader) Feed(chunk []byte) {
	r.buf = append(r.buf, chunk...)
}

// Take returns the next complete message in the accumulator, if one has
// fully arrived. ok is false (with a nil error) when more bytes are needed;
// callers should Feed more and call Take again. An error is returned only
// for a malformed length field, never for "not enough data yet".
func (r *Reader) Take() (msg WireMessage, ok bool, err error) {
	if len(r.buf) < 5 {
		return WireMessage{}, false, nil
	}
	length := binary.BigEndian.Uint32(r.buf[1:5])
	if length < 4 {
		return WireMessage{}, false, fmt.Errorf("pgwire: invalid message length %d", length)
	}
	total := 1 + int(length) // tag byte + (length field, which counts itself)
	if len(r.buf) < total {
		return WireMessage{}, false, nil
	}

	tag := r.buf[0]
	payload := make([]byte, total-5)
	copy(payload, r.buf[5:total])

	// Shift the remainder down rather than reslicing forever, so a long-lived
	// connection's accumulator doesn't grow without bound.
	remaining := len(r.buf) - total
	copy(r.buf, r.buf[total:])
	r.buf = r.buf[:remaining]

	return WireMessage{Tag: tag, Payload: payload}, true, nil
}

// ReadFunc returns the next arbitrary-sized chunk of bytes from the
// underlying transport, or an error (including io.EOF on clean close).
type ReadFunc func() ([]byte, error)

// ReadMessage drives r with read until a complete WireMessage is available,
// feeding whatever chunks read returns regardless of how the message bytes
// happen to be split across them.
func ReadMessage(r *Reader, read ReadFunc) (WireMessage, error) {
	for {
		msg, ok, err := r.Take()
		if err != nil {
			return WireMessage{}, err
		}
		if ok {
			return msg, nil
		}
		chunk, err := read()
		if err != nil {
			return WireMessage{}, err
		}
		r.Feed(chunk)
	}
}

// PayloadReader reads fields out of a single message's payload in order,
// the way the Result Parser walks a RowDescription or DataRow body.
type PayloadReader struct {
	buf []byte
	pos int
}

// NewPayloadReader wraps a message payload for sequential field reads.
func NewPayloadReader(payload []byte) *PayloadReader {
	return &PayloadReader{buf: payload}
}

// Remaining reports how many unread bytes are left in the payload.
func (p *PayloadReader) Remaining() int { return len(p.buf) - p.pos }

// ReadByte reads a single byte.
func (p *PayloadReader) ReadByte() (byte, error) {
	if p.pos >= len(p.buf) {
		return 0, fmt.Errorf("pgwire: read byte past end of payload")
	}
	b := p.buf[p.pos]
	p.pos++
	return b, nil
}

// ReadInt16 reads a big-endian signed 16-bit integer.
func (p *PayloadReader) ReadInt16() (int16, error) {
	if p.pos+2 > len(p.buf) {
		return 0, fmt.Errorf("pgwire: read int16 past end of payload")
	}
	v := int16(binary.BigEndian.Uint16(p.buf[p.pos:]))
	p.pos += 2
	return v, nil
}

// ReadInt32 reads a big-endian signed 32-bit integer.
func (p *PayloadReader) ReadInt32() (int32, error) {
	if p.pos+4 > len(p.buf) {
		return 0, fmt.Errorf("pgwire: read int32 past end of payload")
	}
	v := int32(binary.BigEndian.Uint32(p.buf[p.pos:]))
	p.pos += 4
	return v, nil
}

// Skip discards n bytes.
func (p *PayloadReader) Skip(n int) error {
	if p.pos+n > len(p.buf) {
		return fmt.Errorf("pgwire: skip past end of payload")
	}
	p.pos += n
	return nil
}

// ReadBytes reads exactly n raw bytes.
func (p *PayloadReader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || p.pos+n > len(p.buf) {
		return nil, fmt.Errorf("pgwire: read %d bytes past end of payload", n)
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b, nil
}

// ReadCString reads a null-terminated string.
func (p *PayloadReader) ReadCString() (string, error) {
	start := p.pos
	for p.pos < len(p.buf) {
		if p.buf[p.pos] == 0 {
			s := string(p.buf[start:p.pos])
			p.pos++
			return s, nil
		}
		p.pos++
	}
	return "", fmt.Errorf("pgwire: unterminated string in payload")
}
