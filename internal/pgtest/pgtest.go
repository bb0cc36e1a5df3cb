// Package pgtest is a minimal scripted Postgres v3 server used to drive
// pgclient against known byte sequences without a real database —
// covering the concrete scenarios and boundary cases the wire codec and
// pool must satisfy.
package pgtest

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Server is a fake Postgres listener. Each accepted connection is served
// by a fresh Handler built from NewHandler, so every test controls exactly
// what bytes its connections see.
type Server struct {
	ln        net.Listener
	NewHandler func(conn net.Conn) Handler

	mu     sync.Mutex
	closed bool
}

// Handler drives one accepted connection to completion.
type Handler func(conn net.Conn)

// Listen starts a Server on a random loopback port.
func Listen(newHandler func(conn net.Conn) Handler) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, NewHandler: newHandler}
	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		h := s.NewHandler(conn)
		go h(conn)
	}
}

// Addr returns the host and port the server is listening on.
func (s *Server) Addr() (string, int) {
	tcpAddr := s.ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.ln.Close()
}

// ReadStartupMessage consumes the client's startup message (or any other
// length-prefixed, tagless message) and returns its raw body following the
// length field.
func ReadStartupMessage(conn net.Conn) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := readFull(conn, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	body := make([]byte, length-4)
	if _, err := readFull(conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

// ReadTaggedMessage reads one tag||length||payload message from conn.
func ReadTaggedMessage(conn net.Conn) (tag byte, payload []byte, err error) {
	header := make([]byte, 5)
	if _, err := readFull(conn, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[1:5])
	payload = make([]byte, length-4)
	if _, err := readFull(conn, payload); err != nil {
		return 0, nil, err
	}
	return header[0], payload, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteMessage writes tag||length||payload to conn, where tag == 0 omits
// the tag byte (used for nothing server-side, kept for symmetry with the
// client's startup framing).
func WriteMessage(conn net.Conn, tag byte, payload []byte) error {
	buf := make([]byte, 0, 5+len(payload))
	if tag != 0 {
		buf = append(buf, tag)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)+4))
	buf = append(buf, payload...)
	_, err := conn.Write(buf)
	return err
}

// WriteCString appends a null-terminated string to buf.
func WriteCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// MD5Salt is a fixed salt used by test servers that want a deterministic
// challenge.
var MD5Salt = []byte{0x01, 0x02, 0x03, 0x04}

// ExpectedMD5Digest computes the digest a correctly-behaving client sends
// in response to an MD5 challenge with the given salt, for test servers
// that want to assert on it.
func ExpectedMD5Digest(password, user string, salt []byte) string {
	s1 := md5Hex(password + user)
	s2 := md5Hex(s1 + string(salt))
	return "md5" + s2
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// RunAuthHandshake drives the server side of startup + MD5 auth using
// MD5Salt, returning an error if the client's digest doesn't match the
// given password/user. On success it leaves the connection positioned
// right after sending AuthenticationOk, ready for query traffic.
func RunAuthHandshake(conn net.Conn, user, password string) error {
	if _, err := ReadStartupMessage(conn); err != nil {
		return fmt.Errorf("read startup: %w", err)
	}

	challenge := make([]byte, 0, 8)
	challenge = binary.BigEndian.AppendUint32(challenge, 5)
	challenge = append(challenge, MD5Salt...)
	if err := WriteMessage(conn, 'R', challenge); err != nil {
		return err
	}

	tag, payload, err := ReadTaggedMessage(conn)
	if err != nil {
		return fmt.Errorf("read password message: %w", err)
	}
	if tag != 'p' {
		return fmt.Errorf("expected password message, got %q", tag)
	}
	got := strings.TrimRight(string(payload), "\x00")
	want := ExpectedMD5Digest(password, user, MD5Salt)
	if got != want {
		return fmt.Errorf("digest mismatch: got %q want %q", got, want)
	}

	ok := binary.BigEndian.AppendUint32(nil, 0)
	return WriteMessage(conn, 'R', ok)
}

// Column is a test-helper description of one RowDescription field.
type Column struct {
	Name    string
	TypeOID uint32
}

// WriteRowDescription writes a 'T' message for the given columns.
func WriteRowDescription(conn net.Conn, cols []Column) error {
	payload := make([]byte, 0, 64)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(cols)))
	for _, c := range cols {
		payload = WriteCString(payload, c.Name)
		payload = append(payload, 0, 0, 0, 0, 0, 0) // table oid + attr number
		payload = binary.BigEndian.AppendUint32(payload, c.TypeOID)
		payload = append(payload, 0, 0, 0, 0, 0, 0, 0, 0) // size + modifier + format code
	}
	return WriteMessage(conn, 'T', payload)
}

// WriteDataRow writes a 'D' message for the given text-format column
// values; a nil entry encodes as SQL NULL.
func WriteDataRow(conn net.Conn, values []*string) error {
	payload := make([]byte, 0, 64)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(values)))
	for _, v := range values {
		if v == nil {
			payload = binary.BigEndian.AppendUint32(payload, uint32(0xFFFFFFFF))
			continue
		}
		payload = binary.BigEndian.AppendUint32(payload, uint32(len(*v)))
		payload = append(payload, *v...)
	}
	return WriteMessage(conn, 'D', payload)
}

// WriteCommandComplete writes a 'C' message with the given command tag.
func WriteCommandComplete(conn net.Conn, tag string) error {
	return WriteMessage(conn, 'C', WriteCString(nil, tag))
}

// WriteReadyForQuery writes a 'Z' message with the given transaction status.
func WriteReadyForQuery(conn net.Conn, status byte) error {
	return WriteMessage(conn, 'Z', []byte{status})
}

// WriteErrorResponse writes an 'E' message whose payload starts with the
// given field-code byte.
func WriteErrorResponse(conn net.Conn, code byte) error {
	return WriteMessage(conn, 'E', []byte{code, 0})
}

// TextInt formats n the way the text protocol sends int8 columns.
func TextInt(n int64) *string {
	s := strconv.FormatInt(n, 10)
	return &s
}

// TextString wraps s as a non-null column value pointer.
func TextString(s string) *string { return &s }
