package pgclient

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"pingtrack/internal/pgwire"
)

// WorkerState mirrors the lifecycle a Worker moves through: Starting while
// dialing and authenticating, Idle once free, Busy while serving a Query,
// Dead once its socket is gone for good (spec §3, §4.4).
type WorkerState int

const (
	Starting WorkerState = iota
	Idle
	Busy
	Dead
)

func (s WorkerState) String() string {
	switch s {
	case Starting:
		return "starting"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Worker owns one authenticated TCP connection to Postgres and serves one
// Query at a time over its lifetime (spec §4.3). It has no internal
// concurrency of its own: the pool is solely responsible for making sure
// only one goroutine calls Query on a given worker at a time.
type Worker struct {
	ID     int64
	conn   net.Conn
	reader *pgwire.Reader
	writer *pgwire.Writer
	br     *bufio.Reader
	log    *slog.Logger
}

// dialWorker opens a fresh connection, runs the startup handshake, and
// executes every prepare plan, in that order. A non-nil error here always
// means the worker is Dead on return; the caller must not use it further.
func dialWorker(id int64, cfg DbConfig, preparePlans []string, log *slog.Logger) (*Worker, error) {
	conn, err := net.Dial("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, &ProtocolError{Context: "dial", Err: err}
	}

	w := &Worker{
		ID:     id,
		conn:   conn,
		reader: &pgwire.Reader{},
		br:     bufio.NewReader(conn),
		log:    log.With("worker", id),
	}
	w.writer = pgwire.NewWriter(bufio.NewWriter(conn))

	if err := w.startup(cfg); err != nil {
		conn.Close()
		return nil, err
	}
	for _, plan := range preparePlans {
		if _, err := w.runPreparePlan(plan); err != nil {
			conn.Close()
			return nil, err
		}
	}
	w.log.Debug("worker ready", "prepare_plans", len(preparePlans))
	return w, nil
}

// readMessage pulls the next complete WireMessage off the connection,
// feeding the accumulator from the raw socket as needed (spec §4.1).
func (w *Worker) readMessage() (pgwire.WireMessage, error) {
	return pgwire.ReadMessage(w.reader, func() ([]byte, error) {
		chunk := make([]byte, 4096)
		n, err := w.br.Read(chunk)
		if err != nil {
			return nil, err
		}
		return chunk[:n], nil
	})
}

// startup performs the handshake described in spec §4.3 steps 1-5: send the
// startup message, read the MD5 challenge, answer it, and confirm auth OK.
func (w *Worker) startup(cfg DbConfig) error {
	params := map[string]string{
		"user":     cfg.User,
		"database": cfg.Database,
	}
	if err := w.writer.WriteStartup(params); err != nil {
		return &ProtocolError{Context: "write startup", Err: err}
	}
	if err := w.writer.Flush(); err != nil {
		return &ProtocolError{Context: "flush startup", Err: err}
	}

	challenge, err := w.readMessage()
	if err != nil {
		return &ProtocolError{Context: "read auth challenge", Err: err}
	}
	if challenge.Tag != pgwire.MsgAuthentication {
		return &ProtocolError{Context: "read auth challenge", Err: fmt.Errorf("unexpected tag %q", challenge.Tag)}
	}
	pr := pgwire.NewPayloadReader(challenge.Payload)
	subCode, err := pr.ReadInt32()
	if err != nil {
		return &ProtocolError{Context: "read auth challenge", Err: err}
	}
	if subCode != pgwire.AuthMD5Password {
		return &AuthError{Reason: fmt.Sprintf("server did not request MD5 auth (sub-code %d)", subCode)}
	}
	salt, err := pr.ReadBytes(4)
	if err != nil {
		return &ProtocolError{Context: "read MD5 salt", Err: err}
	}

	digest := md5AuthPayload(cfg.Password, cfg.User, salt)
	if err := w.writer.WritePassword(digest); err != nil {
		return &ProtocolError{Context: "write password", Err: err}
	}
	if err := w.writer.Flush(); err != nil {
		return &ProtocolError{Context: "flush password", Err: err}
	}

	reply, err := w.readMessage()
	if err != nil {
		return &ProtocolError{Context: "read auth result", Err: err}
	}
	if reply.Tag != pgwire.MsgAuthentication {
		return &AuthError{Reason: fmt.Sprintf("unexpected tag %q in response to password", reply.Tag)}
	}
	return nil
}

// md5AuthPayload implements the "md5"+hex(md5(hex(md5(pw+user))+salt)) recipe
// from spec §4.3 step 4 / §8's pinned MD5 round-trip law.
func md5AuthPayload(password, user string, salt []byte) string {
	s1 := md5Hex(password + user)
	s2 := md5Hex(s1 + string(salt))
	return "md5" + s2
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// runPreparePlan sends a single PREPARE statement at startup and requires
// that the first reply be CommandComplete, draining anything else the
// server sends until ReadyForQuery (spec §4.3 step 6).
func (w *Worker) runPreparePlan(sql string) (*Result, error) {
	if err := w.writer.WriteQuery(sql); err != nil {
		return nil, &ProtocolError{Context: "write prepare plan", Err: err}
	}
	if err := w.writer.Flush(); err != nil {
		return nil, &ProtocolError{Context: "flush prepare plan", Err: err}
	}

	first, err := w.readMessage()
	if err != nil {
		return nil, &ProtocolError{Context: "read prepare plan reply", Err: err}
	}
	if first.Tag != pgwire.MsgCommandComplete {
		return nil, &ProtocolError{Context: "read prepare plan reply", Err: fmt.Errorf("unexpected tag %q, want CommandComplete", first.Tag)}
	}

	res := &Result{}
	if err := parseMessage(first, res); err != nil {
		return nil, &ProtocolError{Context: "parse prepare plan reply", Err: err}
	}
	for res.Status == 0 {
		msg, err := w.readMessage()
		if err != nil {
			return nil, &ProtocolError{Context: "drain prepare plan reply", Err: err}
		}
		if err := parseMessage(msg, res); err != nil {
			return nil, &ProtocolError{Context: "parse prepare plan reply", Err: err}
		}
	}
	return res, nil
}

// Query sends one simple-query message and parses the full response,
// draining messages until ReadyForQuery arrives (spec §4.2, §4.3's service
// loop). Any error returned here is fatal to the worker; a query-level
// failure instead comes back as a non-nil Result.Error with a nil error.
func (w *Worker) Query(sql string) (*Result, error) {
	if err := w.writer.WriteQuery(sql); err != nil {
		return nil, &ProtocolError{Context: "write query", Err: err}
	}
	if err := w.writer.Flush(); err != nil {
		return nil, &ProtocolError{Context: "flush query", Err: err}
	}

	res := &Result{}
	for res.Status == 0 {
		msg, err := w.readMessage()
		if err != nil {
			return nil, &ProtocolError{Context: "read query response", Err: err}
		}
		if err := parseMessage(msg, res); err != nil {
			return nil, &ProtocolError{Context: "parse query response", Err: err}
		}
	}
	return res, nil
}

// Close terminates the connection gracefully where possible. Errors writing
// the Terminate message are ignored; the socket is closed regardless.
func (w *Worker) Close() {
	if err := w.writer.WriteTerminate(); err == nil {
		w.writer.Flush()
	}
	w.conn.Close()
}
