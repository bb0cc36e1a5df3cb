// Package pgclient is the database access core: a hand-rolled PostgreSQL
// v3 wire-protocol client, the connection pool that multiplexes callers
// onto a fixed set of authenticated connections, and the process-wide
// facade above it.
package pgclient

import (
	"fmt"

	"github.com/lib/pq/oid"

	"pingtrack/internal/pgwire"
)

// Null is the sentinel value stored in a Row for a column whose wire-level
// length was -1. It is distinct from any decoded value (including an empty
// string), so callers can tell "no value" from "empty value".
type Null struct{}

// ColumnDescriptor describes one column from a RowDescription message.
// Of the eight fields the wire format carries per column, only the name and
// type oid are retained (spec §3).
type ColumnDescriptor struct {
	Name   string
	TypeOID uint32
}

// Row is one decoded tuple, aligned 1:1 with the Result's Fields.
type Row []any

// Result accumulates the server messages produced by a single Query call.
// Each field is optional in the sense that its zero value means the
// corresponding message never arrived; Error != nil is how callers detect a
// failed query (spec §3, §7).
type Result struct {
	Fields  []ColumnDescriptor
	Rows    []Row
	Command string
	Status  byte
	Error   *QueryError
}

// QueryError carries the single field-code byte PostgreSQL sends on the
// first byte of an ErrorResponse payload. The core does not parse the
// remaining error fields (spec §4.2).
type QueryError struct {
	Code byte
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query error (code %c)", e.Code)
}

// typeDecoders maps a known type oid to the decoder for its raw
// wire-format value.
// Values with an oid absent from this table are returned unchanged as raw
// bytes (spec §4.2, and §9's suggested decoder-table rewrite of the
// original if/else chain).
var typeDecoders = map[uint32]func([]byte) any{
	uint32(oid.T_varchar): func(b []byte) any { return string(b) },
	uint32(oid.T_int8):    decodeInt8Text,
}

// decodeInt8Text parses the ASCII-decimal text PostgreSQL sends for int8
// columns even in "binary" socket mode — the text protocol never actually
// switches to binary representation for values (spec §4.2).
func decodeInt8Text(b []byte) any {
	var v int64
	neg := false
	i := 0
	if len(b) > 0 && b[0] == '-' {
		neg = true
		i = 1
	}
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			// Not well-formed decimal text; surface the raw bytes instead of
			// silently truncating.
			return b
		}
		v = v*10 + int64(b[i]-'0')
	}
	if neg {
		v = -v
	}
	return v
}

func decodeValue(typeOID uint32, raw []byte) any {
	if dec, ok := typeDecoders[typeOID]; ok {
		return dec(raw)
	}
	return raw
}

// parseMessage folds one server message into an in-progress Result.
// Rows are prepended, leaving Result.Rows in reverse arrival order — a
// deliberate, documented wire-level quirk pinned by result_test.go (spec
// §4.2, §9).
func parseMessage(msg pgwire.WireMessage, res *Result) error {
	switch msg.Tag {
	case pgwire.MsgRowDescription:
		fields, err := parseRowDescription(msg.Payload)
		if err != nil {
			return err
		}
		res.Fields = fields

	case pgwire.MsgDataRow:
		row, err := parseDataRow(msg.Payload, res.Fields)
		if err != nil {
			return err
		}
		res.Rows = append([]Row{row}, res.Rows...)

	case pgwire.MsgCommandComplete:
		tag, err := pgwire.NewPayloadReader(msg.Payload).ReadCString()
		if err != nil {
			return fmt.Errorf("parse CommandComplete: %w", err)
		}
		res.Command = tag

	case pgwire.MsgReadyForQuery:
		if len(msg.Payload) < 1 {
			return fmt.Errorf("parse ReadyForQuery: empty payload")
		}
		res.Status = msg.Payload[0]

	case pgwire.MsgErrorResponse:
		if len(msg.Payload) < 1 {
			return fmt.Errorf("parse ErrorResponse: empty payload")
		}
		res.Error = &QueryError{Code: msg.Payload[0]}

	default:
		return fmt.Errorf("unexpected message type %q in query response", msg.Tag)
	}
	return nil
}

func parseRowDescription(payload []byte) ([]ColumnDescriptor, error) {
	r := pgwire.NewPayloadReader(payload)
	count, err := r.ReadInt16()
	if err != nil {
		return nil, fmt.Errorf("parse RowDescription field count: %w", err)
	}

	fields := make([]ColumnDescriptor, count)
	for i := range fields {
		name, err := r.ReadCString()
		if err != nil {
			return nil, fmt.Errorf("parse RowDescription field %d name: %w", i, err)
		}
		if err := r.Skip(6); err != nil { // table oid + column attr number
			return nil, err
		}
		typeOID, err := r.ReadInt32()
		if err != nil {
			return nil, fmt.Errorf("parse RowDescription field %d type oid: %w", i, err)
		}
		if err := r.Skip(8); err != nil { // type size + type modifier + format code
			return nil, err
		}
		fields[i] = ColumnDescriptor{Name: name, TypeOID: uint32(typeOID)}
	}
	return fields, nil
}

func parseDataRow(payload []byte, fields []ColumnDescriptor) (Row, error) {
	r := pgwire.NewPayloadReader(payload)
	count, err := r.ReadInt16()
	if err != nil {
		return nil, fmt.Errorf("parse DataRow column count: %w", err)
	}

	row := make(Row, count)
	for i := range row {
		length, err := r.ReadInt32()
		if err != nil {
			return nil, fmt.Errorf("parse DataRow column %d length: %w", i, err)
		}
		if length == -1 {
			row[i] = Null{}
			continue
		}
		raw, err := r.ReadBytes(int(length))
		if err != nil {
			return nil, fmt.Errorf("parse DataRow column %d value: %w", i, err)
		}
		value := append([]byte(nil), raw...)
		var typeOID uint32
		if i < len(fields) {
			typeOID = fields[i].TypeOID
		}
		row[i] = decodeValue(typeOID, value)
	}
	return row, nil
}
