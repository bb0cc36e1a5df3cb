package pgclient

import (
	"encoding/binary"
	"testing"

	"github.com/lib/pq/oid"

	"pingtrack/internal/pgwire"
)

func rowDescriptionPayload(t *testing.T, cols []struct {
	name string
	oid  uint32
}) []byte {
	t.Helper()
	payload := make([]byte, 0, 64)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(cols)))
	for _, c := range cols {
		payload = append(payload, c.name...)
		payload = append(payload, 0)
		payload = append(payload, 0, 0, 0, 0, 0, 0)
		payload = binary.BigEndian.AppendUint32(payload, c.oid)
		payload = append(payload, 0, 0, 0, 0, 0, 0, 0, 0)
	}
	return payload
}

func dataRowPayload(values []*string) []byte {
	payload := make([]byte, 0, 32)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(values)))
	for _, v := range values {
		if v == nil {
			payload = binary.BigEndian.AppendUint32(payload, 0xFFFFFFFF)
			continue
		}
		payload = binary.BigEndian.AppendUint32(payload, uint32(len(*v)))
		payload = append(payload, *v...)
	}
	return payload
}

func strPtr(s string) *string { return &s }

// TestParseMessageEmptyResultSet pins spec.md §8's empty-result-set
// boundary: T followed by C "SELECT 0" then Z 'I'.
func TestParseMessageEmptyResultSet(t *testing.T) {
	res := &Result{}

	rd := rowDescriptionPayload(t, []struct {
		name string
		oid  uint32
	}{{"device_id", uint32(oid.T_varchar)}})
	if err := parseMessage(pgwire.WireMessage{Tag: pgwire.MsgRowDescription, Payload: rd}, res); err != nil {
		t.Fatalf("RowDescription: %v", err)
	}
	if err := parseMessage(pgwire.WireMessage{Tag: pgwire.MsgCommandComplete, Payload: append([]byte("SELECT 0"), 0)}, res); err != nil {
		t.Fatalf("CommandComplete: %v", err)
	}
	if err := parseMessage(pgwire.WireMessage{Tag: pgwire.MsgReadyForQuery, Payload: []byte{'I'}}, res); err != nil {
		t.Fatalf("ReadyForQuery: %v", err)
	}

	if len(res.Fields) != 1 {
		t.Fatalf("Fields = %v, want 1 column", res.Fields)
	}
	if len(res.Rows) != 0 {
		t.Fatalf("Rows = %v, want empty", res.Rows)
	}
	if res.Command != "SELECT 0" {
		t.Errorf("Command = %q, want %q", res.Command, "SELECT 0")
	}
	if res.Status != 'I' {
		t.Errorf("Status = %q, want 'I'", res.Status)
	}
}

// TestParseMessageNullField pins the null-field boundary: a column of
// length -1 becomes the Null sentinel, never an empty string.
func TestParseMessageNullField(t *testing.T) {
	res := &Result{Fields: []ColumnDescriptor{{Name: "epoch_time", TypeOID: uint32(oid.T_int8)}}}

	payload := dataRowPayload([]*string{nil})
	if err := parseMessage(pgwire.WireMessage{Tag: pgwire.MsgDataRow, Payload: payload}, res); err != nil {
		t.Fatalf("DataRow: %v", err)
	}

	if len(res.Rows) != 1 || len(res.Rows[0]) != 1 {
		t.Fatalf("Rows = %v", res.Rows)
	}
	if _, isNull := res.Rows[0][0].(Null); !isNull {
		t.Errorf("column = %#v, want Null sentinel", res.Rows[0][0])
	}
}

// TestParseMessageUnknownTypeOID pins the "unknown oid preserved as raw
// bytes" boundary.
func TestParseMessageUnknownTypeOID(t *testing.T) {
	res := &Result{Fields: []ColumnDescriptor{{Name: "blob", TypeOID: 99999}}}

	payload := dataRowPayload([]*string{strPtr("\x01\x02\x03")})
	if err := parseMessage(pgwire.WireMessage{Tag: pgwire.MsgDataRow, Payload: payload}, res); err != nil {
		t.Fatalf("DataRow: %v", err)
	}

	raw, ok := res.Rows[0][0].([]byte)
	if !ok {
		t.Fatalf("column = %#v, want []byte", res.Rows[0][0])
	}
	if string(raw) != "\x01\x02\x03" {
		t.Errorf("raw value = %q", raw)
	}
}

// TestParseMessageRowOrderIsReverseOfArrival pins the documented reverse-
// arrival-order convention (spec.md §4.2, §9): rows are prepended, so given
// D("a"), D("b"), D("c") the resulting Rows is c, b, a.
func TestParseMessageRowOrderIsReverseOfArrival(t *testing.T) {
	res := &Result{Fields: []ColumnDescriptor{{Name: "v", TypeOID: uint32(oid.T_varchar)}}}

	for _, v := range []string{"a", "b", "c"} {
		payload := dataRowPayload([]*string{strPtr(v)})
		if err := parseMessage(pgwire.WireMessage{Tag: pgwire.MsgDataRow, Payload: payload}, res); err != nil {
			t.Fatalf("DataRow(%q): %v", v, err)
		}
	}

	want := []string{"c", "b", "a"}
	if len(res.Rows) != len(want) {
		t.Fatalf("Rows = %v", res.Rows)
	}
	for i, w := range want {
		got, ok := res.Rows[i][0].(string)
		if !ok || got != w {
			t.Errorf("Rows[%d][0] = %#v, want %q", i, res.Rows[i][0], w)
		}
	}
}

// TestParseMessageErrorResponse pins the "error mid-flight" scenario: an
// ErrorResponse field-code byte is surfaced on Result.Error.
func TestParseMessageErrorResponse(t *testing.T) {
	res := &Result{}
	if err := parseMessage(pgwire.WireMessage{Tag: pgwire.MsgErrorResponse, Payload: []byte{'S', 0}}, res); err != nil {
		t.Fatalf("ErrorResponse: %v", err)
	}
	if res.Error == nil || res.Error.Code != 'S' {
		t.Fatalf("Error = %v, want code 'S'", res.Error)
	}
}

func TestParseMessageUnexpectedTag(t *testing.T) {
	res := &Result{}
	err := parseMessage(pgwire.WireMessage{Tag: 'X', Payload: nil}, res)
	if err == nil {
		t.Fatal("expected an error for an unrecognized tag")
	}
}

func TestDecodeInt8Text(t *testing.T) {
	cases := map[string]int64{
		"0":    0,
		"100":  100,
		"-42":  -42,
		"9999": 9999,
	}
	for input, want := range cases {
		got := decodeInt8Text([]byte(input))
		n, ok := got.(int64)
		if !ok || n != want {
			t.Errorf("decodeInt8Text(%q) = %#v, want %d", input, got, want)
		}
	}
}
