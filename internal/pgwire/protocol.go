// Package pgwire frames and parses the PostgreSQL v3 frontend/backend wire
// protocol from the client's side of the connection.
package pgwire

// ProtocolVersion is protocol 3.0: major version 3, minor version 0,
// packed as a single int32 (major << 16 | minor).
const ProtocolVersion int32 = 3 << 16

// Frontend (client -> server) message types.
const (
	MsgPassword byte = 'p'
	MsgQuery    byte = 'Q'
	MsgTerminate byte = 'X'
)

// Backend (server -> client) message types this client understands.
const (
	MsgAuthentication  byte = 'R'
	MsgRowDescription  byte = 'T'
	MsgDataRow         byte = 'D'
	MsgCommandComplete byte = 'C'
	MsgReadyForQuery   byte = 'Z'
	MsgErrorResponse   byte = 'E'
)

// Authentication sub-codes carried in the first int32 of an 'R' message.
const (
	AuthOK               int32 = 0
	AuthMD5Password      int32 = 5
)

// Transaction status bytes carried in ReadyForQuery.
const (
	TxIdle   byte = 'I'
	TxInTx   byte = 'T'
	TxFailed byte = 'E'
)
