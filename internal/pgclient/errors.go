package pgclient

import (
	"errors"
	"fmt"
)

// ProtocolError means the connection itself failed (dial, socket read or
// write) or the bytes on the wire did not match what the client expected at
// that point in the conversation (wrong message tag, malformed length,
// truncated payload). It is always fatal to the connection that
// produced it (spec §4.3, §7).
type ProtocolError struct {
	Context string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("pgclient: protocol error during %s: %v", e.Context, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError means the server rejected the startup handshake itself —
// authentication failure, or an authentication method this client doesn't
// implement. It is always fatal to the connection and, per spec §7, a
// worker that dies this way is not retried with a backoff: the pool redials
// immediately and keeps redialing for as long as startup keeps failing.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("pgclient: authentication failed: %s", e.Reason)
}

// IsFatal reports whether err ends the connection it came from, as opposed
// to a query-level failure reported inside a Result.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var protoErr *ProtocolError
	var authErr *AuthError
	return errors.As(err, &protoErr) || errors.As(err, &authErr)
}
