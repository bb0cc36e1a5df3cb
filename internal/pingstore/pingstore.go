// Package pingstore is the controller layer: it assembles the SQL strings
// sent through pgclient and shapes the rows that come back into the
// domain's Ping type. It deliberately inlines values into EXECUTE calls
// against server-side PREPARE plans rather than using the extended query
// protocol — the core's documented non-goal, carried forward unchanged.
package pingstore

import (
	"fmt"
	"strings"
	"time"

	"pingtrack/internal/pgclient"
)

// Ping is the domain event: a device id paired with the epoch second it
// was observed at.
type Ping struct {
	DeviceID  string
	EpochTime int64
}

// Store runs ping operations through a pgclient Service's Query function.
type Store struct {
	query func(sql string) (*pgclient.Result, error)
}

// New wraps queryFn (typically pgclient.Query or a Service's Query method)
// as a Store.
func New(queryFn func(sql string) (*pgclient.Result, error)) *Store {
	return &Store{query: queryFn}
}

// Insert records one ping via the insert_ping prepared plan.
func (s *Store) Insert(p Ping) error {
	sql := fmt.Sprintf(
		`EXECUTE insert_ping('%s', %d)`,
		escapeSQLLiteral(p.DeviceID), p.EpochTime,
	)
	res, err := s.query(sql)
	if err != nil {
		return fmt.Errorf("pingstore: insert: %w", err)
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}

// Range returns every ping for deviceID with an epoch time in [from, to],
// via the select_pings_range prepared plan. Pings keep the order of the
// Result's Rows; pgclient prepends each arriving row, so the plan's
// ascending ORDER BY comes back newest first.
func (s *Store) Range(deviceID string, from, to time.Time) ([]Ping, error) {
	sql := fmt.Sprintf(
		`EXECUTE select_pings_range('%s', %d, %d)`,
		escapeSQLLiteral(deviceID), from.Unix(), to.Unix(),
	)
	res, err := s.query(sql)
	if err != nil {
		return nil, fmt.Errorf("pingstore: range query: %w", err)
	}
	if res.Error != nil {
		return nil, res.Error
	}

	pings := make([]Ping, 0, len(res.Rows))
	for _, row := range res.Rows {
		p, err := rowToPing(row)
		if err != nil {
			return nil, fmt.Errorf("pingstore: decode row: %w", err)
		}
		pings = append(pings, p)
	}
	return pings, nil
}

func rowToPing(row pgclient.Row) (Ping, error) {
	if len(row) != 2 {
		return Ping{}, fmt.Errorf("expected 2 columns, got %d", len(row))
	}
	deviceID, ok := row[0].(string)
	if !ok {
		return Ping{}, fmt.Errorf("device_id column is not a string (got %T)", row[0])
	}
	epoch, ok := row[1].(int64)
	if !ok {
		return Ping{}, fmt.Errorf("epoch_time column is not an int64 (got %T)", row[1])
	}
	return Ping{DeviceID: deviceID, EpochTime: epoch}, nil
}

// escapeSQLLiteral doubles single quotes the way Postgres's literal escaping
// requires. This is the documented minimum mitigation for a design that
// inlines values into SQL text instead of binding them; it does not make
// inlining as safe as the extended query protocol.
func escapeSQLLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
