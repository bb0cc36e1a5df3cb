package pgclient

import (
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pingtrack/internal/pgtest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// singleDeviceServer implements scenario 1: a scripted server that answers
// every query with a fixed RowDescription/DataRow/DataRow/CommandComplete/
// ReadyForQuery sequence for "device_id:varchar, epoch_time:int8".
func singleDeviceServer(t *testing.T, user, password string) *pgtest.Server {
	t.Helper()
	srv, err := pgtest.Listen(func(conn net.Conn) pgtest.Handler {
		return func(conn net.Conn) {
			defer conn.Close()
			if err := pgtest.RunAuthHandshake(conn, user, password); err != nil {
				return
			}
			for {
				tag, _, err := pgtest.ReadTaggedMessage(conn)
				if err != nil {
					return
				}
				if tag != 'Q' {
					return
				}
				cols := []pgtest.Column{{Name: "device_id", TypeOID: 1043}, {Name: "epoch_time", TypeOID: 20}}
				if err := pgtest.WriteRowDescription(conn, cols); err != nil {
					return
				}
				if err := pgtest.WriteDataRow(conn, []*string{pgtest.TextString("d1"), pgtest.TextInt(100)}); err != nil {
					return
				}
				if err := pgtest.WriteDataRow(conn, []*string{pgtest.TextString("d1"), pgtest.TextInt(200)}); err != nil {
					return
				}
				if err := pgtest.WriteCommandComplete(conn, "SELECT 2"); err != nil {
					return
				}
				if err := pgtest.WriteReadyForQuery(conn, 'I'); err != nil {
					return
				}
			}
		}
	})
	require.NoError(t, err)
	return srv
}

func poolConfig(srv *pgtest.Server, size int, user, password string) PoolConfig {
	host, port := srv.Addr()
	return PoolConfig{
		Name: "test",
		Size: size,
		DB: DbConfig{
			Host:     host,
			Port:     port,
			Database: "testdb",
			User:     user,
			Password: password,
		},
	}
}

// TestSingleDevicePingCount is concrete scenario 1 from spec.md §8.
func TestSingleDevicePingCount(t *testing.T) {
	srv := singleDeviceServer(t, "alice", "secret")
	defer srv.Close()

	pool := NewPool(poolConfig(srv, 1, "alice", "secret"), testLogger())
	defer pool.Close()

	res, err := pool.Query("SELECT device_id, epoch_time FROM pings WHERE device_id='d1'")
	require.NoError(t, err)
	require.Nil(t, res.Error)
	assert.Equal(t, "SELECT 2", res.Command)
	require.Len(t, res.Rows, 2)

	var epochs []int64
	for _, row := range res.Rows {
		epochs = append(epochs, row[1].(int64))
	}
	assert.ElementsMatch(t, []int64{100, 200}, epochs)
}

// errorThenOKServer implements concrete scenario 5: the first query on a
// connection gets an ErrorResponse, and the worker must remain usable
// afterward.
func errorThenOKServer(t *testing.T, user, password string) *pgtest.Server {
	t.Helper()
	srv, err := pgtest.Listen(func(conn net.Conn) pgtest.Handler {
		return func(conn net.Conn) {
			defer conn.Close()
			if err := pgtest.RunAuthHandshake(conn, user, password); err != nil {
				return
			}
			first := true
			for {
				tag, _, err := pgtest.ReadTaggedMessage(conn)
				if err != nil {
					return
				}
				if tag != 'Q' {
					return
				}
				if first {
					first = false
					if err := pgtest.WriteErrorResponse(conn, 'S'); err != nil {
						return
					}
					if err := pgtest.WriteReadyForQuery(conn, 'E'); err != nil {
						return
					}
					continue
				}
				if err := pgtest.WriteCommandComplete(conn, "SELECT 0"); err != nil {
					return
				}
				if err := pgtest.WriteReadyForQuery(conn, 'I'); err != nil {
					return
				}
			}
		}
	})
	require.NoError(t, err)
	return srv
}

// TestQueryErrorLeavesWorkerHealthy is concrete scenario 5 from spec.md §8.
func TestQueryErrorLeavesWorkerHealthy(t *testing.T) {
	srv := errorThenOKServer(t, "alice", "secret")
	defer srv.Close()

	pool := NewPool(poolConfig(srv, 1, "alice", "secret"), testLogger())
	defer pool.Close()

	res, err := pool.Query("SELECT 1")
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, byte('S'), res.Error.Code)
	assert.Nil(t, res.Rows)

	res2, err := pool.Query("SELECT 1")
	require.NoError(t, err)
	assert.Nil(t, res2.Error)
	assert.Equal(t, "SELECT 0", res2.Command)
}

// TestAuthFailureNeverBecomesIdle is concrete scenario 4 from spec.md §8:
// a server that answers the startup challenge with AuthOK instead of the
// MD5 sub-code makes every worker die and retry, so Acquire never returns.
func TestAuthFailureNeverBecomesIdle(t *testing.T) {
	srv, err := pgtest.Listen(func(conn net.Conn) pgtest.Handler {
		return func(conn net.Conn) {
			defer conn.Close()
			if _, err := pgtest.ReadStartupMessage(conn); err != nil {
				return
			}
			ok := []byte{0, 0, 0, 0}
			_ = pgtest.WriteMessage(conn, 'R', ok)
		}
	})
	require.NoError(t, err)
	defer srv.Close()

	pool := &Pool{
		cfg:          poolConfig(srv, 1, "alice", "secret").DB,
		size:         1,
		preparePlans: nil,
		log:          testLogger(),
		acquireCh:    make(chan acquireRequest),
		releaseCh:    make(chan releaseRequest),
		readyCh:      make(chan struct{}),
		closeCh:      make(chan struct{}),
	}
	bornCh := make(chan *Worker, 1)
	go pool.run(bornCh)
	go pool.spawnWorker(bornCh)
	defer pool.Close()

	select {
	case <-pool.readyCh:
		t.Fatal("pool became ready despite every worker failing auth")
	case <-time.After(100 * time.Millisecond):
	}
}

// killOnFirstQueryServer implements concrete scenario 3: the first accepted
// connection closes its socket as soon as a query arrives instead of
// answering it, simulating a worker whose process died mid-flight. Every
// later connection (i.e. the pool's replacement worker) behaves normally.
func killOnFirstQueryServer(t *testing.T, user, password string) *pgtest.Server {
	t.Helper()
	var seen atomic.Int32
	srv, err := pgtest.Listen(func(conn net.Conn) pgtest.Handler {
		return func(conn net.Conn) {
			defer conn.Close()
			if err := pgtest.RunAuthHandshake(conn, user, password); err != nil {
				return
			}
			idx := seen.Add(1)
			for {
				tag, _, err := pgtest.ReadTaggedMessage(conn)
				if err != nil {
					return
				}
				if tag != 'Q' {
					return
				}
				if idx == 1 {
					// Drop the connection without responding, as if the
					// worker's process had just died.
					return
				}
				if err := pgtest.WriteCommandComplete(conn, "SELECT 0"); err != nil {
					return
				}
				if err := pgtest.WriteReadyForQuery(conn, 'I'); err != nil {
					return
				}
			}
		}
	})
	require.NoError(t, err)
	return srv
}

// TestWorkerDeathReplacedAndPoolRecovers is concrete scenario 3 from
// spec.md §8: killing one worker's socket mid-query surfaces a socket error
// to that caller, but the pool replaces the worker with a fresh one (new
// id) and a subsequent Query succeeds.
func TestWorkerDeathReplacedAndPoolRecovers(t *testing.T) {
	srv := killOnFirstQueryServer(t, "alice", "secret")
	defer srv.Close()

	pool := NewPool(poolConfig(srv, 2, "alice", "secret"), testLogger())
	defer pool.Close()

	_, err := pool.Query("SELECT 1")
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		_, err := pool.Query("SELECT 1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

// TestPoolSaturationFIFO is concrete scenario 2 from spec.md §8: with two
// workers and three concurrent callers, all three complete and the FIFO
// waiter gets served once a worker frees up.
func TestPoolSaturationFIFO(t *testing.T) {
	srv := singleDeviceServer(t, "alice", "secret")
	defer srv.Close()

	pool := NewPool(poolConfig(srv, 2, "alice", "secret"), testLogger())
	defer pool.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Query("SELECT 1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}
