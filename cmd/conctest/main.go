// conctest drives pingtrack's own connection pool against an in-memory
// scripted Postgres server, the way the teacher's own concurrency test
// drove pgx against a real listener — except here there is no real
// database, so the scripted server plays the role of pings table by
// keeping rows in a slice guarded by a mutex.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"pingtrack/internal/pgclient"
	"pingtrack/internal/pgtest"
)

func main() {
	fmt.Println("pingtrack concurrency test")
	fmt.Println("==========================")

	srv, table := startFakeServer()
	defer srv.Close()

	host, port := srv.Addr()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	pool := pgclient.NewPool(pgclient.PoolConfig{
		Name: "conctest",
		Size: 4,
		DB: pgclient.DbConfig{
			Host:     host,
			Port:     port,
			Database: "conctest",
			User:     "conctest",
			Password: "conctest",
		},
	}, log)

	passed, failed := 0, 0
	for _, sc := range []struct {
		name string
		fn   func(*pgclient.Pool, *fakeTable) bool
	}{
		{"Concurrent inserts", scenarioConcurrentInserts},
		{"Concurrent reads", scenarioConcurrentReads},
		{"Pool saturation fairness", scenarioPoolSaturation},
	} {
		if sc.fn(pool, table) {
			passed++
		} else {
			failed++
		}
	}

	fmt.Printf("\n%d passed, %d failed\n", passed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// fakeTable is the in-memory "pings" table the scripted server serves
// queries against. conctest only ever issues a small fixed vocabulary of
// queries, so the server matches on exact SQL text rather than parsing it.
type fakeTable struct {
	mu   sync.Mutex
	rows []string
}

func (t *fakeTable) insert(val string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, val)
}

func (t *fakeTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

func startFakeServer() (*pgtest.Server, *fakeTable) {
	table := &fakeTable{}
	srv, err := pgtest.Listen(func(conn net.Conn) pgtest.Handler {
		return func(conn net.Conn) {
			defer conn.Close()
			if err := pgtest.RunAuthHandshake(conn, "conctest", "conctest"); err != nil {
				return
			}
			for {
				tag, payload, err := pgtest.ReadTaggedMessage(conn)
				if err != nil {
					return
				}
				if tag != 'Q' {
					return
				}
				sql := string(payload[:len(payload)-1])
				if err := serveQuery(conn, table, sql); err != nil {
					return
				}
			}
		}
	})
	if err != nil {
		fatalf("start fake server: %v", err)
	}
	return srv, table
}

func serveQuery(conn net.Conn, table *fakeTable, sql string) error {
	switch {
	case sql == "INSERT":
		table.insert(sql)
		if err := pgtest.WriteCommandComplete(conn, "INSERT 0 1"); err != nil {
			return err
		}
		return pgtest.WriteReadyForQuery(conn, 'I')
	case sql == "SELECT COUNT":
		n := table.count()
		if err := pgtest.WriteRowDescription(conn, []pgtest.Column{{Name: "count", TypeOID: 20}}); err != nil {
			return err
		}
		if err := pgtest.WriteDataRow(conn, []*string{pgtest.TextInt(int64(n))}); err != nil {
			return err
		}
		if err := pgtest.WriteCommandComplete(conn, "SELECT 1"); err != nil {
			return err
		}
		return pgtest.WriteReadyForQuery(conn, 'I')
	default:
		if err := pgtest.WriteCommandComplete(conn, "SELECT 0"); err != nil {
			return err
		}
		return pgtest.WriteReadyForQuery(conn, 'I')
	}
}

func scenarioConcurrentInserts(pool *pgclient.Pool, table *fakeTable) bool {
	start := time.Now()
	const goroutines = 10
	const insertsPerGoroutine = 20

	var wg sync.WaitGroup
	var errCount atomic.Int64
	before := table.count()

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < insertsPerGoroutine; i++ {
				if _, err := pool.Query("INSERT"); err != nil {
					errCount.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if errs := errCount.Load(); errs > 0 {
		return fail("Concurrent inserts", "%d errors", errs)
	}
	got := table.count() - before
	want := goroutines * insertsPerGoroutine
	if got != want {
		return fail("Concurrent inserts", "expected %d new rows, got %d", want, got)
	}
	return pass("Concurrent inserts", fmt.Sprintf("%d goroutines x %d inserts = %d rows", goroutines, insertsPerGoroutine, want), time.Since(start))
}

func scenarioConcurrentReads(pool *pgclient.Pool, table *fakeTable) bool {
	start := time.Now()
	const goroutines = 10
	const readsPerGoroutine = 20

	var wg sync.WaitGroup
	var errCount atomic.Int64

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < readsPerGoroutine; i++ {
				res, err := pool.Query("SELECT COUNT")
				if err != nil || len(res.Rows) != 1 {
					errCount.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if errs := errCount.Load(); errs > 0 {
		return fail("Concurrent reads", "%d errors", errs)
	}
	return pass("Concurrent reads", fmt.Sprintf("%d goroutines x %d reads", goroutines, readsPerGoroutine), time.Since(start))
}

func scenarioPoolSaturation(pool *pgclient.Pool, table *fakeTable) bool {
	start := time.Now()
	const callers = 5 // one more than the pool's 4 workers

	var wg sync.WaitGroup
	var errCount atomic.Int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Query("INSERT"); err != nil {
				errCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if errs := errCount.Load(); errs > 0 {
		return fail("Pool saturation fairness", "%d errors", errs)
	}
	return pass("Pool saturation fairness", fmt.Sprintf("%d concurrent callers all completed", callers), time.Since(start))
}

func pass(name, detail string, d time.Duration) bool {
	fmt.Printf("[PASS] %s: %s (%dms)\n", name, detail, d.Milliseconds())
	return true
}

func fail(name, format string, args ...any) bool {
	fmt.Printf("[FAIL] %s: %s\n", name, fmt.Sprintf(format, args...))
	return false
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(2)
}
