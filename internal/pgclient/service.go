package pgclient

import (
	"fmt"
	"log/slog"
	"sync"
)

// Service is the process-wide facade over a single named pool (spec §4.5).
// There is exactly one live Service per process; Init installs it.
var (
	serviceMu sync.RWMutex
	service   *Service
)

// Service names one pool and exposes the single synchronous Query entry
// point that sits above the database access core.
type Service struct {
	pool *Pool
	log  *slog.Logger
}

// Init constructs the process-wide pool and blocks until it's ready, then
// installs it as the package-level Service. It must be called exactly once
// at boot, before any call to Query.
func Init(cfg PoolConfig, log *slog.Logger) *Service {
	pool := NewPool(cfg, log)
	s := &Service{pool: pool, log: log}

	serviceMu.Lock()
	service = s
	serviceMu.Unlock()

	return s
}

// Query runs sql against the process-wide pool installed by Init.
func Query(sql string) (*Result, error) {
	serviceMu.RLock()
	s := service
	serviceMu.RUnlock()
	if s == nil {
		return nil, fmt.Errorf("pgclient: Query called before Init")
	}
	return s.Query(sql)
}

// Query runs sql against this Service's pool.
func (s *Service) Query(sql string) (*Result, error) {
	return s.pool.Query(sql)
}

// Close shuts down this Service's pool, closing every worker's socket
// (spec §4.5: "Shutdown closes all sockets").
func (s *Service) Close() {
	s.pool.Close()
}

// Close shuts down the process-wide Service installed by Init, if any.
func Close() {
	serviceMu.RLock()
	s := service
	serviceMu.RUnlock()
	if s != nil {
		s.Close()
	}
}
