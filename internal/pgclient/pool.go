package pgclient

import (
	"log/slog"
	"sync/atomic"
)

// acquireRequest is one caller's request for a worker, submitted to the
// pool's agent goroutine. The worker is delivered on reply, exactly once.
type acquireRequest struct {
	reply chan *Worker
}

// releaseRequest returns a worker to the pool, optionally reporting that it
// died while in the caller's hands.
type releaseRequest struct {
	worker *Worker
	dead   bool
}

// Pool is a fixed-size set of authenticated workers shared by many
// concurrent callers. It is modeled as a single serializing agent
// goroutine rather than a lock plus condition variable (spec §9): every
// acquire, release, death notification, and newly started worker is
// received by that goroutine's single select loop and is therefore handled
// one at a time, which is what makes the "hand a
// released worker directly to the next waiter without visiting Idle"
// invariant (spec §4.4, §8-6) trivial to get right — there is no window
// in which a second goroutine could observe the worker as free.
type Pool struct {
	cfg DbConfig
	size int
	preparePlans []string
	log *slog.Logger

	acquireCh chan acquireRequest
	releaseCh chan releaseRequest
	readyCh   chan struct{}
	closeCh   chan struct{}

	nextID atomic.Int64
}

// NewPool constructs a pool and starts its agent goroutine and all of its
// workers dialing concurrently. It blocks until size workers have finished
// startup. A worker whose startup fails is redialed in a loop, and a failed
// attempt does not count toward readiness, so NewPool does not return while
// the server keeps rejecting startup.
func NewPool(cfg PoolConfig, log *slog.Logger) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = 10
	}
	p := &Pool{
		cfg:          cfg.DB,
		size:         size,
		preparePlans: cfg.PreparePlans,
		log:          log.With("pool", cfg.Name),
		acquireCh:    make(chan acquireRequest),
		releaseCh:    make(chan releaseRequest),
		readyCh:      make(chan struct{}),
		closeCh:      make(chan struct{}),
	}

	bornCh := make(chan *Worker, size)
	go p.run(bornCh)

	for i := 0; i < size; i++ {
		go p.spawnWorker(bornCh)
	}

	<-p.readyCh
	return p
}

// spawnWorker dials and starts up a fresh worker, retrying indefinitely on
// failure (with no backoff, per spec §9's documented scenario 4) until one
// comes up, then hands it to the agent loop via bornCh.
func (p *Pool) spawnWorker(bornCh chan<- *Worker) {
	for {
		select {
		case <-p.closeCh:
			return
		default:
		}

		id := p.allocateID()
		w, err := dialWorker(id, p.cfg, p.preparePlans, p.log)
		if err != nil {
			p.log.Warn("worker startup failed, retrying", "worker", id, "err", err)
			continue
		}
		select {
		case bornCh <- w:
		case <-p.closeCh:
			w.Close()
		}
		return
	}
}

// allocateID hands out a unique worker id. Multiple spawnWorker goroutines
// call this concurrently (one per initial worker, plus one per
// replacement), so it's the one piece of pool state not owned by the agent
// loop and needs its own synchronization.
func (p *Pool) allocateID() int64 {
	return p.nextID.Add(1)
}

// poolWorker pairs a Worker with its pool-local bookkeeping state.
type poolWorker struct {
	w     *Worker
	state WorkerState
}

// run is the pool's single serializing agent: every mutation of the worker
// set and waiter queue happens here, never concurrently (spec §5, §9).
func (p *Pool) run(bornCh chan *Worker) {
	workers := make(map[int64]*poolWorker)
	var waiters []acquireRequest
	started := 0
	readyClosed := false

	handOff := func(w *Worker, waiter acquireRequest) {
		workers[w.ID].state = Busy
		waiter.reply <- w
	}

	for {
		select {
		case <-p.closeCh:
			for _, pw := range workers {
				pw.w.Close()
			}
			return

		case w := <-bornCh:
			workers[w.ID] = &poolWorker{w: w, state: Idle}
			started++
			if len(waiters) > 0 {
				next := waiters[0]
				waiters = waiters[1:]
				handOff(w, next)
			}
			if !readyClosed && started >= p.size {
				readyClosed = true
				close(p.readyCh)
			}

		case req := <-p.acquireCh:
			var picked *poolWorker
			for _, pw := range workers {
				if pw.state == Idle {
					picked = pw
					break
				}
			}
			if picked != nil {
				picked.state = Busy
				req.reply <- picked.w
				continue
			}
			waiters = append(waiters, req)

		case rel := <-p.releaseCh:
			pw, ok := workers[rel.worker.ID]
			if !ok {
				continue
			}
			if rel.dead {
				delete(workers, rel.worker.ID)
				go p.spawnWorker(bornCh)
				continue
			}
			if len(waiters) > 0 {
				next := waiters[0]
				waiters = waiters[1:]
				handOff(pw.w, next)
				continue
			}
			pw.state = Idle
		}
	}
}

// Close stops the pool's agent goroutine and closes every worker's socket.
// Outstanding spawnWorker retry loops observe the close and give up rather
// than dialing forever. Close does not wait for in-flight Query calls to
// finish; callers are expected to have quiesced first.
func (p *Pool) Close() {
	close(p.closeCh)
}

// Acquire blocks until a worker is available, per the FIFO fairness
// guarantee of spec §4.4/§5.
func (p *Pool) Acquire() *Worker {
	req := acquireRequest{reply: make(chan *Worker, 1)}
	p.acquireCh <- req
	return <-req.reply
}

// Release returns a worker after a completed Query. If the worker's own
// Query call reported a fatal error, dead must be true so the pool retires
// it and starts a replacement instead of handing it to the next waiter.
func (p *Pool) Release(w *Worker, dead bool) {
	if dead {
		w.Close()
	}
	p.releaseCh <- releaseRequest{worker: w, dead: dead}
}

// Query acquires a worker, runs sql on it, and releases it — declaring the
// worker dead to the pool if the underlying call returned a fatal error
// (spec §4.3's failure clause, §4.5).
func (p *Pool) Query(sql string) (*Result, error) {
	w := p.Acquire()
	res, err := w.Query(sql)
	p.Release(w, err != nil)
	return res, err
}
