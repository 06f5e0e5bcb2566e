// Package registry implements the Worker Registry (C3): it owns the set of
// connected workers, assigns and reassigns worker IDs, tracks each worker's
// state machine, and runs the background heartbeat sweep. All mutation goes
// through Registry's methods, guarded by a single mutex with small critical
// sections — the "lock-guarded map" option named in spec §9, adapted from
// the teacher's sync.Map-backed Listener.conns plus its janitor() sweep.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/atsika/distinfer/internal/protocol"
	"github.com/atsika/distinfer/internal/transport"
)

// State is a worker's position in the lifecycle state machine (spec §4.3).
type State int

const (
	Disconnected State = iota
	Connected
	Registered
	Idle
	Busy
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connected:
		return "CONNECTED"
	case Registered:
		return "REGISTERED"
	case Idle:
		return "IDLE"
	case Busy:
		return "BUSY"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrUnknownWorker is returned when an operation names a worker ID the
	// registry has no record of.
	ErrUnknownWorker = errors.New("registry: unknown worker")
	// ErrIDTaken is returned by Reassign when the target ID is already in use.
	ErrIDTaken = errors.New("registry: worker id already assigned")
)

// Worker is a connected compute peer (spec §3). Its mutable state is owned
// exclusively by the Registry; callers elsewhere hold read-only snapshots.
type Worker struct {
	mu sync.Mutex

	id       byte
	clockMHz uint32
	conn     *transport.Conn
	state    State
	lastSeen time.Time
}

// ID returns the worker's current identifier.
func (w *Worker) ID() byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// ClockMHz returns the clock speed reported at registration.
func (w *Worker) ClockMHz() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clockMHz
}

// Conn returns the worker's framed transport connection.
func (w *Worker) Conn() *transport.Conn {
	return w.conn
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) touch() {
	w.mu.Lock()
	w.lastSeen = time.Now()
	w.mu.Unlock()
}

func (w *Worker) idleSince() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastSeen)
}

// Registry tracks every connected worker and the idle pool available to the
// dispatch engine.
type Registry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	workers map[byte]*Worker
	idle    []byte // FIFO of idle worker IDs
	counter atomic.Uint32

	sweepLimiter *rate.Limiter
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{
		workers:      make(map[byte]*Worker),
		sweepLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Add registers a newly accepted connection under a fresh, temporary ID and
// returns its handle in CONNECTED state. The Connection Handler (C4) later
// calls Reassign once the worker's hardware-assigned ID is known.
func (r *Registry) Add(conn *transport.Conn) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := byte(r.counter.Add(1) - 1)
	for i := 0; i < 256; i++ {
		if _, taken := r.workers[id]; !taken {
			break
		}
		id = byte(r.counter.Add(1) - 1)
	}
	w := &Worker{id: id, conn: conn, state: Connected, lastSeen: time.Now()}
	r.workers[id] = w
	return w
}

// Reassign moves a worker from its temporary ID to the hardware-assigned ID
// echoed in its REGISTER header, per spec §4.4. It fails if newID is already
// in use by a different worker.
func (r *Registry) Reassign(w *Worker, newID byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.workers[newID]; ok && existing != w {
		return fmt.Errorf("%w: %d", ErrIDTaken, newID)
	}

	oldID := w.id
	delete(r.workers, oldID)
	w.mu.Lock()
	w.id = newID
	w.state = Registered
	w.mu.Unlock()
	r.workers[newID] = w
	return nil
}

// SetClockMHz records the clock speed reported at registration.
func (w *Worker) setClockMHz(mhz uint32) {
	w.mu.Lock()
	w.clockMHz = mhz
	w.mu.Unlock()
}

// SetClockMHz is exported for the Connection Handler.
func (r *Registry) SetClockMHz(w *Worker, mhz uint32) {
	w.setClockMHz(mhz)
}

// MarkIdle transitions a worker to IDLE and enqueues it onto the idle pool
// if it is not already queued.
func (r *Registry) MarkIdle(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w.setState(Idle)
	w.touch()
	for _, id := range r.idle {
		if id == w.id {
			r.cond.Broadcast()
			return
		}
	}
	r.idle = append(r.idle, w.id)
	r.cond.Broadcast()
}

// MarkBusy transitions a worker to BUSY, removing it from the idle pool.
// Returns ErrUnknownWorker if the worker has since been removed.
func (r *Registry) MarkBusy(w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[w.id]; !ok {
		return ErrUnknownWorker
	}
	w.setState(Busy)
	r.removeFromIdleLocked(w.id)
	return nil
}

func (r *Registry) removeFromIdleLocked(id byte) {
	for i, qid := range r.idle {
		if qid == id {
			r.idle = append(r.idle[:i], r.idle[i+1:]...)
			return
		}
	}
}

// Remove closes the worker's connection and deletes it from the registry.
// Idempotent.
func (r *Registry) Remove(w *Worker) {
	r.mu.Lock()
	_, ok := r.workers[w.id]
	if ok {
		delete(r.workers, w.id)
		r.removeFromIdleLocked(w.id)
	}
	r.mu.Unlock()

	if ok {
		w.setState(Disconnected)
		_ = w.conn.Close()
	}
}

// Snapshot returns every currently registered worker, ordered by ascending
// worker_id, so the partitioner's slice→worker mapping is reproducible
// (spec §4.3).
func (r *Registry) Snapshot() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sortWorkersByID(out)
	return out
}

// IdleSnapshot returns every worker currently in the idle pool, ordered by
// ascending worker_id, for the partitioner to assign slices against.
func (r *Registry) IdleSnapshot() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Worker, 0, len(r.idle))
	for _, id := range r.idle {
		if w, ok := r.workers[id]; ok {
			out = append(out, w)
		}
	}
	sortWorkersByID(out)
	return out
}

// IdleCount returns the number of workers currently in the idle pool.
func (r *Registry) IdleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.idle)
}

// WaitForIdle blocks until at least n workers are IDLE, or ctx is canceled.
func (r *Registry) WaitForIdle(ctx context.Context, n int) error {
	done := make(chan struct{})
	go func() {
		r.mu.Lock()
		for len(r.idle) < n {
			r.cond.Wait()
			select {
			case <-ctx.Done():
				r.mu.Unlock()
				return
			default:
			}
		}
		r.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Wake the waiting goroutine so it can observe ctx.Done and exit.
		r.cond.Broadcast()
		return ctx.Err()
	}
}

// Broadcast calls fn once for every currently registered worker, logging
// and otherwise ignoring per-worker failures (used for SHUTDOWN).
func (r *Registry) Broadcast(fn func(*Worker) error) {
	for _, w := range r.Snapshot() {
		if err := fn(w); err != nil {
			log.Printf("[registry] broadcast to worker %d failed: %v", w.ID(), err)
		}
	}
}

// HeartbeatMonitor runs the background liveness sweep described in spec
// §4.3/§9: it evicts any non-BUSY worker that has not been observed within
// deadline. A worker is observed when it is marked IDLE and whenever the
// dispatch engine receives a reply from it; the coordinator never reads a
// HEARTBEAT frame, so an IDLE worker ages out deadline after its last
// task or registration. It is adapted directly from the
// teacher's Listener.janitor ticker loop. Sweep log lines are rate-limited
// so a flapping pool cannot spam the log file.
func (r *Registry) HeartbeatMonitor(ctx context.Context, period, deadline time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(deadline)
		}
	}
}

func (r *Registry) sweep(deadline time.Duration) {
	for _, w := range r.Snapshot() {
		if w.State() == Busy {
			// A worker with an outstanding task is supervised by the
			// dispatch engine's own per-task timeout, not the heartbeat.
			continue
		}
		if w.idleSince() > deadline {
			if r.sweepLimiter.Allow() {
				log.Printf("[registry] evicting worker %d: no heartbeat in %s", w.ID(), deadline)
			}
			r.Remove(w)
		}
	}
}

// Shutdown broadcasts a SHUTDOWN message to every registered worker, used
// both when an inference completes successfully and when it aborts (spec
// §4.9). Workers are expected to disconnect on their own after receiving it.
func (r *Registry) Shutdown() {
	r.Broadcast(func(w *Worker) error {
		return w.Conn().Send(w.ID(), protocol.MsgShutdown, nil)
	})
}

// Touch records that a worker was just observed alive (the dispatch engine
// calls it whenever a reply arrives), resetting its heartbeat deadline.
func (r *Registry) Touch(w *Worker) {
	w.touch()
}

func sortWorkersByID(ws []*Worker) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].id < ws[j].id })
}
