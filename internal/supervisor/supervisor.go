package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"streamgate/config"
)

const (
	// startStagger spaces worker startups so they do not stampede shared
	// resources (sqlite open, registry build).
	startStagger = 50 * time.Millisecond

	keepAliveTimeout   = 65 * time.Second
	headerTimeout      = 70 * time.Second
	drainGracePeriod   = 5 * time.Second
	connQueuePerWorker = 64
)

// WorkerCount sizes the cluster: cpu*ioMult bounded by the memory budget and
// the configured maximum, never below the CPU count, never below one. An
// explicit Workers setting wins outright (still capped).
func WorkerCount(s config.SupervisorSettings) int {
	maxWorkers := s.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	if s.Workers > 0 {
		if s.Workers > maxWorkers {
			return maxWorkers
		}
		return s.Workers
	}

	cpu := runtime.NumCPU()
	ioMult := s.IOMultiplier
	if ioMult <= 0 {
		ioMult = 2
	}
	n := cpu * ioMult
	if s.MemoryBudgetMB > 0 && s.PerWorkerMB > 0 {
		if byMem := s.MemoryBudgetMB / s.PerWorkerMB; byMem < n {
			n = byMem
		}
	}
	if n > maxWorkers {
		n = maxWorkers
	}
	if n < cpu && cpu <= maxWorkers {
		n = cpu
	}
	if n < 1 {
		n = 1
	}
	return n
}

// HandlerFactory builds one worker's handler. Workers get separate handler
// values so per-worker state (the worker id in /healthz) stays isolated.
type HandlerFactory func(workerID int) http.Handler

// Supervisor owns the listener and a fixed set of in-process workers. Each
// worker is an http.Server fed accepted connections over a channel; the
// supervisor round-robins conns across them and restarts workers that fall
// over, with crash-loop backoff.
type Supervisor struct {
	listener net.Listener
	factory  HandlerFactory
	workers  []*worker

	draining chan struct{}
	drainOnce sync.Once
	wg       sync.WaitGroup
}

type worker struct {
	id      int
	conns   chan net.Conn
	server  *http.Server
	tracker crashTracker
	mu      sync.Mutex
}

func New(listener net.Listener, count int, factory HandlerFactory) *Supervisor {
	if count < 1 {
		count = 1
	}
	s := &Supervisor{
		listener: listener,
		factory:  factory,
		draining: make(chan struct{}),
	}
	for i := 0; i < count; i++ {
		s.workers = append(s.workers, &worker{
			id:    i,
			conns: make(chan net.Conn, connQueuePerWorker),
		})
	}
	return s
}

// Run starts the workers staggered, then serves the accept loop until Stop.
func (s *Supervisor) Run() error {
	for _, w := range s.workers {
		s.wg.Add(1)
		go s.runWorker(w)
		time.Sleep(startStagger)
	}
	log.Printf("[supervisor] %d worker(s) up, accepting on %s", len(s.workers), s.listener.Addr())
	return s.acceptLoop()
}

func (s *Supervisor) acceptLoop() error {
	next := 0
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.draining:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("supervisor accept: %w", err)
		}
		s.dispatch(conn, &next)
	}
}

// dispatch hands the conn to the next worker, skipping workers whose queue
// is full (mid-restart). Only when every queue is full does it block on the
// round-robin choice.
func (s *Supervisor) dispatch(conn net.Conn, next *int) {
	n := len(s.workers)
	for attempt := 0; attempt < n; attempt++ {
		w := s.workers[(*next+attempt)%n]
		select {
		case w.conns <- conn:
			*next = (*next + attempt + 1) % n
			return
		default:
		}
	}
	w := s.workers[*next%n]
	*next = (*next + 1) % n
	select {
	case w.conns <- conn:
	case <-s.draining:
		conn.Close()
	}
}

// runWorker keeps one worker serving, restarting it on unexpected exit with
// crash-loop backoff.
func (s *Supervisor) runWorker(w *worker) {
	defer s.wg.Done()
	for {
		err := s.serveOnce(w)
		select {
		case <-s.draining:
			return
		default:
		}

		now := time.Now()
		w.tracker.Record(now)
		delay := w.tracker.Backoff(now)
		log.Printf("[supervisor] worker %d exited (%v), restarting in %s", w.id, err, delay)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-s.draining:
				return
			}
		}
	}
}

func (s *Supervisor) serveOnce(w *worker) error {
	srv := &http.Server{
		Handler:           s.factory(w.id),
		IdleTimeout:       keepAliveTimeout,
		ReadHeaderTimeout: headerTimeout,
	}
	w.mu.Lock()
	w.server = srv
	w.mu.Unlock()

	return srv.Serve(newConnListener(w.conns, s.draining, s.listener.Addr()))
}

// Stop drains the cluster: close the accept loop, shut workers down
// gracefully, hard-close whatever is still alive after the grace period.
func (s *Supervisor) Stop() {
	s.drainOnce.Do(func() {
		close(s.draining)
		s.listener.Close()

		ctx, cancel := context.WithTimeout(context.Background(), drainGracePeriod)
		defer cancel()

		var wg sync.WaitGroup
		for _, w := range s.workers {
			w.mu.Lock()
			srv := w.server
			w.mu.Unlock()
			if srv == nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := srv.Shutdown(ctx); err != nil {
					log.Printf("[supervisor] worker drain incomplete, closing: %v", err)
					srv.Close()
				}
			}()
		}
		wg.Wait()
		s.wg.Wait()
		log.Printf("[supervisor] drained")
	})
}

// connListener adapts a channel of dispatched conns to net.Listener so a
// stock http.Server can serve them.
type connListener struct {
	conns chan net.Conn
	done  chan struct{}
	addr  net.Addr

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnListener(conns chan net.Conn, done chan struct{}, addr net.Addr) *connListener {
	return &connListener{conns: conns, done: done, addr: addr, closed: make(chan struct{})}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *connListener) Addr() net.Addr { return l.addr }
