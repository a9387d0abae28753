// Package queue implements the fair, bounded job scheduler that sits
// between the HTTP boundary and the compilation driver.
//
// A single dispatcher goroutine owns all scheduling state (the per-client
// FIFOs and the pending count); Submit serializes onto it over a channel so
// no additional locking is needed for that state. A weighted semaphore
// bounds how many compilations run concurrently.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quay/zlog"
	"golang.org/x/sync/semaphore"

	"github.com/quay/latexd/internal/compiler"
)

// ErrQueueFull is returned by Submit when pending_count has reached the
// configured MaxQueueSize.
var ErrQueueFull = errors.New("queue: full")

// Job pairs a compiler.Job with the client identity it was submitted under
// and the working directory the manager will delete once the job is
// resolved.
type Job struct {
	ClientID string
	Compile  compiler.Job
}

// Manager is a fair, bounded dispatcher. The zero value is not usable; use
// [New].
type Manager struct {
	maxQueueSize int
	sem          *semaphore.Weighted

	submitCh chan submitRequest
	wakeCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	runner compiler.Runner

	metricPending  prometheus.Gauge
	metricInFlight prometheus.Gauge
}

type submitRequest struct {
	job  Job
	resp chan submitResponse
}

type submitResponse struct {
	result chan runOutcome
	err    error
}

type runOutcome struct {
	result compiler.CompileResult
	err    error
}

// Config holds the manager's tunables.
type Config struct {
	// MaxConcurrent bounds the number of compilations running at once.
	// Defaults to 2 if zero.
	MaxConcurrent int64
	// MaxQueueSize bounds total pending jobs across all clients. Defaults
	// to 20 if zero.
	MaxQueueSize int
	// Registerer receives the manager's gauges, if non-nil.
	Registerer prometheus.Registerer
	// Runner executes one job. Defaults to compiler.Run, which runs the
	// toolchain in-process. Pass compiler.NewSubprocessRunner(path) here to
	// isolate each compile in its own cmd/latexd-worker process instead.
	Runner compiler.Runner
}

// New constructs a Manager and starts its dispatcher goroutine. Call Close
// to stop it.
func New(ctx context.Context, cfg Config) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 20
	}
	if cfg.Runner == nil {
		cfg.Runner = compiler.Run
	}
	m := &Manager{
		maxQueueSize: cfg.MaxQueueSize,
		sem:          semaphore.NewWeighted(cfg.MaxConcurrent),
		submitCh:     make(chan submitRequest),
		wakeCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
		runner:       cfg.Runner,
		metricPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "latexd",
			Subsystem: "queue",
			Name:      "pending_jobs",
			Help:      "Number of jobs waiting for a worker slot.",
		}),
		metricInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "latexd",
			Subsystem: "queue",
			Name:      "in_flight_jobs",
			Help:      "Number of jobs currently being compiled.",
		}),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(m.metricPending, m.metricInFlight)
	}
	go m.dispatch(ctx)
	return m
}

// Submit enqueues job and blocks until a worker has picked it up and
// finished, or ctx is canceled. If the queue is at capacity, it returns
// ErrQueueFull immediately without enqueuing anything.
//
// job.Compile.WorkDir is recursively removed before Submit returns on
// every exit path except one: if ctx is canceled after the job has already
// been dispatched to a worker, Submit returns immediately and the worker,
// not Submit, owns and eventually performs that cleanup.
func (m *Manager) Submit(ctx context.Context, job Job) (compiler.CompileResult, error) {
	req := submitRequest{job: job, resp: make(chan submitResponse, 1)}

	select {
	case m.submitCh <- req:
	case <-m.doneCh:
		os.RemoveAll(job.Compile.WorkDir)
		return compiler.CompileResult{}, errors.New("queue: shut down")
	case <-ctx.Done():
		os.RemoveAll(job.Compile.WorkDir)
		return compiler.CompileResult{}, ctx.Err()
	}

	resp := <-req.resp
	if resp.err != nil {
		os.RemoveAll(job.Compile.WorkDir)
		return compiler.CompileResult{}, resp.err
	}

	select {
	case out := <-resp.result:
		return out.result, out.err
	case <-ctx.Done():
		// The worker still owns cleanup of the working directory; we've
		// simply stopped waiting for its result.
		return compiler.CompileResult{}, ctx.Err()
	}
}

// Close signals shutdown: the dispatcher stops pulling new work and
// in-flight jobs are abandoned rather than waited for, per the
// specification's shutdown semantics.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.doneCh) })
}

// dispatch is the single logical scheduling task described by the
// specification: it owns client_jobs and pending_count exclusively, so no
// lock is needed around them.
func (m *Manager) dispatch(ctx context.Context) {
	clientJobs := map[string][]queuedJob{}
	pendingCount := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.doneCh:
			return
		case req := <-m.submitCh:
			if pendingCount >= m.maxQueueSize {
				req.resp <- submitResponse{err: ErrQueueFull}
				continue
			}
			qj := queuedJob{job: req.job, result: make(chan runOutcome, 1)}
			clientJobs[req.job.ClientID] = append(clientJobs[req.job.ClientID], qj)
			pendingCount++
			m.metricPending.Set(float64(pendingCount))
			req.resp <- submitResponse{result: qj.result}
		case <-m.wakeCh:
			// A worker finished and released a slot; fall through to the
			// drain below to see if pending work can use it.
		}

		// Drain as much work as slots allow before going back to waiting
		// on the next submission or shutdown.
		for pendingCount > 0 {
			if !m.sem.TryAcquire(1) {
				break
			}
			clientID, ok := pickClient(clientJobs)
			if !ok {
				m.sem.Release(1)
				break
			}
			qj := clientJobs[clientID][0]
			clientJobs[clientID] = clientJobs[clientID][1:]
			if len(clientJobs[clientID]) == 0 {
				delete(clientJobs, clientID)
			}
			pendingCount--
			m.metricPending.Set(float64(pendingCount))
			m.metricInFlight.Add(1)
			go m.runWorker(ctx, qj)
		}
	}
}

type queuedJob struct {
	job    Job
	result chan runOutcome
}

// pickClient selects one client uniformly at random from the set of
// clients with a non-empty FIFO. Selection is over clients, not jobs, so a
// client with many pending jobs gets no greater share than one with a
// single pending job.
func pickClient(clientJobs map[string][]queuedJob) (string, bool) {
	if len(clientJobs) == 0 {
		return "", false
	}
	ids := make([]string, 0, len(clientJobs))
	for id := range clientJobs {
		ids = append(ids, id)
	}
	return ids[rand.IntN(len(ids))], true
}

// runWorker executes the compilation driver for one job. Its three
// finalization steps — resolving the completion handle, releasing the
// worker slot, and deleting the working directory — run on every exit
// path, including a panic recovered from the driver.
func (m *Manager) runWorker(ctx context.Context, qj queuedJob) {
	defer m.signalWork()
	defer m.metricInFlight.Add(-1)
	defer m.sem.Release(1)
	defer os.RemoveAll(qj.job.Compile.WorkDir)

	var out runOutcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				out = runOutcome{err: fmt.Errorf("panic in compilation worker: %v", r)}
			}
		}()
		res, err := m.runner(ctx, qj.job.Compile)
		out = runOutcome{result: res, err: err}
	}()

	ctx = zlog.ContextWithValues(ctx, "component", "internal/queue.Manager.runWorker", "client", qj.job.ClientID)
	if out.err != nil {
		zlog.Error(ctx).Err(out.err).Msg("compilation worker error")
	}
	// Remove the working directory before resolving the completion handle,
	// so a caller that receives the result never observes it still present.
	os.RemoveAll(qj.job.Compile.WorkDir)
	qj.result <- out
}

// signalWork nudges the dispatcher to re-check for pending work without
// blocking if it's already been nudged.
func (m *Manager) signalWork() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}
