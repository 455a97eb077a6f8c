// Package jobqueue dispatches jobs to a fixed set of job threads. Jobs
// submitted to a thread run strictly in submission order on that thread's
// goroutine, which gives callers ordering and affinity across the late
// replay phases of many transactions.
package jobqueue

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Errors returned by Submit.
var (
	ErrQueueFull = errors.New("jobqueue: queue is full")
	ErrStopped   = errors.New("jobqueue: dispatcher stopped")
)

// ThreadID identifies a job thread. The zero ThreadID is no thread: it's the
// identity of callers which aren't running on a job thread.
type ThreadID int

// NoThread is the zero ThreadID.
const NoThread ThreadID = 0

// Config of a Dispatcher.
type Config struct {
	Threads int `long:"threads" env:"THREADS" default:"4" description:"Number of job threads"`
	Depth   int `long:"depth" env:"DEPTH" default:"256" description:"Maximum queued jobs per job thread"`
}

// Dispatcher owns the job threads.
type Dispatcher struct {
	queues []chan func()
	group  *errgroup.Group

	mu      sync.RWMutex
	stopped bool
}

// New starts a Dispatcher of the Config.
func New(cfg Config) *Dispatcher {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 1
	}
	var d = &Dispatcher{
		queues: make([]chan func(), cfg.Threads),
		group:  new(errgroup.Group),
	}
	for i := range d.queues {
		var ch = make(chan func(), cfg.Depth)
		d.queues[i] = ch

		d.group.Go(func() error {
			for fn := range ch {
				fn()
			}
			return nil
		})
	}
	log.WithFields(log.Fields{"threads": cfg.Threads, "depth": cfg.Depth}).Debug("started job threads")
	return d
}

// Threads returns the number of job threads.
func (d *Dispatcher) Threads() int { return len(d.queues) }

// Thread returns the ThreadID of the |i|th job thread, modulo Threads.
func (d *Dispatcher) Thread(i int) ThreadID {
	if i < 0 {
		i = -i
	}
	return ThreadID(i%len(d.queues) + 1)
}

// Submit |fn| to run on job thread |id|. Submit never blocks: it returns
// ErrQueueFull if the thread's queue is at capacity.
func (d *Dispatcher) Submit(id ThreadID, fn func()) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrStopped
	} else if id <= NoThread || int(id) > len(d.queues) {
		return errors.Errorf("jobqueue: invalid thread %d", id)
	}
	select {
	case d.queues[id-1] <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop the Dispatcher. Queued jobs are drained before the job threads exit.
// Stop returns early with the Context error if |ctx| is Done first.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		for _, ch := range d.queues {
			close(ch)
		}
	}
	d.mu.Unlock()

	var done = make(chan error, 1)
	go func() { done <- d.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
