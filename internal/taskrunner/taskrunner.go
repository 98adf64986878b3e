// Package taskrunner implements the single-threaded cooperative scheduler
// the service uses for its timed work: one loop goroutine drains a task
// queue, and file-descriptor readiness is translated into posted tasks by
// dedicated poller goroutines, so the loop itself never performs a
// blocking syscall. This mirrors go-ublk's per-queue ioLoop shape (a
// cancellable loop pinned to processing one source of events) generalized
// from one io_uring completion queue to an arbitrary task queue plus
// readiness-driven fd watches.
package taskrunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollTimeoutMs bounds how long a watch's poller blocks before re-checking
// whether it has been asked to stop.
const pollTimeoutMs = 200

type watch struct {
	fd         int
	onReadable func()
	stop       chan struct{}
}

// TaskRunner implements interfaces.TaskRunner.
type TaskRunner struct {
	tasks chan func()

	mu          sync.Mutex
	watches     map[int]*watch
	nextWatchID int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New returns a TaskRunner with a reasonably buffered task queue; Run must
// be called to actually drain it.
func New() *TaskRunner {
	return &TaskRunner{
		tasks:   make(chan func(), 256),
		watches: make(map[int]*watch),
		stopCh:  make(chan struct{}),
	}
}

// PostTask schedules fn to run on the loop goroutine, preserving FIFO
// order relative to other posted tasks. A no-op once the runner has
// stopped.
func (r *TaskRunner) PostTask(fn func()) {
	select {
	case r.tasks <- fn:
	case <-r.stopCh:
	}
}

// PostDelayedTask schedules fn no sooner than delayMs from now. The timer
// itself runs off-loop; only the eventual PostTask call touches the loop.
func (r *TaskRunner) PostDelayedTask(fn func(), delayMs int64) {
	time.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() {
		r.PostTask(fn)
	})
}

// AddFileDescriptorWatch starts a dedicated poller goroutine for fd and
// posts onReadable to the loop every time a poll wakes up with POLLIN set.
// The returned watchID is valid until RemoveFileDescriptorWatch.
func (r *TaskRunner) AddFileDescriptorWatch(fd int, onReadable func()) (int, error) {
	r.mu.Lock()
	r.nextWatchID++
	id := r.nextWatchID
	w := &watch{fd: fd, onReadable: onReadable, stop: make(chan struct{})}
	r.watches[id] = w
	r.mu.Unlock()

	go r.pollLoop(w)
	return id, nil
}

// RemoveFileDescriptorWatch stops and forgets a previously installed
// watch. Returns an error if watchID is unknown (already removed, or
// never valid).
func (r *TaskRunner) RemoveFileDescriptorWatch(watchID int) error {
	r.mu.Lock()
	w, ok := r.watches[watchID]
	if ok {
		delete(r.watches, watchID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("taskrunner: unknown watch id %d", watchID)
	}
	close(w.stop)
	return nil
}

func (r *TaskRunner) pollLoop(w *watch) {
	fds := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-w.stop:
			return
		case <-r.stopCh:
			return
		default:
		}

		n, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			r.PostTask(w.onReadable)
		}
	}
}

// Run drains the task queue until ctx is cancelled or Stop is called.
func (r *TaskRunner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			return nil
		case fn := <-r.tasks:
			fn()
		}
	}
}

// Stop requests the loop to exit at its next iteration; idempotent.
func (r *TaskRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}
