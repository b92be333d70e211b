package runtime

import (
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Loop is a single-threaded cooperative runtime. Handlers run to
// completion; the only cross-thread signal is the exit flag set by the
// SIGINT handler. Each iteration drains ready I/O, then fires expired
// timers, then runs the deferred queue, in that order.
type Loop struct {
	deferred []func()

	timers   timerHeap
	timerSeq uint64
	keySeq   uint64
	fixed    map[FixedTimerKey]func()
	max      map[MaxTimerKey]*maxTimer

	fds     []unix.PollFd
	entries []*Io

	now   time.Time
	nowFn func() time.Time

	exit atomic.Bool
	log  *slog.Logger
}

// NewLoop creates an empty runtime.
func NewLoop(log *slog.Logger) *Loop {
	l := &Loop{
		fixed: make(map[FixedTimerKey]func()),
		max:   make(map[MaxTimerKey]*maxTimer),
		nowFn: time.Now,
		log:   log.With("component", "runtime"),
	}
	l.now = l.nowFn()
	return l
}

// Now returns the loop's monotonic clock, sampled once per iteration so
// every handler in an iteration observes the same instant.
func (l *Loop) Now() time.Time {
	return l.now
}

// Defer queues fn to run after the current handler returns, in FIFO
// order with other deferred closures.
func (l *Loop) Defer(fn func()) {
	l.deferred = append(l.deferred, fn)
}

// RequestExit asks the loop to shut down on its next iteration. Safe to
// call from other goroutines.
func (l *Loop) RequestExit() {
	l.exit.Store(true)
}

// Run polls until there is no more work or an exit is requested. exitFn
// runs once on a requested exit and should defer the application's
// cleanup; one final deferred drain executes before Run returns. A
// fatal poll error is returned to the caller.
func (l *Loop) Run(exitFn func()) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		<-sig
		l.exit.Store(true)
	}()

	l.runDeferred()

	for {
		if l.exit.Load() {
			if exitFn != nil {
				exitFn()
			}
			l.runDeferred()
			return nil
		}

		timeout := l.timeout()
		if timeout < 0 && len(l.fds) == 0 {
			// No pending work and nothing to wait on.
			return nil
		}

		n, err := unix.Poll(l.fds, timeout)
		if err != nil {
			if err == unix.EINTR {
				l.now = l.nowFn()
				continue
			}
			l.log.Error("poll failed", "err", err)
			return err
		}
		l.now = l.nowFn()

		if n > 0 {
			if err := l.dispatch(); err != nil {
				return err
			}
		}

		l.Step(l.nowFn())
	}
}

// Step advances the clock to now and runs expired timers followed by
// the deferred queue — the tail of one loop iteration. Embedders that
// drive the loop manually call this instead of Run.
func (l *Loop) Step(now time.Time) {
	l.now = now
	l.runTimers()
	l.runDeferred()
}

// timeout computes the poll timeout in milliseconds: zero when deferred
// work is pending, the gap to the next timer otherwise, and -1 (block
// indefinitely) when neither exists.
func (l *Loop) timeout() int {
	if len(l.deferred) > 0 {
		return 0
	}
	at, ok := l.nextDeadline()
	if !ok {
		return -1
	}
	d := at.Sub(l.now)
	if d < 0 {
		return 0
	}
	// Round up so the loop does not spin below millisecond resolution.
	ms := (d + time.Millisecond - 1) / time.Millisecond
	return int(ms)
}

func (l *Loop) dispatch() error {
	for i := range l.fds {
		pfd := &l.fds[i]
		if pfd.Revents == 0 {
			continue
		}
		entry := l.entries[i]

		if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			panic("runtime: error condition on polled socket")
		}
		if pfd.Revents&unix.POLLIN != 0 {
			if err := entry.flushRead(); err != nil {
				return err
			}
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			if err := entry.flushWrite(); err != nil {
				return err
			}
		}

		pfd.Events = unix.POLLIN
		if len(entry.queue) > 0 {
			pfd.Events |= unix.POLLOUT
		}
		pfd.Revents = 0
	}
	return nil
}

func (l *Loop) runDeferred() {
	// Closures deferred while draining run in the same pass, after the
	// ones already queued.
	for len(l.deferred) > 0 {
		fn := l.deferred[0]
		l.deferred = l.deferred[1:]
		fn()
	}
}
