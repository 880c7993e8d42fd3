// Package sigrouter turns asynchronous OS signals into deferred work items
// processed at one known point: the supervisor main loop's select. See
// spec.md §4.3.
//
// The C original catches signals with handlers that may only call
// async-signal-safe functions, so they do three things: set a volatile
// flag, write one byte to a self-pipe, restore errno. Go's signal.Notify
// delivers signals over a channel from a runtime-managed goroutine, which
// is already async-signal-safe by construction — no program in the
// example pack hand-rolls pipe(2) plus a signal handler, they all use
// signal.Notify — so the self-pipe itself is unnecessary here. What's
// load-bearing and kept unchanged is the *shape*: one select with a
// bounded timeout, and a fixed, documented priority order for draining
// whatever arrived.
package sigrouter

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// SignalFlag is one bit of the SignalSlot (spec.md §3).
type SignalFlag uint8

const (
	FailoverInterrupt SignalFlag = 1 << iota
	WatchdogStateChanged
	BackendSyncRequired
	WatchdogQuorumChanged
	InformQuarantineNodes
)

// PriorityOrder is the fixed drain order from spec.md §4.3.
var PriorityOrder = []SignalFlag{
	WatchdogQuorumChanged,
	InformQuarantineNodes,
	BackendSyncRequired,
	WatchdogStateChanged,
	FailoverInterrupt,
}

// SignalSlot is the set of one-bit flags written by any process and
// drained only by the supervisor.
type SignalSlot struct {
	mu   sync.Mutex
	bits SignalFlag
}

// Set raises a flag. Safe to call from any goroutine or process boundary
// the rewrite exposes (e.g. a worker's control-socket message handler).
func (s *SignalSlot) Set(f SignalFlag) {
	s.mu.Lock()
	s.bits |= f
	s.mu.Unlock()
}

// TestAndClear reports whether f was set, clearing it atomically.
func (s *SignalSlot) TestAndClear(f SignalFlag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bits&f == 0 {
		return false
	}
	s.bits &^= f
	return true
}

// Any reports whether any flag is currently set.
func (s *SignalSlot) Any() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bits != 0
}

// Router drives the self-pipe-shaped main-loop wakeup. OS signals set one
// of four request flags (wakeup, sigusr1, sigchld, reload_config) and push
// a non-blocking notification onto wake; non-OS producers (cross-process
// request-queue writers) call Notify directly to raise a SignalSlot bit
// and the sigusr1 flag, exactly mirroring how the C original's producers
// write to SignalSlot then kill(supervisor_pid, SIGUSR1).
type Router struct {
	Slot SignalSlot

	wakeupRequest       atomic.Bool
	sigusr1Request      atomic.Bool
	sigchldRequest      atomic.Bool
	reloadConfigRequest atomic.Bool
	shutdownRequest     atomic.Int32 // 0 = none, else holds the syscall.Signal value

	wake chan struct{}
	osCh chan os.Signal
	stop chan struct{}
}

// New creates a Router. Call Start to begin listening for OS signals.
func New() *Router {
	return &Router{
		wake: make(chan struct{}, 1),
		osCh: make(chan os.Signal, 16),
		stop: make(chan struct{}),
	}
}

// Start installs signal.Notify for every signal the supervisor consumes
// (spec.md §6) and begins translating them into request flags.
func (r *Router) Start() {
	signal.Notify(r.osCh,
		syscall.SIGCHLD,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGPIPE,
	)
	go r.loop()
}

// Stop halts signal delivery.
func (r *Router) Stop() {
	signal.Stop(r.osCh)
	close(r.stop)
}

func (r *Router) loop() {
	for {
		select {
		case sig := <-r.osCh:
			switch sig {
			case syscall.SIGCHLD:
				r.sigchldRequest.Store(true)
			case syscall.SIGUSR1:
				r.sigusr1Request.Store(true)
			case syscall.SIGUSR2:
				r.wakeupRequest.Store(true)
			case syscall.SIGHUP:
				r.reloadConfigRequest.Store(true)
			case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
				r.shutdownRequest.Store(int32(sig.(syscall.Signal)))
			case syscall.SIGPIPE:
				// ignored
				continue
			}
			r.poke()
		case <-r.stop:
			return
		}
	}
}

func (r *Router) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Notify raises a SignalSlot bit and arms sigusr1_request, for
// non-OS-signal producers (e.g. a request enqueued by another process
// while the supervisor was not already draining).
func (r *Router) Notify(f SignalFlag) {
	r.Slot.Set(f)
	r.sigusr1Request.Store(true)
	r.poke()
}

// Wait blocks on the wake channel with a bounded timeout, mirroring the
// self-pipe select(2) in spec.md §4.3/§5.
func (r *Router) Wait(timeout time.Duration) {
	select {
	case <-r.wake:
	case <-time.After(timeout):
	}
}

// TakeWakeupRequest, TakeSigchldRequest, TakeSigusr1Request, and
// TakeReloadConfigRequest each report whether the flag was set, clearing
// it. The main loop must check them in this fixed order: wakeup, sigusr1,
// sigchld, reload_config (spec.md §4.3).
func (r *Router) TakeWakeupRequest() bool       { return r.wakeupRequest.CompareAndSwap(true, false) }
func (r *Router) TakeSigusr1Request() bool      { return r.sigusr1Request.CompareAndSwap(true, false) }
func (r *Router) TakeSigchldRequest() bool      { return r.sigchldRequest.CompareAndSwap(true, false) }
func (r *Router) TakeReloadConfigRequest() bool {
	return r.reloadConfigRequest.CompareAndSwap(true, false)
}

// TakeShutdownRequest reports a pending shutdown signal and its value,
// clearing it. External shutdown signals take precedence over everything
// else per spec.md §5.
func (r *Router) TakeShutdownRequest() (syscall.Signal, bool) {
	v := r.shutdownRequest.Swap(0)
	if v == 0 {
		return 0, false
	}
	return syscall.Signal(v), true
}

// DrainSigusr1 repeatedly drains SignalSlot in fixed priority order,
// invoking the matching handler for each set flag, until sigusr1_request
// stays clear for one full pass — the "re-arm during processing is
// honoured" rule in spec.md §4.3.
func (r *Router) DrainSigusr1(handlers map[SignalFlag]func()) {
	for {
		r.sigusr1Request.Store(false)
		for _, f := range PriorityOrder {
			if r.Slot.TestAndClear(f) {
				if h := handlers[f]; h != nil {
					h()
				}
			}
		}
		if !r.sigusr1Request.Load() {
			return
		}
	}
}
