// Package followprimary implements the process-wide mutual exclusion
// between the follow-primary protocol and false-primary detach logic
// described in spec.md §4.7.
package followprimary

import "sync"

// Lock is a single-holder lock with separate local/remote semantics.
// Local acquisitions may block until free; remote acquisitions never
// block and instead record a pending flag when denied.
type Lock struct {
	mu sync.Mutex

	held         bool
	heldRemotely bool
	pending      bool

	free chan struct{} // closed and replaced each time the lock frees up
}

// New returns a free Lock.
func New() *Lock {
	return &Lock{free: make(chan struct{})}
}

// Acquire attempts to take the lock. remoteRequest marks this as a
// remote (watchdog peer) acquisition, which never blocks: if the lock
// is already held, it sets the pending flag and returns false
// immediately regardless of block. A second remote acquisition while
// already held remotely is a no-op that reports false — "produces a
// warning and does not change state" per spec.md §4.7 — the caller is
// expected to log that case using the returned warnAlreadyRemote bool.
func (l *Lock) Acquire(block, remoteRequest bool) (acquired bool, warnAlreadyRemote bool) {
	for {
		l.mu.Lock()
		if !l.held {
			l.held = true
			l.heldRemotely = remoteRequest
			l.pending = false
			ch := l.free
			l.free = make(chan struct{})
			_ = ch
			l.mu.Unlock()
			return true, false
		}

		if remoteRequest {
			already := l.heldRemotely
			if !already {
				l.pending = true
			}
			l.mu.Unlock()
			return false, already
		}

		if !block {
			l.mu.Unlock()
			return false, false
		}

		wait := l.free
		l.mu.Unlock()
		<-wait
	}
}

// Release frees the lock. remoteRequest must match how it was
// acquired; a mismatched release is a no-op. Per spec.md §4.7, if a
// remote request is pending, the lock is transferred rather than
// freed: count stays 1, held_remotely becomes true, pending clears —
// waiters blocked in Acquire are not woken, since the lock is still
// held, just by a different owner.
func (l *Lock) Release(remoteRequest bool) {
	l.mu.Lock()
	if !l.held || l.heldRemotely != remoteRequest {
		l.mu.Unlock()
		return
	}
	if l.pending {
		l.heldRemotely = true
		l.pending = false
		l.mu.Unlock()
		return
	}
	l.held = false
	l.heldRemotely = false
	close(l.free)
	l.mu.Unlock()
}

// Pending reports whether a remote acquisition was denied while the
// lock was held, and clears the flag. Handing the lock to a waiting
// remote peer is done by Release itself, not by callers of Pending.
func (l *Lock) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.pending
	l.pending = false
	return v
}

// Held reports whether the lock is currently held, and by whom.
func (l *Lock) Held() (held, remote bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held, l.heldRemotely
}

// Count returns follow_primary_count: 0 (free) or 1 (held), per
// spec.md §4.7.
func (l *Lock) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return 1
	}
	return 0
}
