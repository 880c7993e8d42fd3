package followprimary

import "testing"

func TestAcquireRelease_LocalRoundTrip(t *testing.T) {
	l := New()
	ok, warn := l.Acquire(false, false)
	if !ok || warn {
		t.Fatalf("expected clean local acquire, got ok=%v warn=%v", ok, warn)
	}
	if held, remote := l.Held(); !held || remote {
		t.Fatalf("expected held locally, got held=%v remote=%v", held, remote)
	}
	l.Release(false)
	if held, _ := l.Held(); held {
		t.Fatal("expected lock free after release")
	}
}

func TestRemoteAcquire_NeverBlocksAndSetsPending(t *testing.T) {
	l := New()
	l.Acquire(true, false) // local holder

	ok, warn := l.Acquire(false, true)
	if ok || warn {
		t.Fatalf("expected remote acquire on held lock to fail without warning, got ok=%v warn=%v", ok, warn)
	}
	if !l.Pending() {
		t.Fatal("expected pending flag set after denied remote acquisition")
	}
	if l.Pending() {
		t.Fatal("expected Pending to clear after being read once")
	}
}

func TestRelease_TransfersToPendingRemoteWaiter(t *testing.T) {
	l := New()
	l.Acquire(true, false) // local holder

	ok, warn := l.Acquire(false, true) // remote request, denied, sets pending
	if ok || warn {
		t.Fatalf("expected remote acquire on held lock to fail without warning, got ok=%v warn=%v", ok, warn)
	}

	l.Release(false) // local release with a remote request pending

	held, remote := l.Held()
	if !held || !remote {
		t.Fatalf("expected lock transferred to remote holder, got held=%v remote=%v", held, remote)
	}
	if l.Count() != 1 {
		t.Fatalf("expected count 1 after transfer, got %d", l.Count())
	}
	if l.Pending() {
		t.Fatal("expected pending cleared after transfer")
	}
}

func TestSecondRemoteAcquire_WarnsAlreadyRemote(t *testing.T) {
	l := New()
	l.Acquire(true, true) // remote holder

	ok, warn := l.Acquire(false, true)
	if ok {
		t.Fatal("expected second remote acquire to fail")
	}
	if !warn {
		t.Fatal("expected warnAlreadyRemote true for a second remote acquisition")
	}
}

func TestRelease_MismatchedOwnerIsNoop(t *testing.T) {
	l := New()
	l.Acquire(true, false) // local holder
	l.Release(true)        // remote release attempt
	if held, remote := l.Held(); !held || remote {
		t.Fatal("expected mismatched release to leave the lock untouched")
	}
}

func TestCount(t *testing.T) {
	l := New()
	if l.Count() != 0 {
		t.Fatal("expected free lock to report count 0")
	}
	l.Acquire(true, false)
	if l.Count() != 1 {
		t.Fatal("expected held lock to report count 1")
	}
}

func TestLocalBlockingAcquire_UnblocksOnRelease(t *testing.T) {
	l := New()
	l.Acquire(true, false)

	done := make(chan struct{})
	go func() {
		ok, _ := l.Acquire(true, false)
		if !ok {
			t.Error("expected blocked local acquire to eventually succeed")
		}
		close(done)
	}()

	l.Release(false)
	<-done
}
