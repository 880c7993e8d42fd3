package registry

import (
	"os/exec"
	"syscall"
	"testing"

	"github.com/poolsuper/poolsuper/internal/shmem"
)

func trueSpawner(role Role, index int) (*exec.Cmd, error) {
	return exec.Command("/bin/true"), nil
}

func TestSpawnQueryWorkers_PopulatesSlots(t *testing.T) {
	region := shmem.NewRegion(2, 3, 1)
	reg := New(region, trueSpawner, nil, nil)

	if err := reg.SpawnQueryWorkers(3); err != nil {
		t.Fatalf("SpawnQueryWorkers: %v", err)
	}
	for i := 0; i < 3; i++ {
		slot, err := region.WorkerSlotSnapshot(i)
		if err != nil {
			t.Fatal(err)
		}
		if slot.PID == 0 {
			t.Fatalf("expected worker %d to have a pid", i)
		}
	}
}

func TestMatch_QueryWorkerSlot(t *testing.T) {
	region := shmem.NewRegion(1, 2, 1)
	region.SetWorkerPID(1, 4242)
	reg := New(region, trueSpawner, nil, nil)

	role, idx, ok := reg.match(4242)
	if !ok || role != RoleQueryWorker || idx != 1 {
		t.Fatalf("expected query worker slot 1, got role=%v idx=%v ok=%v", role, idx, ok)
	}
}

func TestMatch_Singleton(t *testing.T) {
	region := shmem.NewRegion(1, 1, 1)
	reg := New(region, trueSpawner, nil, nil)
	reg.singletons[RolePCPWorker] = &singleton{pid: 777}

	role, _, ok := reg.match(777)
	if !ok || role != RolePCPWorker {
		t.Fatalf("expected PCP worker match, got role=%v ok=%v", role, ok)
	}
}

func TestMatch_Unknown(t *testing.T) {
	region := shmem.NewRegion(1, 1, 1)
	reg := New(region, trueSpawner, nil, nil)
	if _, _, ok := reg.match(99999); ok {
		t.Fatal("expected no match for untracked pid")
	}
}

func TestRespawnSkippedWhileExiting(t *testing.T) {
	region := shmem.NewRegion(1, 1, 1)
	region.SetWorkerPID(0, 555)
	reg := New(region, trueSpawner, nil, nil)
	reg.SetExiting(true)

	reg.handleExit(555, syscall.WaitStatus(0)) // exit status 0 == ExitNormal

	slot, _ := region.WorkerSlotSnapshot(0)
	if slot.PID != 0 {
		t.Fatalf("expected slot cleared, got pid %d", slot.PID)
	}
	if !slot.NeedRestart {
		t.Fatal("expected NeedRestart marked true while exiting")
	}
}

func TestRespawnSkippedWhileSwitching(t *testing.T) {
	region := shmem.NewRegion(1, 1, 1)
	region.SetWorkerPID(0, 556)
	reg := New(region, trueSpawner, nil, nil)
	reg.SetSwitchingSource(func() bool { return true })

	reg.handleExit(556, syscall.WaitStatus(0))

	slot, _ := region.WorkerSlotSnapshot(0)
	if slot.PID != 0 {
		t.Fatalf("expected slot cleared, got pid %d", slot.PID)
	}
	if !slot.NeedRestart {
		t.Fatal("expected NeedRestart marked true while switching")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		status syscall.WaitStatus
		want   ExitClass
	}{
		{syscall.WaitStatus(0 << 8), ExitNormal},
		{syscall.WaitStatus(CodeFatal << 8), ExitFatal},
		{syscall.WaitStatus(CodeNoRestart << 8), ExitNoRestart},
	}
	for _, c := range cases {
		if got := Classify(c.status); got != c.want {
			t.Errorf("Classify(%v) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestFatalExitTerminatesSupervisor(t *testing.T) {
	region := shmem.NewRegion(1, 1, 1)
	region.SetWorkerPID(0, 1111)

	var gotCode int
	called := false
	onFatal := func(code int) {
		called = true
		gotCode = code
	}
	reg := New(region, trueSpawner, onFatal, nil)
	reg.handleExit(1111, syscall.WaitStatus(CodeFatal<<8))

	if !called {
		t.Fatal("expected onFatal callback to be invoked")
	}
	if gotCode != CodeFatal {
		t.Fatalf("expected code %d, got %d", CodeFatal, gotCode)
	}
}
