// Package registry tracks the supervisor's worker fleet — query workers,
// the PCP worker, the generic worker, the log collector, watchdog and
// watchdog-lifecheck children, per-backend health-check workers, and the
// short-lived follow-primary child — and implements the reap/respawn
// policy of spec.md §4.4.
//
// Each worker is a real OS process started with os/exec, which performs
// fork+exec in one step: the child's image is replaced entirely, so it
// already gets default signal disposition and a closed-over copy of
// nothing from the supervisor — the "child resets exit handlers, installs
// default signal disposition" steps in spec.md §4.4's fork policy happen
// for free via execve. The "block signals before fork, unblock once the
// child is launched" ordering rule is left to os/exec and the Go runtime,
// which block signals around the fork inside Cmd.Start(); this package
// does not pause sigrouter delivery itself.
package registry

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/poolsuper/poolsuper/internal/shmem"
)

// Role identifies a tracked child process kind.
type Role int

const (
	RoleQueryWorker Role = iota
	RolePCPWorker
	RoleGenericWorker
	RoleLogCollector
	RoleWatchdog
	RoleWatchdogLifecheck
	RoleHealthCheck
	RoleFollowPrimary
)

func (r Role) String() string {
	switch r {
	case RoleQueryWorker:
		return "query_worker"
	case RolePCPWorker:
		return "pcp_worker"
	case RoleGenericWorker:
		return "generic_worker"
	case RoleLogCollector:
		return "log_collector"
	case RoleWatchdog:
		return "watchdog"
	case RoleWatchdogLifecheck:
		return "watchdog_lifecheck"
	case RoleHealthCheck:
		return "health_check"
	case RoleFollowPrimary:
		return "follow_primary"
	default:
		return "unknown"
	}
}

// ExitClass classifies how a child exited, per spec.md §4.4 step 1.
type ExitClass int

const (
	ExitNormal ExitClass = iota
	ExitFatal
	ExitNoRestart
	ExitSignaled
	ExitOther
)

// Exit codes workers may report to the supervisor (spec.md §6).
const (
	CodeFatal     = 1
	CodeNoRestart = 2
)

// Classify maps a wait status to an ExitClass.
func Classify(ws syscall.WaitStatus) ExitClass {
	if ws.Signaled() {
		return ExitSignaled
	}
	if !ws.Exited() {
		return ExitOther
	}
	switch ws.ExitStatus() {
	case 0:
		return ExitNormal
	case CodeFatal:
		return ExitFatal
	case CodeNoRestart:
		return ExitNoRestart
	default:
		return ExitOther
	}
}

// Spawner builds the *exec.Cmd for a role. The supervisor binary supplies
// one closure per role (typically re-invoking its own binary with a
// --worker-role flag, or invoking an external health-check probe binary).
type Spawner func(role Role, index int) (*exec.Cmd, error)

// singleton tracks a one-off worker's pid.
type singleton struct {
	pid       int
	startedAt time.Time
}

// Registry is the supervisor-side worker fleet tracker.
type Registry struct {
	region  *shmem.Region
	spawn   Spawner
	onFatal func(code int)
	log     func(format string, args ...interface{})

	mu          sync.Mutex
	singletons  map[Role]*singleton
	healthCheck map[int]*singleton // keyed by backend id
	exiting     bool
	switching   func() bool // nil == never switching; wired to reqqueue.Queue.IsSwitching

	watchdogNeedsRecovery bool
}

// New creates a Registry bound to region, using spawn to launch children.
// onFatal is invoked when a child reports the FATAL exit code — the
// caller (main loop) is expected to terminate the supervisor with the
// same code per spec.md §4.4/§7.
func New(region *shmem.Region, spawn Spawner, onFatal func(code int), log func(string, ...interface{})) *Registry {
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	return &Registry{
		region:      region,
		spawn:       spawn,
		onFatal:     onFatal,
		log:         log,
		singletons:  make(map[Role]*singleton),
		healthCheck: make(map[int]*singleton),
	}
}

// SetExiting marks the registry as shutting down; respawns are suppressed
// while true, per spec.md §4.4 step 3.
func (reg *Registry) SetExiting(v bool) {
	reg.mu.Lock()
	reg.exiting = true // monotonic: once set, a restart loop never clears it mid-shutdown
	_ = v
	reg.mu.Unlock()
}

func (reg *Registry) isExiting() bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.exiting
}

// SetSwitchingSource wires a predicate the registry consults before every
// respawn — spec.md §4.4 step 3's "skip respawn while switching or exiting
// is set." Typically reqqueue.Queue.IsSwitching, since the Failover Engine
// holds that flag for the duration of a drain.
func (reg *Registry) SetSwitchingSource(fn func() bool) {
	reg.mu.Lock()
	reg.switching = fn
	reg.mu.Unlock()
}

func (reg *Registry) isSwitching() bool {
	reg.mu.Lock()
	fn := reg.switching
	reg.mu.Unlock()
	return fn != nil && fn()
}

// start launches one child for role/index and records its pid.
func (reg *Registry) start(role Role, index int) (int, error) {
	cmd, err := reg.spawn(role, index)
	if err != nil {
		return 0, fmt.Errorf("spawn %s: %w", role, err)
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("fork failed for %s: %w", role, err)
	}
	return cmd.Process.Pid, nil
}

// SpawnQueryWorkers forks the initial M query workers into the shared
// WorkerSlot table.
func (reg *Registry) SpawnQueryWorkers(m int) error {
	for i := 0; i < m; i++ {
		pid, err := reg.start(RoleQueryWorker, i)
		if err != nil {
			return err // fork failure is fatal, per spec.md §4.4/§7
		}
		if err := reg.region.SetWorkerPID(i, pid); err != nil {
			return err
		}
	}
	return nil
}

// SpawnSingleton forks a non-query-worker role (PCP, generic, log
// collector, watchdog, watchdog-lifecheck).
func (reg *Registry) SpawnSingleton(role Role) error {
	pid, err := reg.start(role, 0)
	if err != nil {
		return err
	}
	reg.mu.Lock()
	reg.singletons[role] = &singleton{pid: pid, startedAt: time.Now()}
	reg.mu.Unlock()
	return nil
}

// SpawnHealthCheck forks a health-check worker for backend id.
func (reg *Registry) SpawnHealthCheck(backendID int) error {
	pid, err := reg.start(RoleHealthCheck, backendID)
	if err != nil {
		return err
	}
	reg.mu.Lock()
	reg.healthCheck[backendID] = &singleton{pid: pid, startedAt: time.Now()}
	reg.mu.Unlock()
	return nil
}

// SpawnFollowPrimary forks the short-lived follow-primary child. At most
// one may run at a time (spec.md §4.5 step 8); the caller is responsible
// for enforcing that via followprimary.Lock before calling this.
func (reg *Registry) SpawnFollowPrimary() error {
	reg.mu.Lock()
	if s, ok := reg.singletons[RoleFollowPrimary]; ok && s != nil {
		reg.mu.Unlock()
		return fmt.Errorf("follow-primary child already running (pid %d)", s.pid)
	}
	reg.mu.Unlock()

	pid, err := reg.start(RoleFollowPrimary, 0)
	if err != nil {
		return err
	}
	reg.mu.Lock()
	reg.singletons[RoleFollowPrimary] = &singleton{pid: pid, startedAt: time.Now()}
	reg.mu.Unlock()
	return nil
}

// RestartPCPWorker signals the current PCP worker, waits for it to exit,
// then forks a fresh one — spec.md §4.5 step 9.
func (reg *Registry) RestartPCPWorker() error {
	reg.mu.Lock()
	s, ok := reg.singletons[RolePCPWorker]
	reg.mu.Unlock()
	if ok && s != nil {
		proc, err := os.FindProcess(s.pid)
		if err == nil {
			_ = proc.Signal(syscall.SIGTERM)
			_, _ = proc.Wait()
		}
	}
	return reg.SpawnSingleton(RolePCPWorker)
}

// Reap collects exited children in non-blocking mode, classifying and
// acting on each per spec.md §4.4.
func (reg *Registry) Reap() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		reg.handleExit(pid, ws)
	}
}

func (reg *Registry) handleExit(pid int, ws syscall.WaitStatus) {
	class := Classify(ws)

	switch class {
	case ExitFatal:
		reg.log("[registry] pid %d exited FATAL (code %d) — terminating supervisor", pid, ws.ExitStatus())
		if reg.onFatal != nil {
			reg.onFatal(ws.ExitStatus())
		}
		return
	case ExitSignaled:
		level := "WARNING"
		sig := ws.Signal()
		if sig == syscall.SIGSEGV || sig == syscall.SIGKILL {
			level = "WARNING (escalated)"
		}
		reg.log("[registry] pid %d killed by signal %v [%s]", pid, sig, level)
	case ExitNoRestart:
		reg.log("[registry] pid %d exited NO_RESTART — clearing slot", pid)
	case ExitOther, ExitNormal:
		// fall through to respawn below
	}

	role, index, matched := reg.match(pid)
	if !matched {
		reg.log("[registry] reaped unknown pid %d", pid)
		return
	}
	reg.clearSlot(role, index)

	if class == ExitNoRestart {
		return
	}
	if reg.isExiting() || reg.isSwitching() {
		reg.markNeedRestart(role, index)
		return
	}

	reg.respawn(role, index, class == ExitSignaled)
}

// match finds which role/index pid belongs to: PCP, generic, log
// collector, watchdog/lifecheck, follow-primary, else query-worker slots,
// then health-check slots — spec.md §4.4 step 2's fixed match order.
func (reg *Registry) match(pid int) (Role, int, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, role := range []Role{RolePCPWorker, RoleGenericWorker, RoleLogCollector, RoleWatchdog, RoleWatchdogLifecheck, RoleFollowPrimary} {
		if s, ok := reg.singletons[role]; ok && s != nil && s.pid == pid {
			return role, 0, true
		}
	}

	if i, ok := reg.region.FindWorkerByPID(pid); ok {
		return RoleQueryWorker, i, true
	}

	for id, s := range reg.healthCheck {
		if s != nil && s.pid == pid {
			return RoleHealthCheck, id, true
		}
	}
	return 0, 0, false
}

func (reg *Registry) clearSlot(role Role, index int) {
	switch role {
	case RoleQueryWorker:
		_ = reg.region.SetWorkerPID(index, 0)
	case RoleHealthCheck:
		reg.mu.Lock()
		delete(reg.healthCheck, index)
		reg.mu.Unlock()
	default:
		reg.mu.Lock()
		delete(reg.singletons, role)
		reg.mu.Unlock()
	}
}

func (reg *Registry) markNeedRestart(role Role, index int) {
	if role == RoleQueryWorker {
		_ = reg.region.SetWorkerNeedRestart(index, true)
	}
}

func (reg *Registry) respawn(role Role, index int, wasSignaled bool) {
	var err error
	switch role {
	case RoleQueryWorker:
		var pid int
		pid, err = reg.start(RoleQueryWorker, index)
		if err == nil {
			err = reg.region.SetWorkerPID(index, pid)
		}
	case RoleHealthCheck:
		err = reg.SpawnHealthCheck(index)
	case RoleWatchdog:
		err = reg.SpawnSingleton(RoleWatchdog)
		if err == nil {
			reg.mu.Lock()
			reg.watchdogNeedsRecovery = true
			reg.mu.Unlock()
		}
	case RoleWatchdogLifecheck:
		err = reg.SpawnSingleton(RoleWatchdogLifecheck)
	case RoleFollowPrimary:
		// follow-primary is short-lived by design; it is never respawned
		// on exit, only re-forked by the failover engine on its own
		// trigger (spec.md §4.5 step 8).
		return
	default:
		err = reg.SpawnSingleton(role)
	}
	if err != nil {
		reg.log("[registry] respawn of %s[%d] failed: %v", role, index, err)
	}
}

// WatchdogNeedsRecovery reports and clears the flag set when the watchdog
// child was respawned, so the new child knows to recover state — spec.md
// §4.4 step 2.
func (reg *Registry) WatchdogNeedsRecovery() bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	v := reg.watchdogNeedsRecovery
	reg.watchdogNeedsRecovery = false
	return v
}

// Shutdown sends sig to every tracked child except the log collector,
// then waits until the reaped count matches the killed count or ECHILD —
// spec.md §5. The follow-primary child and its process group receive the
// signal last.
func (reg *Registry) Shutdown(sig syscall.Signal, timeout time.Duration) {
	reg.SetExiting(true)

	reg.mu.Lock()
	var pids []int
	var followPrimaryPID int
	for role, s := range reg.singletons {
		if s == nil {
			continue
		}
		if role == RoleLogCollector {
			continue
		}
		if role == RoleFollowPrimary {
			followPrimaryPID = s.pid
			continue
		}
		pids = append(pids, s.pid)
	}
	for _, s := range reg.healthCheck {
		if s != nil {
			pids = append(pids, s.pid)
		}
	}
	reg.mu.Unlock()
	pids = append(pids, reg.region.WorkerPIDs()...)

	killed := 0
	for _, pid := range pids {
		if proc, err := os.FindProcess(pid); err == nil {
			if err := proc.Signal(sig); err == nil {
				killed++
			}
		}
	}
	if followPrimaryPID != 0 {
		// negative pid == send to the whole process group
		_ = syscall.Kill(-followPrimaryPID, sig)
		killed++
	}

	deadline := time.Now().Add(timeout)
	reaped := 0
	for reaped < killed && time.Now().Before(deadline) {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, 0, nil)
		if err == syscall.ECHILD {
			return
		}
		if pid > 0 {
			reaped++
		}
	}
}
