// Package failover implements the supervisor's node-state transition
// pipeline: spec.md §4.5 steps 1-9, run once per drained request.
// Grounded on the pipeline-of-steps shape in
// stolon-pgbouncer's pkg/failover/failover.go (health-check →
// acquire-lock → pause → failkeeper, each step with a deferred
// compensating action) — adapted into an explicit method-per-step
// sequence rather than a generic Pipeline combinator, since spec.md
// §4.5 names a fixed nine-step sequence, not a pluggable chain — and
// on firefly-oss-flydb's internal/cluster/failover.go for the
// primary/standby role-transition bookkeeping shape.
package failover

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/poolsuper/poolsuper/internal/audit"
	"github.com/poolsuper/poolsuper/internal/cmdutil"
	"github.com/poolsuper/poolsuper/internal/followprimary"
	"github.com/poolsuper/poolsuper/internal/primaryfinder"
	"github.com/poolsuper/poolsuper/internal/registry"
	"github.com/poolsuper/poolsuper/internal/reqqueue"
	"github.com/poolsuper/poolsuper/internal/shmem"
)

// PeerNotifier lets the watchdog-sync layer quiesce conflicting
// operations on remote supervisors before a transition is applied —
// spec.md §4.5 step 2's wd_failover_start/end. A nil Notifier is a
// valid no-op choice for a standalone (non-watchdog) deployment.
type PeerNotifier interface {
	FailoverStart(req reqqueue.Request)
	FailoverEnd(req reqqueue.Request)
}

// EventPublisher surfaces committed transitions to the live operator
// dashboard (spec.md §6's /api/status/stream addition). A nil publisher
// is a valid no-op choice for deployments without the admin surface.
type EventPublisher interface {
	Broadcast(eventType string, data interface{}, level string)
}

// Config carries the tunables spec.md §6 names for this component.
type Config struct {
	StreamingReplication  bool
	SearchPrimaryTimeout  time.Duration // 0 = infinite
	DetachFalsePrimary    bool
	SearchPrimary         bool // false disables Primary Finder entirely for explicit quarantine requests
	ProbeUsername         string
	ProbeDatabase         string
	FailoverCommand       string
	FailbackCommand       string
	FollowPrimaryCommand  string
}

// Engine runs the per-request transition pipeline against a shared
// Region, coordinating the worker registry, the follow-primary lock,
// and Primary Finder.
type Engine struct {
	region   *shmem.Region
	queue    *reqqueue.Queue
	reg      *registry.Registry
	lock     *followprimary.Lock
	notifier  PeerNotifier
	auditLog  *audit.BufferedLogger
	publisher EventPublisher
	cfg       Config
	targets   []primaryfinder.Target

	log func(format string, args ...interface{})
}

// SetEventPublisher wires the live-dashboard hub. May be called any time
// before a transition runs; nil disables broadcasting.
func (e *Engine) SetEventPublisher(p EventPublisher) {
	e.publisher = p
}

// New builds an Engine. notifier and auditLog may be nil.
func New(region *shmem.Region, queue *reqqueue.Queue, reg *registry.Registry, lock *followprimary.Lock, notifier PeerNotifier, auditLog *audit.BufferedLogger, targets []primaryfinder.Target, cfg Config, log func(string, ...interface{})) *Engine {
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	return &Engine{
		region:   region,
		queue:    queue,
		reg:      reg,
		lock:     lock,
		notifier: notifier,
		auditLog: auditLog,
		cfg:      cfg,
		targets:  targets,
		log:      log,
	}
}

// DrainQueue holds Switching for the whole drain (spec.md §4.5's
// entry/exit contract), including requests enqueued mid-drain, and
// runs each dequeued request through the nine-step pipeline.
func (e *Engine) DrainQueue(ctx context.Context) {
	e.queue.BeginDrain()
	defer e.queue.EndDrain()

	processed := false
	for {
		req, ok := e.queue.Dequeue()
		if !ok {
			break
		}
		processed = true
		e.run(ctx, req)
	}

	if processed {
		if err := e.reg.RestartPCPWorker(); err != nil {
			e.log("[failover] PCP worker restart failed: %v", err)
		}
	}
}

// run executes steps 1-8 of spec.md §4.5 for one request. Step 9
// (PCP worker restart) is handled once per drain by DrainQueue.
func (e *Engine) run(ctx context.Context, req reqqueue.Request) {
	if !e.validate(req) {
		return
	}

	if e.notifier != nil {
		e.notifier.FailoverStart(req)
		defer e.notifier.FailoverEnd(req)
	}

	oldPrimary := e.region.Info.PrimaryNodeID
	oldMain := e.region.Info.MainNodeID
	var restoredPrimary = -1

	restoredPrimary = e.applyTransition(req)

	newMain := e.region.NextMainNode()
	e.region.RequestInfoMu.Lock()
	e.region.Info.MainNodeID = newMain
	e.region.RequestInfoMu.Unlock()

	newPrimary := e.determinePrimary(ctx, req, oldPrimary, restoredPrimary)
	e.region.RequestInfoMu.Lock()
	e.region.Info.PrimaryNodeID = newPrimary
	e.region.RequestInfoMu.Unlock()
	e.applyRoles(req, oldPrimary, newPrimary)

	allWerePreviouslyDown := oldMain == -1

	e.decideRestartScope(req, oldPrimary, newPrimary, allWerePreviouslyDown)
	e.executeCommands(req, oldMain, oldPrimary, newMain, newPrimary)
	e.runFollowPrimaryProtocol(req, oldPrimary, newPrimary)

	e.recordAudit(req, newMain, newPrimary)
}

// validate applies step 1's rejection rules.
func (e *Engine) validate(req reqqueue.Request) bool {
	for _, id := range req.NodeIDs {
		if id < 0 || id >= len(e.region.BackendsSnapshot()) {
			e.log("[failover] WARNING: request %s references out-of-range node %d, dropping", req.Kind, id)
			return false
		}
	}

	switch req.Kind {
	case reqqueue.NodeUp:
		for _, id := range req.NodeIDs {
			b, err := e.region.Backend(id)
			if err != nil {
				return false
			}
			if b.Status == shmem.StatusUp && !req.Flags.Has(reqqueue.FlagUpdate) {
				e.log("[failover] rejecting NODE_UP for already-UP node %d", id)
				return false
			}
		}
	case reqqueue.NodeDown, reqqueue.Quarantine:
		for _, id := range req.NodeIDs {
			b, err := e.region.Backend(id)
			if err != nil {
				return false
			}
			if !b.Valid() {
				e.log("[failover] rejecting %s for non-valid node %d", req.Kind, id)
				return false
			}
		}
	}
	return true
}

// applyTransition implements step 3. It returns a node id whose prior
// primary role should be restored on return from quarantine, or -1.
func (e *Engine) applyTransition(req reqqueue.Request) int {
	restoreID := -1

	switch req.Kind {
	case reqqueue.NodeUp:
		for _, id := range req.NodeIDs {
			clearQuarantine := req.Flags.Has(reqqueue.FlagUpdate)
			_ = e.region.SetBackendStatus(id, shmem.StatusConnectWait, true)
			if clearQuarantine {
				b, _ := e.region.Backend(id)
				if b.Role == shmem.RolePrimary {
					restoreID = id
				}
			} else {
				if out, err := cmdutil.RunShell(e.failbackLine(id)); err != nil {
					e.log("[failover] failback_command for node %d exited with error: %v (%s)", id, err, out)
				}
			}
		}

	case reqqueue.NodeDown, reqqueue.Quarantine:
		for _, id := range req.NodeIDs {
			b, _ := e.region.Backend(id)
			wasPrimary := b.Role == shmem.RolePrimary
			_ = e.region.SetBackendStatus(id, shmem.StatusDown, false)
			if req.Kind == reqqueue.Quarantine {
				_ = e.region.SetBackendQuarantined(id, true)
			}
			if wasPrimary {
				restoreID = id
			}
		}

	case reqqueue.Promote:
		// handled in determinePrimary; nothing to apply to backend state
		// directly here.

	case reqqueue.CloseIdle:
		// SIGUSR1 to every occupied query-worker slot; no backend state
		// changes.
		for _, pid := range e.region.WorkerPIDs() {
			_ = syscall.Kill(pid, syscall.SIGUSR1)
		}
	}

	return restoreID
}

// determinePrimary implements step 5.
func (e *Engine) determinePrimary(ctx context.Context, req reqqueue.Request, oldPrimary, restoredPrimary int) int {
	backends := e.region.BackendsSnapshot()
	for _, b := range backends {
		if b.HasFlag(shmem.FlagAlwaysPrimary) && b.Valid() {
			return b.ID
		}
	}

	if !e.cfg.SearchPrimary {
		return oldPrimary
	}

	if req.Flags.Has(reqqueue.FlagUpdate) && restoredPrimary >= 0 {
		return restoredPrimary
	}

	standbyNodeDown := req.Kind == reqqueue.NodeDown && oldPrimary >= 0 && !containsID(req.NodeIDs, oldPrimary)
	if e.cfg.StreamingReplication && standbyNodeDown {
		return oldPrimary
	}

	needsProbe := req.Kind == reqqueue.Promote ||
		(req.Kind == reqqueue.NodeDown && containsID(req.NodeIDs, oldPrimary)) ||
		oldPrimary < 0

	if !needsProbe {
		return oldPrimary
	}

	opt := primaryfinder.Options{DetachFalsePrimary: e.cfg.DetachFalsePrimary}
	id, invalid, err := primaryfinder.Search(ctx, e.region, e.targets, e.cfg.ProbeUsername, e.cfg.ProbeDatabase, opt, e.cfg.SearchPrimaryTimeout, oldPrimary, nil)
	if err != nil {
		e.log("[failover] primary finder: %v", err)
	}
	for _, inv := range invalid {
		e.log("[failover] marking node %d INVALID (false primary)", inv)
	}
	if id < 0 {
		return oldPrimary
	}
	return id
}

// applyRoles keeps BackendDescriptor.Role consistent with the new
// primary_node_id, per invariant #2 (spec.md §8): whenever
// primary_node_id >= 0, that backend's role is PRIMARY. The demoted old
// primary becomes STANDBY if still reachable, else UNKNOWN — and any
// node this request just took down or quarantined is cleared to
// UNKNOWN, since a DOWN/quarantined backend's replication role is no
// longer something this supervisor can vouch for.
func (e *Engine) applyRoles(req reqqueue.Request, oldPrimary, newPrimary int) {
	if newPrimary >= 0 {
		_ = e.region.SetBackendRole(newPrimary, shmem.RolePrimary)
	}
	if oldPrimary >= 0 && oldPrimary != newPrimary {
		if b, err := e.region.Backend(oldPrimary); err == nil && b.Valid() {
			_ = e.region.SetBackendRole(oldPrimary, shmem.RoleStandby)
		} else {
			_ = e.region.SetBackendRole(oldPrimary, shmem.RoleUnknown)
		}
	}
	for _, id := range req.NodeIDs {
		if id == newPrimary {
			continue
		}
		if b, err := e.region.Backend(id); err == nil && !b.Valid() {
			_ = e.region.SetBackendRole(id, shmem.RoleUnknown)
		}
	}
}

func containsID(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// decideRestartScope implements step 6.
func (e *Engine) decideRestartScope(req reqqueue.Request, oldPrimary, newPrimary int, allWerePreviouslyDown bool) {
	primaryChanged := oldPrimary != newPrimary
	touchesOldPrimary := containsID(req.NodeIDs, oldPrimary)

	fullRestart := !e.cfg.StreamingReplication || primaryChanged || allWerePreviouslyDown || touchesOldPrimary

	if fullRestart {
		for i := range e.region.Workers {
			_ = e.region.SetWorkerNeedRestart(i, true)
		}
		return
	}

	switchoverOfStandby := req.Flags.Has(reqqueue.FlagSwitchover) && !touchesOldPrimary
	failbackOfStandbyWithOthersUp := req.Kind == reqqueue.NodeUp && !e.region.AllDown()

	if switchoverOfStandby || failbackOfStandbyWithOthersUp {
		for _, target := range req.NodeIDs {
			for i := range e.region.Workers {
				connects, _ := e.region.WorkerConnectsTo(i, target)
				_ = e.region.SetWorkerNeedRestart(i, connects)
			}
		}
		return
	}

	for i := range e.region.Workers {
		_ = e.region.SetWorkerNeedRestart(i, true)
	}
}

// executeCommands implements step 7, running failover_command once per
// node of a NODE_DOWN or QUARANTINE request with the full %-substitution
// table. failback_command is not run here (see the note at the end).
func (e *Engine) executeCommands(req reqqueue.Request, oldMain, oldPrimary, newMain, newPrimary int) {
	switch req.Kind {
	case reqqueue.NodeDown, reqqueue.Quarantine:
		for _, id := range req.NodeIDs {
			line := string(e.substitute(e.cfg.FailoverCommand, id, oldMain, oldPrimary, newMain, newPrimary))
			if line == "" {
				continue
			}
			out, err := cmdutil.RunShell(line)
			if err != nil {
				e.log("[failover] failover_command for node %d failed: %v (%s)", id, err, out)
				if e.auditLog != nil {
					_ = e.auditLog.Log(audit.Event{Actor: "failover", Action: "shell_command_failed", Resource: fmt.Sprintf("%d", id), Details: string(out), Success: false})
				}
				if e.publisher != nil {
					e.publisher.Broadcast("failover_command_failed", map[string]interface{}{"node_id": id, "error": err.Error()}, "warning")
				}
			} else {
				e.log("[failover] failover_command for node %d exited 0", id)
			}
		}
	}
	// NODE_UP's failback_command already ran inside applyTransition,
	// since it must NOT run when the UPDATE flag clears a quarantine —
	// a distinction only applyTransition has enough context to make.
}

func (e *Engine) failbackLine(id int) string {
	return string(e.substitute(e.cfg.FailbackCommand, id, -1, -1, id, -1))
}

// substituteResult is the expanded command line, kept as a distinct
// type so callers can't accidentally pass a raw template where an
// already-substituted line is expected.
type substituteResult string

// substitute expands the printf-style template from spec.md §4.5 step
// 7: %d/%h/%p/%D describe the failed node, %m/%H/%r/%R the new main
// node, %M the old main id, %P/%N/%S the old primary id/host/port, %%
// a literal percent. Missing nodes yield "".
func (e *Engine) substitute(tmpl string, failedID, oldMain, oldPrimary, newMain, newPrimary int) substituteResult {
	if tmpl == "" {
		return ""
	}
	lookup := func(id int) (shmem.BackendDescriptor, bool) {
		if id < 0 {
			return shmem.BackendDescriptor{}, false
		}
		b, err := e.region.Backend(id)
		return b, err == nil
	}

	failed, failedOK := lookup(failedID)
	newMainB, newMainOK := lookup(newMain)
	oldPrimaryB, oldPrimaryOK := lookup(oldPrimary)

	str := func(ok bool, v string) string {
		if !ok {
			return ""
		}
		return v
	}
	num := func(ok bool, v int) string {
		if !ok {
			return ""
		}
		return fmt.Sprintf("%d", v)
	}

	var b strings.Builder
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '%' || i+1 >= len(tmpl) {
			b.WriteByte(tmpl[i])
			continue
		}
		i++
		switch tmpl[i] {
		case 'd':
			b.WriteString(num(failedOK, failed.ID))
		case 'h':
			b.WriteString(str(failedOK, failed.Host))
		case 'p':
			b.WriteString(num(failedOK, failed.Port))
		case 'D':
			b.WriteString(str(failedOK, failed.DataDirectory))
		case 'm':
			b.WriteString(num(newMain >= 0, newMain))
		case 'H':
			b.WriteString(str(newMainOK, newMainB.Host))
		case 'r':
			b.WriteString(num(newMainOK, newMainB.Port))
		case 'R':
			b.WriteString(str(newMainOK, newMainB.DataDirectory))
		case 'M':
			b.WriteString(num(oldMain >= 0, oldMain))
		case 'P':
			b.WriteString(num(oldPrimary >= 0, oldPrimary))
		case 'N':
			b.WriteString(str(oldPrimaryOK, oldPrimaryB.Host))
		case 'S':
			b.WriteString(num(oldPrimaryOK, oldPrimaryB.Port))
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(tmpl[i])
		}
	}
	return substituteResult(b.String())
}

// runFollowPrimaryProtocol implements step 8.
func (e *Engine) runFollowPrimaryProtocol(req reqqueue.Request, oldPrimary, newPrimary int) {
	if !e.cfg.StreamingReplication || e.cfg.FollowPrimaryCommand == "" {
		return
	}
	primaryWentDown := req.Kind == reqqueue.NodeDown && containsID(req.NodeIDs, oldPrimary)
	if !primaryWentDown && req.Kind != reqqueue.Promote {
		return
	}

	acquired, warnAlready := e.lock.Acquire(true, false)
	if warnAlready {
		e.log("[failover] follow-primary lock already held remotely, skipping this round")
	}
	if !acquired {
		return
	}
	defer e.lock.Release(false)

	var downIDs []int
	for _, b := range e.region.BackendsSnapshot() {
		if b.ID == newPrimary {
			continue
		}
		if err := e.region.SetBackendStatus(b.ID, shmem.StatusDown, false); err == nil {
			downIDs = append(downIDs, b.ID)
		}
	}

	if err := e.reg.SpawnFollowPrimary(); err != nil {
		e.log("[failover] follow-primary child spawn failed: %v", err)
		return
	}

	for _, id := range downIDs {
		line := string(e.substitute(e.cfg.FollowPrimaryCommand, id, -1, oldPrimary, newPrimary, newPrimary))
		if out, err := cmdutil.RunShell(line); err != nil {
			e.log("[failover] follow_primary_command for node %d failed: %v (%s)", id, err, out)
		}
	}
}

func (e *Engine) recordAudit(req reqqueue.Request, newMain, newPrimary int) {
	if e.publisher != nil {
		e.publisher.Broadcast("failover_transition", map[string]interface{}{
			"kind":            req.Kind.String(),
			"node_ids":        req.NodeIDs,
			"main_node_id":    newMain,
			"primary_node_id": newPrimary,
		}, "info")
	}

	if e.auditLog == nil {
		return
	}
	_ = e.auditLog.Log(audit.Event{
		Actor:    "failover",
		Action:   strings.ToLower(req.Kind.String()),
		Resource: fmt.Sprintf("nodes=%v main=%d primary=%d", req.NodeIDs, newMain, newPrimary),
		Success:  true,
	})
}
