package failover

import (
	"testing"

	"github.com/poolsuper/poolsuper/internal/reqqueue"
	"github.com/poolsuper/poolsuper/internal/shmem"
)

func newTestEngine(region *shmem.Region, cfg Config) *Engine {
	return New(region, nil, nil, nil, nil, nil, nil, cfg, nil)
}

func TestValidate_RejectsOutOfRangeNode(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	e := newTestEngine(region, Config{})
	ok := e.validate(reqqueue.Request{Kind: reqqueue.NodeDown, NodeIDs: []int{5}})
	if ok {
		t.Fatal("expected out-of-range node to be rejected")
	}
}

func TestValidate_RejectsNodeUpOnAlreadyUpNode(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	_ = region.SetBackendStatus(0, shmem.StatusUp, false)
	e := newTestEngine(region, Config{})
	ok := e.validate(reqqueue.Request{Kind: reqqueue.NodeUp, NodeIDs: []int{0}})
	if ok {
		t.Fatal("expected NODE_UP on already-UP node to be rejected")
	}
}

func TestValidate_AllowsNodeUpWithUpdateFlagOnUpNode(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	_ = region.SetBackendStatus(0, shmem.StatusUp, false)
	e := newTestEngine(region, Config{})
	ok := e.validate(reqqueue.Request{Kind: reqqueue.NodeUp, NodeIDs: []int{0}, Flags: reqqueue.FlagUpdate})
	if !ok {
		t.Fatal("expected UPDATE-flagged NODE_UP to be allowed even on an UP node")
	}
}

func TestValidate_RejectsNodeDownOnInvalidNode(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1) // both backends start UNUSED, not valid
	e := newTestEngine(region, Config{})
	ok := e.validate(reqqueue.Request{Kind: reqqueue.NodeDown, NodeIDs: []int{0}})
	if ok {
		t.Fatal("expected NODE_DOWN on a non-valid node to be rejected")
	}
}

func TestApplyTransition_NodeDownSetsStatus(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	_ = region.SetBackendStatus(0, shmem.StatusUp, false)
	e := newTestEngine(region, Config{})
	e.applyTransition(reqqueue.Request{Kind: reqqueue.NodeDown, NodeIDs: []int{0}})

	b, _ := region.Backend(0)
	if b.Status != shmem.StatusDown {
		t.Fatalf("expected status DOWN, got %v", b.Status)
	}
}

func TestApplyTransition_QuarantineSetsQuarantinedFlag(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	_ = region.SetBackendStatus(0, shmem.StatusUp, false)
	e := newTestEngine(region, Config{})
	e.applyTransition(reqqueue.Request{Kind: reqqueue.Quarantine, NodeIDs: []int{0}})

	b, _ := region.Backend(0)
	if b.Status != shmem.StatusDown || !b.Quarantined {
		t.Fatalf("expected DOWN+quarantined, got status=%v quarantined=%v", b.Status, b.Quarantined)
	}
}

func TestApplyTransition_NodeUpRestoresPrimaryRoleOnUpdate(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	_ = region.SetBackendRole(0, shmem.RolePrimary)
	e := newTestEngine(region, Config{})
	restored := e.applyTransition(reqqueue.Request{Kind: reqqueue.NodeUp, NodeIDs: []int{0}, Flags: reqqueue.FlagUpdate})
	if restored != 0 {
		t.Fatalf("expected restored primary id 0, got %d", restored)
	}
	b, _ := region.Backend(0)
	if b.Status != shmem.StatusConnectWait || b.Quarantined {
		t.Fatalf("expected CONNECT_WAIT, quarantine cleared, got status=%v quarantined=%v", b.Status, b.Quarantined)
	}
}

func TestDetermineNewPrimary_AlwaysPrimaryFlagWins(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	_ = region.SetBackendStatus(1, shmem.StatusUp, false)
	region.Backends[1].Flags |= shmem.FlagAlwaysPrimary
	e := newTestEngine(region, Config{SearchPrimary: true})

	got := e.determinePrimary(nil, reqqueue.Request{Kind: reqqueue.NodeDown, NodeIDs: []int{0}}, 0, -1)
	if got != 1 {
		t.Fatalf("expected ALWAYS_PRIMARY node 1 to win, got %d", got)
	}
}

func TestDetermineNewPrimary_SearchDisabledKeepsOldPrimary(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	e := newTestEngine(region, Config{SearchPrimary: false})
	got := e.determinePrimary(nil, reqqueue.Request{Kind: reqqueue.NodeDown, NodeIDs: []int{1}}, 0, -1)
	if got != 0 {
		t.Fatalf("expected old primary 0 kept when SearchPrimary disabled, got %d", got)
	}
}

func TestDetermineNewPrimary_StandbyDownKeepsPrimaryWithoutProbe(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	e := newTestEngine(region, Config{SearchPrimary: true, StreamingReplication: true})
	got := e.determinePrimary(nil, reqqueue.Request{Kind: reqqueue.NodeDown, NodeIDs: []int{1}}, 0, -1)
	if got != 0 {
		t.Fatalf("expected standby-down optimization to keep primary 0, got %d", got)
	}
}

func TestDecideRestartScope_FullRestartWhenNotStreaming(t *testing.T) {
	region := shmem.NewRegion(2, 2, 1)
	e := newTestEngine(region, Config{StreamingReplication: false})
	e.decideRestartScope(reqqueue.Request{Kind: reqqueue.NodeDown, NodeIDs: []int{1}}, 0, 0, false)

	for i := range region.Workers {
		if !region.Workers[i].NeedRestart {
			t.Fatalf("expected full restart to mark worker %d need_restart", i)
		}
	}
}

func TestDecideRestartScope_SelectiveRestartOnlyConnectedWorkers(t *testing.T) {
	region := shmem.NewRegion(2, 2, 1)
	region.Workers[0].Pools[0][1] = shmem.ConnInfo{Connected: true, LoadBalancingNode: 1}
	e := newTestEngine(region, Config{StreamingReplication: true})
	e.decideRestartScope(reqqueue.Request{Kind: reqqueue.NodeDown, NodeIDs: []int{1}, Flags: reqqueue.FlagSwitchover}, 0, 0, false)

	if !region.Workers[0].NeedRestart {
		t.Fatal("expected worker 0 (connected to node 1) to need restart")
	}
	if region.Workers[1].NeedRestart {
		t.Fatal("expected worker 1 (not connected to node 1) to not need restart")
	}
}

func TestSubstitute_FullTable(t *testing.T) {
	region := shmem.NewRegion(3, 1, 1)
	region.Backends[1] = shmem.BackendDescriptor{ID: 1, Host: "h1", Port: 5001, DataDirectory: "/data/1"}
	region.Backends[2] = shmem.BackendDescriptor{ID: 2, Host: "h2", Port: 5002, DataDirectory: "/data/2"}
	e := newTestEngine(region, Config{})

	tmpl := "failed=%d host=%h port=%p dir=%D newmain=%m newhost=%H oldmain=%M oldprimary=%P pct=%%"
	got := string(e.substitute(tmpl, 1, 0, 2, 2, 2))
	want := "failed=1 host=h1 port=5001 dir=/data/1 newmain=2 newhost=h2 oldmain=0 oldprimary=2 pct=%"
	if got != want {
		t.Fatalf("substitute mismatch:\ngot:  %s\nwant: %s", got, want)
	}
}

func TestSubstitute_MissingNodeYieldsEmptyString(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	e := newTestEngine(region, Config{})
	got := string(e.substitute("failed=%d main=%m", -1, -1, -1, -1, -1))
	if got != "failed= main=" {
		t.Fatalf("expected empty substitutions for missing nodes, got %q", got)
	}
}

func TestSubstitute_EmptyTemplateYieldsEmptyCommand(t *testing.T) {
	region := shmem.NewRegion(1, 1, 1)
	e := newTestEngine(region, Config{})
	if got := string(e.substitute("", 0, 0, 0, 0, 0)); got != "" {
		t.Fatalf("expected empty template to yield empty command, got %q", got)
	}
}
