package watchdogsync

import (
	"testing"

	"github.com/poolsuper/poolsuper/internal/reqqueue"
	"github.com/poolsuper/poolsuper/internal/shmem"
)

func newTestManager(region *shmem.Region, streaming bool) *Manager {
	return NewManager(nil, region, reqqueue.New(8), "local", "http://local", streaming)
}

func TestReconcile_LeaderDownWinsOverLocalUp(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	_ = region.SetBackendStatus(0, shmem.StatusUp, false)
	m := newTestManager(region, false)

	m.Reconcile(&BackendStatusVector{PrimaryNodeID: -1, Backends: []BackendStatusEntry{
		{ID: 0, Status: "down"},
	}})

	b, _ := region.Backend(0)
	if b.Status != shmem.StatusDown {
		t.Fatalf("expected leader DOWN to win, got %v", b.Status)
	}
}

func TestReconcile_LeaderUpOnlyOverridesLocalDown(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	_ = region.SetBackendStatus(0, shmem.StatusDown, false)
	m := newTestManager(region, false)

	m.Reconcile(&BackendStatusVector{PrimaryNodeID: -1, Backends: []BackendStatusEntry{
		{ID: 0, Status: "up"},
	}})

	b, _ := region.Backend(0)
	if b.Status != shmem.StatusConnectWait {
		t.Fatalf("expected local DOWN to move to CONNECT_WAIT on leader UP, got %v", b.Status)
	}
}

func TestReconcile_LeaderUpDoesNotOverrideLocalUp(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	_ = region.SetBackendStatus(0, shmem.StatusUp, false)
	m := newTestManager(region, false)

	m.Reconcile(&BackendStatusVector{PrimaryNodeID: -1, Backends: []BackendStatusEntry{
		{ID: 0, Status: "up"},
	}})

	b, _ := region.Backend(0)
	if b.Status != shmem.StatusUp {
		t.Fatalf("expected local UP to remain untouched, got %v", b.Status)
	}
}

func TestReconcile_QuarantineAlwaysCleared(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	_ = region.SetBackendStatus(0, shmem.StatusDown, false)
	_ = region.SetBackendQuarantined(0, true)
	m := newTestManager(region, false)

	m.Reconcile(&BackendStatusVector{PrimaryNodeID: -1, Backends: []BackendStatusEntry{
		{ID: 0, Status: "down", Quarantined: true},
	}})

	b, _ := region.Backend(0)
	if b.Quarantined {
		t.Fatal("expected quarantine to be cleared unconditionally")
	}
}

func TestReconcile_AdoptsLeaderPrimary(t *testing.T) {
	region := shmem.NewRegion(3, 1, 1)
	region.Info.PrimaryNodeID = 0
	m := newTestManager(region, true)

	m.Reconcile(&BackendStatusVector{PrimaryNodeID: 1, Backends: nil})

	if region.Info.PrimaryNodeID != 1 {
		t.Fatalf("expected primary adopted from leader, got %d", region.Info.PrimaryNodeID)
	}
}

func TestReconcile_LeaderMinusOneKeepsLocalPrimaryIfAlive(t *testing.T) {
	region := shmem.NewRegion(3, 1, 1)
	_ = region.SetBackendStatus(0, shmem.StatusUp, false)
	region.Info.PrimaryNodeID = 0
	m := newTestManager(region, true)

	m.Reconcile(&BackendStatusVector{PrimaryNodeID: -1, Backends: nil})

	if region.Info.PrimaryNodeID != 0 {
		t.Fatalf("expected local primary 0 kept when leader reports -1 but local primary alive, got %d", region.Info.PrimaryNodeID)
	}
}

func TestOnQuorumChanged_ReissuesFailbackForQuarantined(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	_ = region.SetBackendQuarantined(1, true)
	m := newTestManager(region, false)

	m.OnQuorumChanged(true)

	req, ok := m.queue.Dequeue()
	if !ok {
		t.Fatal("expected a failback request to be enqueued")
	}
	if req.Kind != reqqueue.NodeUp || req.NodeIDs[0] != 1 || !req.Flags.Has(reqqueue.FlagUpdate) {
		t.Fatalf("unexpected failback request: %+v", req)
	}
}

func TestOnQuorumChanged_NoOpWithoutQuorum(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	_ = region.SetBackendQuarantined(1, true)
	m := newTestManager(region, false)

	m.OnQuorumChanged(false)

	if !m.queue.Empty() {
		t.Fatal("expected no enqueue when quorum is not held")
	}
}

func TestOnInformQuarantineNodes_MarksQuarantinedDown(t *testing.T) {
	region := shmem.NewRegion(2, 1, 1)
	_ = region.SetBackendStatus(1, shmem.StatusUp, false)
	_ = region.SetBackendQuarantined(1, true)
	m := newTestManager(region, false)

	m.OnInformQuarantineNodes()

	b, _ := region.Backend(1)
	if b.Status != shmem.StatusDown {
		t.Fatalf("expected quarantined backend marked DOWN, got %v", b.Status)
	}
}

func TestHasQuorum_MajorityOfPeers(t *testing.T) {
	region := shmem.NewRegion(1, 1, 1)
	m := newTestManager(region, false)
	if !m.HasQuorum() {
		t.Fatal("expected quorum with zero peers (self-only majority)")
	}

	m.peers["p1"] = &Peer{ID: "p1", State: PeerUnreachable}
	m.peers["p2"] = &Peer{ID: "p2", State: PeerHealthy}
	if !m.HasQuorum() {
		t.Fatal("expected quorum with 2 of 3 reachable")
	}

	m.peers["p3"] = &Peer{ID: "p3", State: PeerUnreachable}
	if m.HasQuorum() {
		t.Fatal("expected no quorum with only 2 of 4 reachable")
	}
}
