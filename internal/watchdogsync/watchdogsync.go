// Package watchdogsync reconciles this supervisor's backend status
// vector against the current watchdog leader's, per spec.md §4.8.
//
// This is the closest direct adaptation of teacher code in the
// repository: daemon/internal/ha/cluster.go already implements "ping
// peers over HTTP, track reachability, reconcile a locally held view,
// support promotion of a peer" — exactly the shape this needs. The
// rewrite keeps the teacher's Manager/heartbeat-loop/HTTP-JSON-over-
// gorilla transport but replaces ClusterNode health bookkeeping with
// BackendStatusVector reconciliation, and renames the spec's
// reload_maste_node_id to recomputeMainNodeOnSync (REDESIGN FLAG,
// spec.md §9 Open Questions).
package watchdogsync

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/poolsuper/poolsuper/internal/reqqueue"
	"github.com/poolsuper/poolsuper/internal/shmem"
)

// PeerState is a watchdog peer's reachability as tracked by this node.
type PeerState string

const (
	PeerHealthy     PeerState = "healthy"
	PeerUnreachable PeerState = "unreachable"
	PeerUnknown     PeerState = "unknown"
)

// Peer is one other supervisor participating in watchdog quorum.
type Peer struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"` // http(s)://host:port of the peer's watchdog listener
	IsLeader    bool      `json:"is_leader"`
	State       PeerState `json:"state"`
	MissedBeats int       `json:"missed_beats"`
	LastSeen    time.Time `json:"last_seen"`
}

// BackendStatusEntry is one row of the authoritative vector a leader
// serves to standbys.
type BackendStatusEntry struct {
	ID          int    `json:"id"`
	Status      string `json:"status"` // "up" | "down" | "connect_wait" | "unused"
	Quarantined bool   `json:"quarantined"`
}

// BackendStatusVector is the full payload GET /watchdog/status returns.
type BackendStatusVector struct {
	PrimaryNodeID int                   `json:"primary_node_id"`
	Backends      []BackendStatusEntry  `json:"backends"`
}

// EventPublisher surfaces watchdog-sync events to the live operator
// dashboard (spec.md §6's /api/status/stream addition). A nil publisher
// is a valid no-op choice for deployments without the admin surface.
type EventPublisher interface {
	Broadcast(eventType string, data interface{}, level string)
}

// Manager owns this node's view of watchdog peers and drives
// reconciliation against the leader.
type Manager struct {
	db        *sql.DB
	region    *shmem.Region
	queue     *reqqueue.Queue
	localID   string
	localAddr string

	streamingReplication bool

	mu     sync.RWMutex
	peers  map[string]*Peer
	leader string // peer ID currently believed to be leader, "" if self or unknown

	client    *http.Client
	stopCh    chan struct{}
	publisher EventPublisher
}

// SetEventPublisher wires the live-dashboard hub. May be called any time
// before Start; nil disables broadcasting.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	m.publisher = p
}

// NewManager builds a Manager. db may be nil to disable persistence
// (useful in tests).
func NewManager(db *sql.DB, region *shmem.Region, queue *reqqueue.Queue, localID, localAddr string, streamingReplication bool) *Manager {
	return &Manager{
		db:                   db,
		region:               region,
		queue:                queue,
		localID:              localID,
		localAddr:            localAddr,
		streamingReplication: streamingReplication,
		peers:                make(map[string]*Peer),
		client:               &http.Client{Timeout: 5 * time.Second},
		stopCh:               make(chan struct{}),
	}
}

// Start loads persisted peers, if a db is configured, and begins the
// heartbeat loop.
func (m *Manager) Start() {
	if m.db != nil {
		if err := m.ensureSchema(); err != nil {
			log.Printf("[watchdogsync] schema error: %v", err)
		} else {
			m.loadPersistedPeers()
		}
	}
	go m.heartbeatLoop()
	log.Printf("[watchdogsync] manager started (local=%s)", m.localID)
}

// Stop halts the heartbeat goroutine.
func (m *Manager) Stop() { close(m.stopCh) }

// RegisterPeer adds or updates a watchdog peer.
func (m *Manager) RegisterPeer(p *Peer) error {
	if p.ID == "" || p.Address == "" {
		return fmt.Errorf("peer id and address are required")
	}
	if p.ID == m.localID {
		return fmt.Errorf("cannot register self as a watchdog peer")
	}
	m.mu.Lock()
	p.State = PeerUnknown
	m.peers[p.ID] = p
	m.mu.Unlock()
	return m.persistPeer(p)
}

// IsStandby reports whether this node currently believes a reachable
// peer holds leadership — the precondition for §4.8's "if the local
// node is STANDBY" trigger.
func (m *Manager) IsStandby() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	leader, ok := m.peers[m.leader]
	return ok && leader.State == PeerHealthy
}

// heartbeatLoop pings every peer every 15 seconds, exactly the
// teacher's cadence.
func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pingAllPeers()
		}
	}
}

func (m *Manager) pingAllPeers() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.pingPeer(id)
		}(id)
	}
	wg.Wait()
}

func (m *Manager) pingPeer(id string) {
	m.mu.RLock()
	peer, ok := m.peers[id]
	m.mu.RUnlock()
	if !ok {
		return
	}

	resp, err := m.client.Get(peer.Address + "/watchdog/health")

	m.mu.Lock()
	defer m.mu.Unlock()
	peer, ok = m.peers[id]
	if !ok {
		return
	}
	if err != nil || resp.StatusCode != http.StatusOK {
		peer.MissedBeats++
		if peer.MissedBeats >= 2 {
			wasHealthy := peer.State == PeerHealthy
			peer.State = PeerUnreachable
			log.Printf("[watchdogsync] peer %s is UNREACHABLE (missed %d beats)", id, peer.MissedBeats)
			if m.leader == id {
				m.leader = ""
			}
			if wasHealthy && m.publisher != nil {
				m.publisher.Broadcast("watchdog_peer_unreachable", map[string]interface{}{"peer_id": id}, "warning")
			}
		}
	} else {
		resp.Body.Close()
		peer.State = PeerHealthy
		peer.LastSeen = time.Now()
		peer.MissedBeats = 0
		if peer.IsLeader {
			m.leader = id
		}
	}
	go m.persistPeer(peer)
}

// FetchLeaderVector retrieves the authoritative backend status vector
// from the current leader over HTTP.
func (m *Manager) FetchLeaderVector() (*BackendStatusVector, error) {
	m.mu.RLock()
	leader, ok := m.peers[m.leader]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no known watchdog leader")
	}

	resp, err := m.client.Get(leader.Address + "/watchdog/status")
	if err != nil {
		return nil, fmt.Errorf("fetch leader vector: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch leader vector: status %d", resp.StatusCode)
	}

	var vec BackendStatusVector
	if err := json.NewDecoder(resp.Body).Decode(&vec); err != nil {
		return nil, fmt.Errorf("fetch leader vector: decode: %w", err)
	}
	return &vec, nil
}

// LocalVector serves this node's own status vector, for a peer's
// FetchLeaderVector call when this node is leader.
func (m *Manager) LocalVector() BackendStatusVector {
	backends := m.region.BackendsSnapshot()
	vec := BackendStatusVector{PrimaryNodeID: m.region.Info.PrimaryNodeID}
	for _, b := range backends {
		vec.Backends = append(vec.Backends, BackendStatusEntry{
			ID:          b.ID,
			Status:      b.Status.String(),
			Quarantined: b.Quarantined,
		})
	}
	return vec
}

// Reconcile applies spec.md §4.8's per-backend rules against vec,
// mirroring the restart-scope decision of §4.5 step 6: full restart if
// the primary changed or replication isn't streaming, else selective
// restart for slots holding connections to downed nodes.
func (m *Manager) Reconcile(vec *BackendStatusVector) {
	oldPrimary := m.region.Info.PrimaryNodeID
	primaryChanged := false

	for _, entry := range vec.Backends {
		local, err := m.region.Backend(entry.ID)
		if err != nil {
			continue
		}

		switch {
		case entry.Status == "down" && local.Status != shmem.StatusDown:
			_ = m.region.SetBackendStatus(entry.ID, shmem.StatusDown, false)
		case (entry.Status == "up" || entry.Status == "connect_wait") && local.Status == shmem.StatusDown:
			_ = m.region.SetBackendStatus(entry.ID, shmem.StatusConnectWait, false)
		}

		// Quarantine is always cleared to the leader's authoritative view.
		if local.Quarantined {
			_ = m.region.SetBackendQuarantined(entry.ID, false)
		}
	}

	if m.streamingReplication {
		newPrimary := vec.PrimaryNodeID
		if newPrimary == -1 {
			if alive, _ := m.region.Backend(oldPrimary); alive.Valid() {
				newPrimary = oldPrimary // leader's -1 is likely a quarantine at the leader, keep local
			}
		}
		primaryChanged = newPrimary != oldPrimary
		m.region.RequestInfoMu.Lock()
		m.region.Info.PrimaryNodeID = newPrimary
		m.region.RequestInfoMu.Unlock()
		if primaryChanged && m.publisher != nil {
			m.publisher.Broadcast("watchdog_primary_changed", map[string]interface{}{"old_primary": oldPrimary, "new_primary": newPrimary}, "info")
		}
	}

	m.recomputeMainNodeOnSync()
	m.applyRestartScope(primaryChanged)
}

// recomputeMainNodeOnSync recomputes main_node_id after a
// reconciliation pass. Named for the rewrite rather than the spec's
// literal "reload_maste_node_id" (a typo in the Open Questions list
// spec.md §9 asked us to resolve).
func (m *Manager) recomputeMainNodeOnSync() {
	next := m.region.NextMainNode()
	m.region.RequestInfoMu.Lock()
	m.region.Info.MainNodeID = next
	m.region.RequestInfoMu.Unlock()
}

func (m *Manager) applyRestartScope(primaryChanged bool) {
	if !m.streamingReplication || primaryChanged {
		for i := range m.region.Workers {
			_ = m.region.SetWorkerNeedRestart(i, true)
		}
		return
	}

	for _, b := range m.region.BackendsSnapshot() {
		if b.Status != shmem.StatusDown {
			continue
		}
		for i := range m.region.Workers {
			connects, _ := m.region.WorkerConnectsTo(i, b.ID)
			if connects {
				_ = m.region.SetWorkerNeedRestart(i, true)
			}
		}
	}
}

// OnQuorumChanged implements §4.8's WATCHDOG_QUORUM_CHANGED handling:
// if quorum is now held, reissue failback requests for every
// quarantined backend.
func (m *Manager) OnQuorumChanged(quorumHeld bool) {
	if m.publisher != nil {
		level := "info"
		if !quorumHeld {
			level = "critical"
		}
		m.publisher.Broadcast("watchdog_quorum_changed", map[string]interface{}{"quorum_held": quorumHeld}, level)
	}
	if !quorumHeld {
		return
	}
	for _, b := range m.region.BackendsSnapshot() {
		if b.Quarantined {
			m.queue.Enqueue(reqqueue.Request{
				Kind:    reqqueue.NodeUp,
				NodeIDs: []int{b.ID},
				Flags:   reqqueue.FlagUpdate | reqqueue.FlagWatchdog,
			})
		}
	}
}

// OnInformQuarantineNodes implements §4.8's INFORM_QUARANTINE_NODES
// handling: degenerate (mark DOWN) every quarantined backend.
func (m *Manager) OnInformQuarantineNodes() {
	for _, b := range m.region.BackendsSnapshot() {
		if b.Quarantined {
			_ = m.region.SetBackendStatus(b.ID, shmem.StatusDown, false)
		}
	}
}

// HasQuorum reports whether a majority of known peers (including
// self) are reachable.
func (m *Manager) HasQuorum() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := len(m.peers) + 1
	reachable := 1
	for _, p := range m.peers {
		if p.State == PeerHealthy {
			reachable++
		}
	}
	return reachable > total/2
}

func (m *Manager) ensureSchema() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS watchdog_peers (
			peer_id      TEXT PRIMARY KEY,
			address      TEXT NOT NULL,
			is_leader    INTEGER NOT NULL DEFAULT 0,
			state        TEXT NOT NULL DEFAULT 'unknown',
			missed_beats INTEGER NOT NULL DEFAULT 0,
			last_seen    INTEGER NOT NULL DEFAULT 0
		)
	`)
	return err
}

func (m *Manager) persistPeer(p *Peer) error {
	if m.db == nil {
		return nil
	}
	_, err := m.db.Exec(`
		INSERT INTO watchdog_peers (peer_id, address, is_leader, state, missed_beats, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			address=excluded.address, is_leader=excluded.is_leader,
			state=excluded.state, missed_beats=excluded.missed_beats, last_seen=excluded.last_seen
	`, p.ID, p.Address, p.IsLeader, string(p.State), p.MissedBeats, p.LastSeen.Unix())
	return err
}

func (m *Manager) loadPersistedPeers() {
	rows, err := m.db.Query(`SELECT peer_id, address, is_leader, last_seen FROM watchdog_peers`)
	if err != nil {
		return
	}
	defer rows.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	for rows.Next() {
		p := &Peer{State: PeerUnknown}
		var isLeader int
		var lastSeenUnix int64
		if err := rows.Scan(&p.ID, &p.Address, &isLeader, &lastSeenUnix); err != nil {
			continue
		}
		p.IsLeader = isLeader != 0
		p.LastSeen = time.Unix(lastSeenUnix, 0)
		m.peers[p.ID] = p
	}
	log.Printf("[watchdogsync] loaded %d persisted peers", len(m.peers))
}

// FailoverStart and FailoverEnd implement failover.PeerNotifier: at the
// start and end of a failover this node posts the request to every
// healthy peer. A receiving peer only logs the notification
// (ServeFailoverStart/ServeFailoverEnd); its heartbeat reconciliation
// and other operations are not paused.
func (m *Manager) FailoverStart(req reqqueue.Request) {
	m.broadcast("/watchdog/failover-start", req)
}

func (m *Manager) FailoverEnd(req reqqueue.Request) {
	m.broadcast("/watchdog/failover-end", req)
}

func (m *Manager) broadcast(path string, req reqqueue.Request) {
	m.mu.RLock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.RUnlock()

	body, err := json.Marshal(req)
	if err != nil {
		log.Printf("[watchdogsync] marshal failover notification: %v", err)
		return
	}
	for _, p := range peers {
		if p.State != PeerHealthy {
			continue
		}
		go func(addr string) {
			resp, err := m.client.Post(addr+path, "application/json", bytes.NewReader(body))
			if err != nil {
				log.Printf("[watchdogsync] notify %s failed: %v", addr, err)
				return
			}
			resp.Body.Close()
		}(p.Address)
	}
}

// ServeStatus is an http.HandlerFunc exposing this node's vector for
// peers whose leader is this node — wired into the watchdog listener
// alongside /watchdog/health.
func (m *Manager) ServeStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.LocalVector()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ServeHealth is the liveness probe pingPeer polls every heartbeat tick.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// ServeFailoverStart receives a peer's FailoverStart broadcast.
func (m *Manager) ServeFailoverStart(w http.ResponseWriter, r *http.Request) {
	var req reqqueue.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.Printf("[watchdogsync] peer failover-start: kind=%s nodes=%v", req.Kind, req.NodeIDs)
	w.WriteHeader(http.StatusOK)
}

// ServeFailoverEnd receives a peer's FailoverEnd broadcast.
func (m *Manager) ServeFailoverEnd(w http.ResponseWriter, r *http.Request) {
	var req reqqueue.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.Printf("[watchdogsync] peer failover-end: kind=%s nodes=%v", req.Kind, req.NodeIDs)
	w.WriteHeader(http.StatusOK)
}
