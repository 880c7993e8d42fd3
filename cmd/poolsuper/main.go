// Command poolsuper is the connection-pooling proxy supervisor: it
// owns cluster-wide backend health, drives failover/failback, restarts
// worker processes, and synchronizes with peer watchdog instances. See
// SPEC_FULL.md. Query routing, PCP admin RPC, and the watchdog
// consensus protocol itself are out of scope (spec.md §1 Non-goals) —
// query worker and PCP processes here are supervised stubs that hold
// their OS-level slot in the registry without implementing protocol
// logic.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/poolsuper/poolsuper/internal/api"
	"github.com/poolsuper/poolsuper/internal/audit"
	"github.com/poolsuper/poolsuper/internal/config"
	"github.com/poolsuper/poolsuper/internal/failover"
	"github.com/poolsuper/poolsuper/internal/followprimary"
	"github.com/poolsuper/poolsuper/internal/listener"
	"github.com/poolsuper/poolsuper/internal/primaryfinder"
	"github.com/poolsuper/poolsuper/internal/registry"
	"github.com/poolsuper/poolsuper/internal/reqqueue"
	"github.com/poolsuper/poolsuper/internal/shmem"
	"github.com/poolsuper/poolsuper/internal/sigrouter"
	"github.com/poolsuper/poolsuper/internal/statusfile"
	"github.com/poolsuper/poolsuper/internal/watchdogsync"
	"github.com/poolsuper/poolsuper/internal/websocket"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "/etc/poolsuper/poolsuper.toml", "Path to TOML config file")
	discardStatus := flag.Bool("discard-status", false, "Wipe persisted node state on startup")
	clearMemcacheOIDMaps := flag.Bool("clear-memcache-oidmaps", false, "Wipe query-cache OID maps on startup (no-op: query cache is out of scope)")
	adminListen := flag.String("admin-listen", "127.0.0.1:9898", "Admin HTTP surface listen address")
	workerRole := flag.String("worker-role", "", "internal: re-exec entrypoint for a supervised worker process")
	workerIndex := flag.Int("worker-index", 0, "internal: slot index passed to a re-exec'd worker")
	flag.Parse()

	if *workerRole != "" {
		runWorkerStub(*workerRole, *workerIndex)
		return
	}

	cfg := config.Defaults()
	cfg.DiscardStatus = *discardStatus
	cfg.ClearMemcacheOIDMaps = *clearMemcacheOIDMaps
	cfg, err := config.LoadFile(*configPath, cfg)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if len(cfg.Backends) == 0 {
		// No TOML file on this host yet — fall back to a single local
		// backend so the supervisor has something to own.
		cfg.Backends = []config.Backend{{Host: "localhost", Port: 5432}}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		log.Fatalf("mkdir log_dir: %v", err)
	}
	if err := os.MkdirAll(cfg.SocketDir, 0o755); err != nil {
		log.Fatalf("mkdir socket_dir: %v", err)
	}
	if err := os.MkdirAll(cfg.PCPSocketDir, 0o755); err != nil {
		log.Fatalf("mkdir pcp_socket_dir: %v", err)
	}

	backlog := listener.Backlog(cfg.Limits.NumInitChildren, cfg.ListenBacklogMultiplier)
	sockets, err := listener.Listen(cfg.ClientSocketPath(), cfg.PCPSocketPath(), cfg.ListenAddresses, cfg.Port, cfg.PCPPort, backlog)
	if err != nil {
		log.Fatalf("socket bind/listen: %v", err)
	}
	defer sockets.Close()
	sockets.DrainAccept(func(format string, args ...interface{}) { log.Printf(format, args...) })
	log.Printf("[poolsuper] listening: client=%s pcp=%s inet=%d backlog=%d", cfg.ClientSocketPath(), cfg.PCPSocketPath(), len(sockets.INET), backlog)

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=30000&_synchronous=NORMAL")
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := audit.EnsureSchema(db); err != nil {
		log.Fatalf("audit schema: %v", err)
	}
	if err := statusfile.EnsureSchema(db); err != nil {
		log.Fatalf("statusfile schema: %v", err)
	}

	auditKey, err := audit.LoadOrCreateAuditKey(cfg.LogDir + "/audit.key")
	if err != nil {
		log.Printf("WARNING: audit HMAC key unavailable (%v) — chain disabled", err)
		auditKey = nil
	}
	auditLog := audit.NewBufferedLogger(db, 100, 5*time.Second, auditKey)
	auditLog.Start()
	defer auditLog.Stop()

	region := shmem.NewRegion(len(cfg.Backends), cfg.Limits.NumInitChildren, cfg.Limits.MaxPool)
	for i, b := range cfg.Backends {
		var flags shmem.BackendFlag
		if b.AlwaysPrimary {
			flags |= shmem.FlagAlwaysPrimary
		}
		if b.DisallowFailover {
			flags |= shmem.FlagDisallowToFailover
		}
		region.Backends[i] = shmem.BackendDescriptor{
			ID:            i,
			Host:          b.Host,
			Port:          b.Port,
			DataDirectory: b.DataDirectory,
			Flags:         flags,
			Status:        shmem.StatusConnectWait,
		}
	}

	if cfg.DiscardStatus {
		if err := statusfile.Discard(cfg.StatusFilePath()); err != nil {
			log.Printf("WARNING: discard status file: %v", err)
		}
	}
	if statuses, err := statusfile.Load(cfg.StatusFilePath()); err != nil {
		log.Printf("WARNING: load status file: %v", err)
	} else if statuses != nil {
		statuses = statusfile.Normalize(statuses)
		for i, s := range statuses {
			if i >= len(cfg.Backends) {
				break
			}
			_ = region.SetBackendStatus(i, s, false)
		}
	}

	lock := followprimary.New()

	targets := make([]primaryfinder.Target, len(cfg.Backends))
	for i, b := range cfg.Backends {
		targets[i] = primaryfinder.Target{ID: i, Host: b.Host, Port: b.Port}
	}

	router := sigrouter.New()
	router.Start()
	defer router.Stop()

	queue := reqqueue.New(64)

	var wdMgr *watchdogsync.Manager
	if cfg.UseWatchdog {
		localID := config.ResolveWatchdogLocalID(cfg.WatchdogLocalID)
		localAddr := cfg.WatchdogLocalAddr
		if localAddr == "" {
			localAddr = "http://" + *adminListen
		}
		wdMgr = watchdogsync.NewManager(db, region, queue, localID, localAddr, cfg.StreamingReplication)
		for _, addr := range cfg.WatchdogPeers {
			peer := &watchdogsync.Peer{ID: addr, Address: addr, IsLeader: addr == cfg.WatchdogLeaderID}
			if err := wdMgr.RegisterPeer(peer); err != nil {
				log.Printf("WARNING: register watchdog peer %s: %v", addr, err)
			}
		}
		wdMgr.Start()
		defer wdMgr.Stop()
	}

	self, err := os.Executable()
	if err != nil {
		log.Fatalf("resolve executable path: %v", err)
	}
	spawn := func(role registry.Role, index int) (*exec.Cmd, error) {
		cmd := exec.Command(self, "--worker-role", role.String(), "--worker-index", strconv.Itoa(index))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd, nil
	}

	shutdownCode := make(chan int, 1)
	reg := registry.New(region, spawn, func(code int) {
		select {
		case shutdownCode <- code:
		default:
		}
	}, func(format string, args ...interface{}) { log.Printf(format, args...) })
	reg.SetSwitchingSource(queue.IsSwitching)

	if err := reg.SpawnQueryWorkers(cfg.Limits.NumInitChildren); err != nil {
		log.Fatalf("spawn query workers: %v", err)
	}
	if err := reg.SpawnSingleton(registry.RolePCPWorker); err != nil {
		log.Fatalf("spawn PCP worker: %v", err)
	}
	if cfg.UseWatchdog {
		if err := reg.SpawnSingleton(registry.RoleWatchdog); err != nil {
			log.Printf("WARNING: spawn watchdog child: %v", err)
		}
	}

	engine := failover.New(region, queue, reg, lock, peerNotifier(wdMgr), auditLog, targets, failover.Config{
		StreamingReplication: cfg.StreamingReplication,
		SearchPrimaryTimeout: time.Duration(cfg.SearchPrimaryNodeTimeout) * time.Second,
		DetachFalsePrimary:   cfg.DetachFalsePrimary,
		SearchPrimary:        true,
		ProbeUsername:        cfg.Username,
		ProbeDatabase:        cfg.Database,
		FailoverCommand:      cfg.FailoverCommand,
		FailbackCommand:      cfg.FailbackCommand,
		FollowPrimaryCommand: cfg.FollowPrimaryCommand,
	}, func(format string, args ...interface{}) { log.Printf(format, args...) })

	hub := websocket.NewEventHub()
	go hub.Run()
	engine.SetEventPublisher(hub)
	if wdMgr != nil {
		wdMgr.SetEventPublisher(hub)
	}

	adminSrv := api.New(region, lock, wdMgr, auditLog, hub, version)
	httpServer := &http.Server{Addr: *adminListen, Handler: adminSrv.Router()}
	go func() {
		log.Printf("[poolsuper] admin surface listening on %s", *adminListen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("admin surface error: %v", err)
		}
	}()

	saveStatus := func() {
		backends := region.BackendsSnapshot()
		statuses := make([]shmem.BackendStatus, len(backends))
		rows := make([]statusfile.HistoryRow, len(backends))
		for i, b := range backends {
			statuses[i] = b.Status
			rows[i] = statusfile.HistoryRow{BackendID: b.ID, Status: b.Status.String()}
		}
		if err := statusfile.Save(cfg.StatusFilePath(), statuses); err != nil {
			log.Printf("WARNING: save status file: %v", err)
		}
		if err := statusfile.RecordHistory(db, rows); err != nil {
			log.Printf("WARNING: record status history: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handlers := map[sigrouter.SignalFlag]func(){
		sigrouter.FailoverInterrupt: func() {
			engine.DrainQueue(ctx)
			saveStatus()
		},
	}
	if wdMgr != nil {
		handlers[sigrouter.BackendSyncRequired] = func() {
			if vec, err := wdMgr.FetchLeaderVector(); err == nil {
				wdMgr.Reconcile(vec)
				saveStatus()
			}
		}
		handlers[sigrouter.WatchdogStateChanged] = handlers[sigrouter.BackendSyncRequired]
		handlers[sigrouter.WatchdogQuorumChanged] = func() {
			wdMgr.OnQuorumChanged(wdMgr.HasQuorum())
			if !queue.Empty() {
				router.Notify(sigrouter.FailoverInterrupt)
			}
		}
		handlers[sigrouter.InformQuarantineNodes] = func() { wdMgr.OnInformQuarantineNodes(); saveStatus() }
	}

	log.Printf("poolsuper supervisor v%s starting (backends=%d, workers=%d)", version, len(cfg.Backends), cfg.Limits.NumInitChildren)

	for {
		select {
		case code := <-shutdownCode:
			log.Printf("[poolsuper] child reported FATAL, terminating with code %d", code)
			reg.Shutdown(syscall.SIGTERM, 30*time.Second)
			shutdownHTTP(httpServer)
			os.Exit(code)
		default:
		}

		if sig, ok := router.TakeShutdownRequest(); ok {
			log.Printf("[poolsuper] received %v, shutting down", sig)
			reg.Shutdown(syscall.SIGTERM, 30*time.Second)
			shutdownHTTP(httpServer)
			return
		}

		router.TakeWakeupRequest() // SIGUSR2: worker wake, no supervisor-side action needed
		if router.TakeSigusr1Request() {
			router.DrainSigusr1(handlers)
		}
		if router.TakeSigchldRequest() {
			reg.Reap()
		}
		if router.TakeReloadConfigRequest() {
			if reloaded, err := config.LoadFile(*configPath, cfg); err != nil {
				log.Printf("WARNING: config reload failed: %v", err)
			} else {
				cfg = reloaded
				log.Printf("[poolsuper] configuration reloaded")
			}
		}

		router.Wait(3 * time.Second)
	}
}

func shutdownHTTP(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("admin surface shutdown: %v", err)
	}
}

// peerNotifier adapts a possibly-nil *watchdogsync.Manager to
// failover.PeerNotifier — a standalone deployment with use_watchdog
// disabled passes a real nil interface value, which failover.Engine
// treats as "no peers to notify."
func peerNotifier(m *watchdogsync.Manager) failover.PeerNotifier {
	if m == nil {
		return nil
	}
	return m
}

// runWorkerStub is the re-exec entrypoint for every supervised child
// role. Query routing, PCP admin RPC, and the watchdog wire protocol
// are out of scope (spec.md §1 Non-goals) — the stub's only job is to
// hold its OS-level slot and exit cleanly on SIGTERM so the registry's
// reap/respawn policy has a real process to track.
func runWorkerStub(role string, index int) {
	log.Printf("[%s/%d] worker stub started (pid %d)", role, index, os.Getpid())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	log.Printf("[%s/%d] worker stub exiting", role, index)
}
