// Package config resolves supervisor startup options from command-line
// flags and an optional TOML file, following the teacher's layered
// approach in cmd/dplaned/main.go (flags first, falling back to
// persisted/file-based values) — adapted here to github.com/BurntSushi/toml
// since the supervisor's option set (spec.md §6) is too large for flags
// alone.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Limits bounds the shared-memory region's fixed-size arenas, built once
// at startup and never resized (see shmem.Region).
type Limits struct {
	NumBackends int `toml:"num_backends"`
	NumInitChildren int `toml:"num_init_children"`
	MaxPool     int `toml:"max_pool"`
}

// Backend is one statically configured downstream database.
type Backend struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	DataDirectory string `toml:"data_directory"`
	AlwaysPrimary bool   `toml:"always_primary"`
	DisallowFailover bool `toml:"disallow_to_failover"`
}

// Config is the fully resolved set of options listed in spec.md §6,
// after flags have been applied over any TOML file contents.
type Config struct {
	Limits   Limits    `toml:"limits"`
	Backends []Backend `toml:"backend"`

	ListenAddresses []string `toml:"listen_addresses"`
	SocketDir       string   `toml:"socket_dir"`
	PCPSocketDir    string   `toml:"pcp_socket_dir"`
	Port            int      `toml:"port"`
	PCPPort         int      `toml:"pcp_port"`
	ListenBacklogMultiplier int `toml:"listen_backlog_multiplier"`

	Username string `toml:"username"`
	Database string `toml:"database"`

	DetachFalsePrimary      bool   `toml:"detach_false_primary"`
	FailoverCommand         string `toml:"failover_command"`
	FailbackCommand         string `toml:"failback_command"`
	FollowPrimaryCommand    string `toml:"follow_primary_command"`
	SearchPrimaryNodeTimeout int   `toml:"search_primary_node_timeout"`
	StreamingReplication    bool   `toml:"streaming_replication_mode"`

	UseWatchdog      bool   `toml:"use_watchdog"`
	WatchdogLocalID   string `toml:"watchdog_local_id"`
	WatchdogLocalAddr string `toml:"watchdog_local_addr"`
	WatchdogPeers     []string `toml:"watchdog_peers"`
	// WatchdogLeaderID names the statically designated leader's peer
	// address, mirroring pgpool-II's own static-priority watchdog config
	// rather than running a leader-election protocol (spec.md §4.8 leaves
	// leader selection unspecified; a fixed leader is the simplest choice
	// that satisfies "if the local node is STANDBY, fetch from the
	// leader"). Leave empty on the node that IS the leader.
	WatchdogLeaderID string `toml:"watchdog_leader_id"`

	MemoryCacheEnabled    bool `toml:"memory_cache_enabled"`
	EnableSharedRelcache  bool `toml:"enable_shared_relcache"`

	LogDir string `toml:"log_dir"`
	DBPath string `toml:"db_path"`

	DiscardStatus        bool `toml:"-"`
	ClearMemcacheOIDMaps bool `toml:"-"`
}

// Defaults returns the built-in option values applied before a TOML
// file or flags are read, mirroring the literal defaults the teacher
// passes to flag.String (e.g. "127.0.0.1:9000").
func Defaults() Config {
	return Config{
		Limits: Limits{
			NumBackends:     2,
			NumInitChildren: 32,
			MaxPool:         4,
		},
		ListenAddresses:         []string{"localhost"},
		SocketDir:               "/tmp",
		PCPSocketDir:            "/tmp",
		Port:                    9999,
		PCPPort:                 9898,
		ListenBacklogMultiplier: 2,
		Username:                "postgres",
		Database:                "postgres",
		SearchPrimaryNodeTimeout: 10,
		StreamingReplication:     true,
		LogDir:                   "/var/log/poolsuper",
		DBPath:                   "/var/lib/poolsuper/poolsuper.db",
	}
}

// LoadFile merges a TOML file's contents into base, returning the
// result. A missing file is not an error — config entirely from
// flags/defaults is a valid startup mode.
func LoadFile(path string, base Config) (Config, error) {
	if path == "" {
		return base, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return base, nil
	}
	if _, err := toml.DecodeFile(path, &base); err != nil {
		return base, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return base, nil
}

// Validate enforces the "configuration invalid is fatal at startup"
// rule from spec.md §7.
func (c Config) Validate() error {
	if c.Limits.NumInitChildren <= 0 {
		return fmt.Errorf("config: num_init_children must be > 0, got %d", c.Limits.NumInitChildren)
	}
	if c.Limits.MaxPool <= 0 {
		return fmt.Errorf("config: max_pool must be > 0, got %d", c.Limits.MaxPool)
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("config: at least one [[backend]] is required")
	}
	if c.SocketDir == "" || c.PCPSocketDir == "" {
		return fmt.Errorf("config: socket_dir and pcp_socket_dir must be set")
	}
	if c.Port == c.PCPPort {
		return fmt.Errorf("config: port and pcp_port must differ, both %d", c.Port)
	}
	return nil
}

// ClientSocketPath returns the Unix-domain socket path for client
// connections, per spec.md §6's ".s.PGSQL.<port>" naming.
func (c Config) ClientSocketPath() string {
	return fmt.Sprintf("%s/.s.PGSQL.%d", strings.TrimRight(c.SocketDir, "/"), c.Port)
}

// PCPSocketPath returns the Unix-domain socket path for the PCP control
// channel.
func (c Config) PCPSocketPath() string {
	return fmt.Sprintf("%s/.s.PGSQL.%d", strings.TrimRight(c.PCPSocketDir, "/"), c.PCPPort)
}

// StatusFilePath returns the path to the persisted backend-status file.
func (c Config) StatusFilePath() string {
	return strings.TrimRight(c.LogDir, "/") + "/pgpool_status"
}

// ResolveWatchdogLocalID returns the configured watchdog node ID, or
// derives one the way the teacher's handlers.LocalNodeID does
// (/etc/machine-id, truncated, falling back to hostname) — and, only
// when neither source is available, a random UUID so two
// unconfigured instances on ephemeral/container hosts never collide.
func ResolveWatchdogLocalID(configured string) string {
	if configured != "" {
		return configured
	}
	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		id := strings.TrimSpace(string(data))
		if len(id) >= 8 {
			return id[:8]
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
