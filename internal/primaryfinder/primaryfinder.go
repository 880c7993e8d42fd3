// Package primaryfinder probes backends to discover which one is
// currently primary, per spec.md §4.6. Grounded on
// teradata-labs-loom/internal/pgxdriver/pool.go's pattern of building
// a pool from a small config struct and applying connect-time hooks —
// adapted here to a one-shot, tiny-pool probe connection per backend
// instead of a long-lived application pool.
package primaryfinder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/poolsuper/poolsuper/internal/shmem"
)

// Role is the outcome of probing one backend.
type Role int

const (
	Unknown Role = iota
	Primary
	Standby
	Unused
	Invalid
)

// Target describes one backend to probe.
type Target struct {
	ID            int
	Host          string
	Port          int
	ConnectString string // optional full DSN override; built from Host/Port if empty
}

// Result is one backend's probe outcome.
type Result struct {
	ID      int
	Role    Role
	Version string
}

// Options configures the search.
type Options struct {
	DetachFalsePrimary bool
	ConnectTimeout     time.Duration // per-probe connect timeout
}

// buildDSN mirrors the teacher's quote-every-value libpq DSN builder,
// trimmed to the fields a probe connection needs.
func buildDSN(t Target, username, database string) string {
	if t.ConnectString != "" {
		return t.ConnectString
	}
	host := t.Host
	// localhost and a Unix-socket directory are equivalent addresses for
	// ownership comparison purposes (spec.md §4.6); pgx dials a Unix
	// socket when host starts with '/', which libpq also treats as
	// "localhost" for auth purposes.
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=prefer connect_timeout=5",
		quote(host), t.Port, quote(username), quote(database))
}

func quote(v string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v)
	return "'" + escaped + "'"
}

// probe opens a tiny one-shot pool, runs pg_is_in_recovery(), and
// closes it. A connection failure classifies the backend UNUSED
// rather than erroring the whole search, matching spec.md §4.6's
// "otherwise UNUSED" rule.
func probe(ctx context.Context, t Target, username, database string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(buildDSN(t, username, database))
	if err != nil {
		return Result{ID: t.ID, Role: Unused}
	}
	cfg.MaxConns = 1
	cfg.MinConns = 0

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return Result{ID: t.ID, Role: Unused}
	}
	defer pool.Close()

	var inRecovery bool
	if err := pool.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return Result{ID: t.ID, Role: Unused}
	}

	var version string
	_ = pool.QueryRow(ctx, "SHOW server_version").Scan(&version)

	role := Primary
	if inRecovery {
		role = Standby
	}
	return Result{ID: t.ID, Role: role, Version: version}
}

// walReceiverOwner reports whether standby t's pg_stat_wal_receiver
// entry names primaryHost:primaryPort as its upstream, treating
// "localhost" as equivalent to a Unix-socket primary host per
// spec.md §4.6.
func walReceiverOwner(ctx context.Context, t Target, username, database string, primaryHost string, primaryPort int, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(buildDSN(t, username, database))
	if err != nil {
		return false
	}
	cfg.MaxConns = 1
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return false
	}
	defer pool.Close()

	var status, connHost string
	var connPort int
	err = pool.QueryRow(ctx,
		"SELECT status, sender_host, sender_port FROM pg_stat_wal_receiver").
		Scan(&status, &connHost, &connPort)
	if err != nil {
		return false
	}
	if status != "streaming" {
		return false
	}
	return hostEqual(connHost, primaryHost) && connPort == primaryPort
}

func hostEqual(a, b string) bool {
	norm := func(h string) string {
		if h == "" || h == "localhost" || strings.HasPrefix(h, "/") {
			return "localhost"
		}
		return h
	}
	return norm(a) == norm(b)
}

// versionAtLeast96 reports whether a Postgres "SHOW server_version"
// string is ≥ 9.6.0. Only the major.minor pair is compared.
func versionAtLeast96(v string) bool {
	var maj, min int
	if _, err := fmt.Sscanf(v, "%d.%d", &maj, &min); err != nil {
		return false
	}
	if maj != 9 {
		return maj > 9
	}
	return min >= 6
}

// Find runs one round of probing against every valid backend in
// region, classifies results, and applies the resolution rules from
// spec.md §4.6. It does not retry; see Search for the retry wrapper.
func Find(ctx context.Context, region *shmem.Region, targets []Target, username, database string, opt Options) (primaryID int, invalidIDs []int, err error) {
	backends := region.BackendsSnapshot()
	valid := make(map[int]bool, len(backends))
	for _, b := range backends {
		if b.Valid() {
			valid[b.ID] = true
		}
	}

	var results []Result
	for _, t := range targets {
		if !valid[t.ID] {
			continue
		}
		results = append(results, probe(ctx, t, username, database, opt.ConnectTimeout))
	}

	var primaries, standbys []Result
	for _, r := range results {
		if r.Version != "" {
			_ = region.SetBackendVersion(r.ID, r.Version)
		}
		switch r.Role {
		case Primary:
			primaries = append(primaries, r)
		case Standby:
			standbys = append(standbys, r)
		}
	}

	switch {
	case len(primaries) == 0:
		return -1, nil, fmt.Errorf("no primary found among %d probed backends", len(results))

	case len(primaries) == 1 && len(standbys) == 0:
		return primaries[0].ID, nil, nil

	case len(primaries) == 1:
		p := primaries[0]
		if !versionAtLeast96(p.Version) {
			return p.ID, nil, nil
		}
		var target Target
		for _, t := range targets {
			if t.ID == p.ID {
				target = t
			}
		}
		owned := 0
		for _, s := range standbys {
			var st Target
			for _, t := range targets {
				if t.ID == s.ID {
					st = t
				}
			}
			if walReceiverOwner(ctx, st, username, database, target.Host, target.Port, opt.ConnectTimeout) {
				owned++
			}
		}
		if opt.DetachFalsePrimary && owned < len(standbys) {
			return -1, []int{p.ID}, fmt.Errorf("primary %d owns only %d/%d standbys, marking invalid", p.ID, owned, len(standbys))
		}
		return p.ID, nil, nil

	default:
		lowest := primaries[0].ID
		for _, p := range primaries[1:] {
			if p.ID < lowest {
				lowest = p.ID
			}
		}
		for _, p := range primaries {
			if p.ID != lowest {
				invalidIDs = append(invalidIDs, p.ID)
			}
		}
		return lowest, invalidIDs, nil
	}
}

// Search retries Find at 1-second intervals until a primary is found
// or timeout elapses (0 = never expire). It exits early, returning
// currentPrimary, if every backend is down or followPrimaryOngoing is
// set — spec.md §4.6's retry-loop wrapper.
func Search(ctx context.Context, region *shmem.Region, targets []Target, username, database string, opt Options, timeout time.Duration, currentPrimary int, followPrimaryOngoing func() bool) (int, []int, error) {
	deadline := time.Now().Add(timeout)
	for {
		if region.AllDown() {
			return currentPrimary, nil, nil
		}
		if followPrimaryOngoing != nil && followPrimaryOngoing() {
			return currentPrimary, nil, nil
		}

		id, invalid, err := Find(ctx, region, targets, username, database, opt)
		if err == nil {
			return id, invalid, nil
		}
		if len(invalid) > 0 {
			return id, invalid, err
		}

		if timeout > 0 && time.Now().After(deadline) {
			return -1, nil, fmt.Errorf("search_primary_node_timeout exceeded: %w", err)
		}

		select {
		case <-ctx.Done():
			return -1, nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
