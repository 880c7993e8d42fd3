package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults_PassValidationWithOneBackend(t *testing.T) {
	c := Defaults()
	c.Backends = []Backend{{Host: "localhost", Port: 5432}}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected defaults + one backend to validate, got %v", err)
	}
}

func TestValidate_RejectsNoBackends(t *testing.T) {
	c := Defaults()
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error with zero backends")
	}
}

func TestValidate_RejectsSamePortAndPCPPort(t *testing.T) {
	c := Defaults()
	c.Backends = []Backend{{Host: "localhost", Port: 5432}}
	c.PCPPort = c.Port
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error when port == pcp_port")
	}
}

func TestLoadFile_MissingFileReturnsBaseUnchanged(t *testing.T) {
	base := Defaults()
	got, err := LoadFile(filepath.Join(t.TempDir(), "nonexistent.toml"), base)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got.Port != base.Port {
		t.Fatalf("expected base config unchanged, got port %d", got.Port)
	}
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "poolsuper.toml")
	contents := `
port = 7000
socket_dir = "/run/poolsuper"

[limits]
num_init_children = 16
max_pool = 8

[[backend]]
host = "db1"
port = 5432

[[backend]]
host = "db2"
port = 5432
always_primary = true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := LoadFile(path, Defaults())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got.Port != 7000 || got.SocketDir != "/run/poolsuper" {
		t.Fatalf("expected overrides applied, got %+v", got)
	}
	if got.Limits.NumInitChildren != 16 || got.Limits.MaxPool != 8 {
		t.Fatalf("expected limits overridden, got %+v", got.Limits)
	}
	if len(got.Backends) != 2 || !got.Backends[1].AlwaysPrimary {
		t.Fatalf("expected two backends with second marked always_primary, got %+v", got.Backends)
	}
}

func TestClientSocketPath_TrimsTrailingSlash(t *testing.T) {
	c := Defaults()
	c.SocketDir = "/tmp/"
	c.Port = 9999
	if got := c.ClientSocketPath(); got != "/tmp/.s.PGSQL.9999" {
		t.Fatalf("unexpected socket path: %s", got)
	}
}

func TestResolveWatchdogLocalID_PrefersConfigured(t *testing.T) {
	if got := ResolveWatchdogLocalID("node-a"); got != "node-a" {
		t.Fatalf("expected configured id kept, got %s", got)
	}
}

func TestResolveWatchdogLocalID_FallsBackWhenUnconfigured(t *testing.T) {
	got := ResolveWatchdogLocalID("")
	if got == "" {
		t.Fatal("expected a non-empty fallback id")
	}
}
