package primaryfinder

import "testing"

func TestVersionAtLeast96(t *testing.T) {
	cases := map[string]bool{
		"9.6.0":  true,
		"9.6.5":  true,
		"10.4":   true,
		"14.2":   true,
		"9.5.9":  false,
		"8.4.0":  false,
		"bogus":  false,
	}
	for v, want := range cases {
		if got := versionAtLeast96(v); got != want {
			t.Errorf("versionAtLeast96(%q) = %v, want %v", v, got, want)
		}
	}
}

func TestHostEqual_LocalhostAndUnixSocketEquivalence(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"localhost", "localhost", true},
		{"localhost", "/var/run/postgresql", true},
		{"", "localhost", true},
		{"/tmp/.s.PGSQL.5432", "", true},
		{"10.0.0.1", "localhost", false},
		{"10.0.0.1", "10.0.0.1", true},
		{"10.0.0.1", "10.0.0.2", false},
	}
	for _, c := range cases {
		if got := hostEqual(c.a, c.b); got != c.want {
			t.Errorf("hostEqual(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestBuildDSN_PrefersConnectStringOverride(t *testing.T) {
	target := Target{ID: 0, Host: "db0", Port: 5432, ConnectString: "postgres://explicit"}
	if got := buildDSN(target, "u", "d"); got != "postgres://explicit" {
		t.Fatalf("expected explicit connect string to win, got %q", got)
	}
}

func TestBuildDSN_DefaultsHostToLocalhost(t *testing.T) {
	target := Target{ID: 0, Port: 5432}
	dsn := buildDSN(target, "u", "d")
	if dsn == "" {
		t.Fatal("expected non-empty DSN")
	}
	want := "host='localhost' port=5432 user='u' dbname='d' sslmode=prefer connect_timeout=5"
	if dsn != want {
		t.Fatalf("expected empty host to default to localhost:\ngot:  %s\nwant: %s", dsn, want)
	}
}
