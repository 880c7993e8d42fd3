// Package listener opens the fixed set of sockets spec.md §6 names for
// the supervisor's own accept surface: the Unix-domain client socket,
// the parallel PCP Unix-domain socket, and zero or more INET sockets
// per configured listen address. Accepting a connection on these
// sockets and speaking the wire protocol is the query-routing/PCP-RPC
// work spec.md §1 calls out as a Non-goal; this package's job ends at
// "the socket exists, is bound with the right options, and is removed
// on exit."
//
// Grounded on golang.org/x/sys/unix's raw socket/bind/listen calls, the
// same low-level style joeycumines-go-utilpkg/eventloop/fd_unix.go uses
// for its wakeup-pipe file descriptors — net.Listen alone cannot set a
// custom backlog (the Go runtime ignores the caller's backlog and
// always asks the kernel for SOMAXCONN), so the socket is built by hand
// and only wrapped in a net.Listener at the end via net.FileListener.
package listener

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Sockets bundles every listener the supervisor main loop owns.
type Sockets struct {
	Client net.Listener // <socket_dir>/.s.PGSQL.<port>
	PCP    net.Listener // <pcp_socket_dir>/.s.PGSQL.<pcp_port>
	INET   []net.Listener

	clientPath string
	pcpPath    string
}

// Backlog computes spec.md §6's listen backlog: num_init_children ×
// listen_backlog_multiplier, capped at 10000.
func Backlog(numInitChildren, multiplier int) int {
	if multiplier <= 0 {
		multiplier = 1
	}
	n := numInitChildren * multiplier
	if n <= 0 {
		n = 1
	}
	if n > 10000 {
		n = 10000
	}
	return n
}

// Listen opens the client and PCP Unix-domain sockets and one INET
// socket per (address, family) pair reachable from listenAddresses.
// Any bind/listen failure is returned to the caller, who is expected to
// treat it as fatal per spec.md §7 ("socket bind/listen failure:
// fatal") — Listen itself cleans up whatever it already opened before
// returning an error.
func Listen(clientSocketPath, pcpSocketPath string, listenAddresses []string, port, pcpPort, backlog int) (*Sockets, error) {
	client, err := listenUnix(clientSocketPath, backlog)
	if err != nil {
		return nil, fmt.Errorf("listener: client socket %s: %w", clientSocketPath, err)
	}

	pcp, err := listenUnix(pcpSocketPath, backlog)
	if err != nil {
		client.Close()
		os.Remove(clientSocketPath)
		return nil, fmt.Errorf("listener: pcp socket %s: %w", pcpSocketPath, err)
	}

	s := &Sockets{Client: client, PCP: pcp, clientPath: clientSocketPath, pcpPath: pcpSocketPath}

	for _, addr := range listenAddresses {
		ls, err := listenINET(addr, port, backlog)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("listener: inet socket %s:%d: %w", addr, port, err)
		}
		s.INET = append(s.INET, ls...)
	}

	return s, nil
}

// Close shuts down every socket and removes the Unix-domain socket
// files, per spec.md §6's "removed on exit."
func (s *Sockets) Close() {
	if s.Client != nil {
		s.Client.Close()
		os.Remove(s.clientPath)
	}
	if s.PCP != nil {
		s.PCP.Close()
		os.Remove(s.pcpPath)
	}
	for _, l := range s.INET {
		l.Close()
	}
}

// DrainAccept runs a no-op accept loop on every socket until it is
// closed: query routing itself is out of scope (spec.md §1), but a
// bound socket nobody ever accepts on just fills its backlog and stops
// serving even plain TCP-connect health probes, so each accepted
// connection is closed immediately instead of left unhandled.
func (s *Sockets) DrainAccept(log func(format string, args ...interface{})) {
	all := append([]net.Listener{s.Client, s.PCP}, s.INET...)
	for _, l := range all {
		go drainOne(l, log)
	}
}

func drainOne(l net.Listener, log func(format string, args ...interface{})) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return // listener closed
		}
		conn.Close()
	}
}

// listenUnix binds a Unix-domain stream socket at path, mode 0777, with
// the requested listen backlog.
func listenUnix(path string, backlog int) (net.Listener, error) {
	_ = os.Remove(path) // stale socket left by a prior crash

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := os.Chmod(path, 0o777); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("chmod: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}
	return fileListener(fd, path)
}

// listenINET opens one socket per address family resolvable from addr,
// with SO_REUSEADDR always set and IPV6_V6ONLY set on the v6 socket —
// spec.md §6's exact option list. addr "*" binds the wildcard address
// in both families.
func listenINET(addr string, port, backlog int) ([]net.Listener, error) {
	var v4, v6 []net.IP
	if addr == "*" {
		v4 = []net.IP{net.IPv4zero}
		v6 = []net.IP{net.IPv6unspecified}
	} else {
		ips, err := net.LookupIP(addr)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", addr, err)
		}
		for _, ip := range ips {
			if ip.To4() != nil {
				v4 = append(v4, ip)
			} else {
				v6 = append(v6, ip)
			}
		}
	}

	var out []net.Listener
	for _, ip := range v4 {
		l, err := socketListen(unix.AF_INET, ip, port, backlog, false)
		if err != nil {
			closeAll(out)
			return nil, err
		}
		out = append(out, l)
	}
	for _, ip := range v6 {
		l, err := socketListen(unix.AF_INET6, ip, port, backlog, true)
		if err != nil {
			closeAll(out)
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func socketListen(domain int, ip net.IP, port, backlog int, v6only bool) (net.Listener, error) {
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	var sa unix.Sockaddr
	if domain == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("setsockopt IPV6_V6ONLY: %w", err)
		}
		var addr [16]byte
		copy(addr[:], ip.To16())
		sa = &unix.SockaddrInet6{Port: port, Addr: addr}
	} else {
		var addr [4]byte
		copy(addr[:], ip.To4())
		sa = &unix.SockaddrInet4{Port: port, Addr: addr}
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s:%d: %w", ip, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s:%d: %w", ip, port, err)
	}
	return fileListener(fd, fmt.Sprintf("%s:%d", ip, port))
}

// fileListener wraps a raw, already-listening fd in a net.Listener.
// net.FileListener dup()s the fd internally, so the original is closed
// once it returns.
func fileListener(fd int, name string) (net.Listener, error) {
	f := os.NewFile(uintptr(fd), name)
	l, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	return l, nil
}

func closeAll(ls []net.Listener) {
	for _, l := range ls {
		l.Close()
	}
}
