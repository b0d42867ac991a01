// Package network holds what the scheduler knows about request destinations:
// host:port identity and whether a server supports prioritized multiplexing.
package network

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Default ports per scheme, used when a URL carries no explicit port.
var defaultPorts = map[string]int{
	"http":  80,
	"https": 443,
	"ws":    80,
	"wss":   443,
}

// HostPort identifies a destination server. Two requests share a HostPort
// when they would share a connection pool.
type HostPort struct {
	Host string
	Port int
}

func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(hp.Port))
}

// IsZero reports whether hp names no destination.
func (hp HostPort) IsZero() bool {
	return hp.Host == "" && hp.Port == 0
}

// HostPortFromURL extracts the destination of u, filling in the scheme's
// default port. Hosts are lowercased and IPv6 brackets are dropped.
func HostPortFromURL(u *url.URL) HostPort {
	if u == nil {
		return HostPort{}
	}
	host := strings.ToLower(u.Hostname())
	port := defaultPorts[strings.ToLower(u.Scheme)]
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return HostPort{Host: host, Port: port}
}

// ParseHostPort parses "host:port". The port is mandatory.
func ParseHostPort(s string) (HostPort, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return HostPort{}, fmt.Errorf("parse host:port %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return HostPort{}, fmt.Errorf("parse host:port %q: invalid port", s)
	}
	if host == "" {
		return HostPort{}, fmt.Errorf("parse host:port %q: empty host", s)
	}
	return HostPort{Host: strings.ToLower(host), Port: port}, nil
}
