package certstore

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var defaultHosts = []string{"localhost", "127.0.0.1", "::1"}

// ErrInvalidHost is returned for a host name that cannot appear in a
// certificate's Subject Alternative Names.
var ErrInvalidHost = errors.New("invalid host name")

var hostnameRegexp = regexp.MustCompile(`(?i)^(\*\.)?[0-9a-z_-]([0-9a-z._-]*[0-9a-z_-])?$`)

// NormalizeHost returns host in the form written to a certificate. IP
// addresses pass through; other names are converted to punycode and must be
// valid host names, optionally with a leading "*." wildcard label.
func NormalizeHost(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidHost)
	}
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}
	ascii, err := idna.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidHost, host, err)
	}
	if !hostnameRegexp.MatchString(ascii) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
	return ascii, nil
}

// Hosts returns the Subject Alternative Names for the leaf certificate:
// localhost, the loopback addresses, every IPv4 address currently bound to a
// local interface, and then extra. The interface list is read on every call.
func Hosts(extra ...string) ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("failed to list interface addresses: %w", err)
	}
	return buildHosts(addrs, extra)
}

func buildHosts(addrs []net.Addr, extra []string) ([]string, error) {
	hosts := append([]string(nil), defaultHosts...)

	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil {
			hosts = append(hosts, ip4.String())
		}
	}

	for _, h := range extra {
		if strings.TrimSpace(h) == "" {
			continue
		}
		name, err := NormalizeHost(h)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, name)
	}

	return dedupe(hosts), nil
}

func dedupe(hosts []string) []string {
	seen := make(map[string]struct{}, len(hosts))
	out := hosts[:0]
	for _, h := range hosts {
		key := strings.ToLower(h)
		if ip := net.ParseIP(h); ip != nil {
			key = ip.String()
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	return out
}

// splitHosts separates DNS names from IP addresses.
func splitHosts(hosts []string) (dnsNames []string, ips []net.IP) {
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, host)
		}
	}
	return dnsNames, ips
}
