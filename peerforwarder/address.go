package peerforwarder

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/c360/eventpipe/errors"
)

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_-]{0,62})(\.[a-zA-Z0-9]([a-zA-Z0-9_-]{0,62}))*\.?$`)

// ValidateAddress accepts "host" or "host:port" where host is an IP address
// or a DNS name
func ValidateAddress(address string) error {
	fail := func(reason string) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q %s", errors.ErrInvalidAddress, address, reason),
			"peerforwarder", "ValidateAddress", "address validation")
	}

	if strings.TrimSpace(address) == "" {
		return fail("is empty")
	}
	if strings.ContainsAny(address, " \t\r\n") {
		return fail("contains whitespace")
	}

	host := address
	if strings.Contains(address, ":") && net.ParseIP(address) == nil {
		h, port, err := net.SplitHostPort(address)
		if err != nil {
			return fail(err.Error())
		}
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return fail("has an invalid port")
		}
		host = h
	}

	if host == "" {
		return fail("has no host")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if len(host) > 253 || !hostnamePattern.MatchString(host) {
		return fail("is not a valid host name")
	}
	return nil
}

// withPort appends port to address when it has none
func withPort(address string, port int) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}

func hostOf(address string) string {
	if h, _, err := net.SplitHostPort(address); err == nil {
		return h
	}
	return address
}

// LocalAddressChecker reports whether a peer address designates this node.
// An address is local when it equals the advertised node address, is a
// loopback or unspecified address, or resolves to an IP bound on one of
// this host's interfaces. Host name answers are cached until Reset.
type LocalAddressChecker struct {
	self     string
	localIP  map[string]struct{}
	lookup   func(host string) ([]string, error)
	resolved sync.Map // host -> bool
}

// NewLocalAddressChecker collects the interface addresses of this host
func NewLocalAddressChecker(self string) *LocalAddressChecker {
	c := &LocalAddressChecker{
		self:    self,
		localIP: make(map[string]struct{}),
		lookup:  net.LookupHost,
	}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok {
				c.localIP[ipNet.IP.String()] = struct{}{}
			}
		}
	}
	return c
}

// IsLocal implements the check
func (c *LocalAddressChecker) IsLocal(address string) bool {
	if address == "" {
		return true
	}
	if c.self != "" && (address == c.self || hostOf(address) == hostOf(c.self)) {
		return true
	}

	host := hostOf(address)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if net.ParseIP(host) != nil {
		return c.anyLocal([]string{host})
	}

	if v, ok := c.resolved.Load(host); ok {
		return v.(bool)
	}
	// a failed lookup counts as remote until the next Reset
	local := false
	if ips, err := c.lookup(host); err == nil {
		local = c.anyLocal(ips)
	}
	c.resolved.Store(host, local)
	return local
}

// Reset drops cached host name answers. The peer ring calls it whenever its
// peer set changes.
func (c *LocalAddressChecker) Reset() {
	c.resolved.Clear()
}

func (c *LocalAddressChecker) anyLocal(ips []string) bool {
	for _, s := range ips {
		ip := net.ParseIP(s)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsUnspecified() {
			return true
		}
		if _, ok := c.localIP[ip.String()]; ok {
			return true
		}
	}
	return false
}

// defaultNodeAddress is the hostname with the forwarding port
func defaultNodeAddress(port int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
