package presence

import (
	"fmt"
	"net"
	"strings"
)

// PublishDetails is the snapshot of what this node advertises on one
// network. Directory setters copy the latest snapshot before changing it.
type PublishDetails struct {
	Network      string
	Enabled      bool
	PublicKey    []byte
	Addresses    []string // IP literals or host names
	TCPPort      int
	UDPPort      int
	Nickname     string
	OnlineStatus OnlineStatus
	Sequence     int64

	published bool
}

// Copy returns a deep copy that is not marked as published.
func (d PublishDetails) Copy() PublishDetails {
	c := d
	c.PublicKey = append([]byte(nil), d.PublicKey...)
	c.Addresses = append([]string(nil), d.Addresses...)
	c.published = false
	return c
}

// Published reports whether a record was written for these details.
func (d PublishDetails) Published() bool {
	return d.published
}

func (d PublishDetails) String() string {
	return fmt.Sprintf("enabled=%v,addresses=%s,tcp=%d,udp=%d,nick=%s,status=%s",
		d.Enabled, strings.Join(d.Addresses, "|"), d.TCPPort, d.UDPPort, d.Nickname, d.OnlineStatus)
}

// resolvable reports whether at least one address is usable: a literal
// IP or a non-empty host name.
func (d PublishDetails) resolvable() bool {
	for _, a := range d.Addresses {
		if strings.TrimSpace(a) != "" {
			return true
		}
	}
	return false
}

// endpoints picks the primary address and the optional IPv6 address to
// advertise. The primary is the last IPv4 literal or host name, or the
// only address when there is just one.
func (d PublishDetails) endpoints() (ip net.IP, host string, ip6 net.IP) {
	for _, a := range d.Addresses {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		parsed := net.ParseIP(a)
		if parsed == nil || parsed.To4() != nil || len(d.Addresses) == 1 {
			ip, host = parsed, ""
			if parsed == nil {
				host = a
			}
			continue
		}
		ip6 = parsed
	}
	if ip == nil && host == "" && ip6 != nil {
		ip, ip6 = ip6, nil
	}
	return ip, host, ip6
}

// unroutable reports whether ip cannot be reached from the public network.
func unroutable(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate() || ip.IsUnspecified()
}
