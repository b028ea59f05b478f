package utils

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Allowlist matches client addresses against CIDR blocks. Bare addresses
// are treated as single-host blocks.
type Allowlist struct {
	nets []*net.IPNet
}

func NewAllowlist(entries []string) (*Allowlist, error) {
	a := &Allowlist{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid address %q", entry)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			a.nets = append(a.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, block, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		a.nets = append(a.nets, block)
	}
	return a, nil
}

// Empty reports whether the allowlist has no entries, meaning allow all.
func (a *Allowlist) Empty() bool {
	return a == nil || len(a.nets) == 0
}

// IsAllowedIP reports whether ip falls inside one of the blocks.
func (a *Allowlist) IsAllowedIP(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil || a == nil {
		return false
	}
	for _, block := range a.nets {
		if block.Contains(parsed) {
			return true
		}
	}
	return false
}

// ClientIP returns the caller's address. Proxy headers are honored only
// when the direct peer is in trusted; X-Forwarded-For is then walked from
// the right and the first hop that is not itself a trusted proxy wins. With
// a nil or empty trusted list the headers are ignored.
func ClientIP(r *http.Request, trusted *Allowlist) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if trusted.Empty() || !trusted.IsAllowedIP(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				break
			}
			if !trusted.IsAllowedIP(hop) {
				return hop
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
		return ip
	}
	return peer
}
