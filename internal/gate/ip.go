package gate

import "net"

// ipAllowed reports whether clientIP matches any entry in allowlist. Each
// entry is either a bare IP (exact match) or a CIDR (net.ParseCIDR).
// A malformed CIDR never matches anything; it does not error the call.
func ipAllowed(clientIP string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range allowlist {
		if entry == clientIP {
			return true
		}
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			if ipnet.Contains(ip) {
				return true
			}
		}
	}
	return false
}
