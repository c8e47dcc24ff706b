package helper

import (
	"net"

	"github.com/tidwall/match"
)

// MatchHost reports whether address (host:port) matches any of hosts.
// An entry without a port matches every port; entries may use * and ? wildcards.
func MatchHost(address string, hosts []string) bool {
	hostname, port, err := net.SplitHostPort(address)
	if err != nil {
		hostname, port = address, ""
	}
	for _, host := range hosts {
		h, p, err := net.SplitHostPort(host)
		if err != nil {
			h, p = host, ""
		}
		if p != "" && p != port {
			continue
		}
		if match.Match(hostname, h) {
			return true
		}
	}
	return false
}
