package channel

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateCallbackURL rejects webhook callback URLs that could be used to
// reach loopback, link-local, or other private-network targets from the
// process. This mirrors the guard channels/webhook.go applies before
// registering a callback URL (there backed by a sibling module not
// available in this workspace), reproduced locally rather than imported.
func ValidateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("channel: invalid callback url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("channel: callback url must be http(s), got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("channel: callback url has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("channel: callback url targets localhost")
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Not resolvable at registration time; the HTTP client will fail
		// the actual request. Nothing private can be reached either way.
		return nil
	}
	for _, ip := range ips {
		if isDisallowedIP(ip) {
			return fmt.Errorf("channel: callback url resolves to a disallowed address: %s", ip)
		}
	}
	return nil
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified()
}
