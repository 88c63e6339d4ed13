// URL validation for source_url/notify_url (spec.md §6.1): both must
// parse to http(s):// schemes whose host resolves to a non-private,
// non-loopback, non-link-local address. No teacher/pack precedent
// validates outbound URLs this way (the teacher has no user-supplied-URL
// concept at all), so this is grounded directly on spec.md's own
// prose rather than adapted from an example.
package api

import (
	"fmt"
	"net"
	"net/url"
)

// validateOutboundURL rejects any raw URL that is not safe for the
// Manager to later dial (as a notify callback or to hand to a Runner as
// source_url). allowPrivate bypasses the private/loopback/link-local
// check for local development and tests (config's ssrf_allow_private).
func validateOutboundURL(raw string, allowPrivate bool) error {
	if raw == "" {
		return fmt.Errorf("url must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url must have a host")
	}
	if allowPrivate {
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("could not resolve host %q: %w", host, err)
	}
	for _, ip := range ips {
		if isUnsafeHost(ip) {
			return fmt.Errorf("url host %q resolves to a disallowed address", host)
		}
	}
	return nil
}

func isUnsafeHost(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
