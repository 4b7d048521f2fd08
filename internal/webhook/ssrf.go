package webhook

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// isPrivateIP reports whether ip is in a private, loopback, link-local, or
// otherwise non-public range, disqualifying it as a webhook delivery
// target.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

// safeTransport returns an http.Transport that re-resolves and validates
// the target host's IPs at dial time, defending against DNS rebinding
// between the validation performed when a webhook URL is registered and the
// connection made at delivery time.
func safeTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", addr, err)
			}

			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("DNS resolution failed for %q: %w", host, err)
			}
			if len(ips) == 0 {
				return nil, fmt.Errorf("no addresses for %q", host)
			}

			for _, ipAddr := range ips {
				if isPrivateIP(ipAddr.IP) {
					return nil, fmt.Errorf("webhook URL resolves to private address %s", ipAddr.IP)
				}
			}

			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
		},
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
	}
}

// SafeHTTPClient returns an http.Client with SSRF-safe transport and the
// given per-attempt timeout. Reused by internal/domainverify for its HTTPS
// fallback fetch.
func SafeHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: safeTransport(),
	}
}

// blockedHostnames disqualifies cloud metadata endpoints even when they
// resolve to a technically-public-looking address; cloud metadata
// endpoints are never legitimate webhook targets.
var blockedHostnames = map[string]bool{
	"metadata.google.internal": true,
	"169.254.169.254":          true,
	"metadata.azure.com":       true,
}

// ValidateURL checks rawURL against the full SSRF policy: scheme must be
// https, the hostname must not be a known cloud-metadata name, and every
// address it currently resolves to must be public. Run both when a webhook
// URL is registered and again immediately before each delivery attempt;
// the dial-time check in safeTransport still stands behind it against DNS
// rebinding in the window between the two.
func ValidateURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("webhook url must use https")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("webhook url has no hostname")
	}
	if blockedHostnames[host] {
		return fmt.Errorf("webhook url targets a blocked metadata hostname")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("webhook url targets a private address")
		}
		return nil
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("webhook url hostname did not resolve: %w", err)
	}
	for _, addr := range ips {
		if isPrivateIP(addr.IP) {
			return fmt.Errorf("webhook url resolves to private address %s", addr.IP)
		}
	}
	return nil
}
