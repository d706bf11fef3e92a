// Package publicip resolves the machine's public IP address when it is
// not supplied explicitly in configuration, for advertising in the
// shredstream registration handshake.
package publicip

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

// Resolver looks up the caller's public IP address.
type Resolver interface {
	Resolve(ctx context.Context) (netip.Addr, error)
}

// DefaultEndpoint is the plain-text "what's my IP" service queried when no
// public IP is configured explicitly and no resolver override is supplied.
const DefaultEndpoint = "https://api.ipify.org"

// httpResolver fetches the caller's address from a plain-text echo
// endpoint (the conventional "what's my IP" service shape).
type httpResolver struct {
	url    string
	client *http.Client
}

// NewHTTPResolver returns a Resolver that queries url, expecting a
// plain-text response body containing the IP address.
func NewHTTPResolver(url string, client *http.Client) Resolver {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &httpResolver{url: url, client: client}
}

func (r *httpResolver) Resolve(ctx context.Context) (netip.Addr, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return netip.Addr{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("public ip lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("public ip lookup: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return netip.Addr{}, err
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(string(body)))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("public ip lookup: invalid address %q: %w", body, err)
	}
	return addr, nil
}

// ResolveOrFallback returns configured, parsed, if it is non-empty (an
// unparseable value is an error), otherwise asks r. Used by shredstream
// mode, where an explicit
// --public-ip always wins over discovery.
func ResolveOrFallback(ctx context.Context, r Resolver, configured string) (netip.Addr, error) {
	if configured != "" {
		return netip.ParseAddr(configured)
	}
	if r == nil {
		return netip.Addr{}, fmt.Errorf("no public ip configured and no resolver available")
	}
	return r.Resolve(ctx)
}
