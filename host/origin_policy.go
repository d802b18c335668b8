package host

import (
	"net"
	"net/url"
	"path/filepath"
	"strings"
)

// OriginPolicy decides which page origins may use the bridge.
type OriginPolicy interface {
	Allow(origin string) bool
}

type allowAllPolicy struct{}

func (p *allowAllPolicy) Allow(origin string) bool {
	return true
}

type allowNonePolicy struct{}

func (p *allowNonePolicy) Allow(origin string) bool {
	return false
}

type globPolicy struct {
	patterns []string
}

// Allow matches the origin's hostname against the patterns. A pattern
// prefixed with "!" rejects matching hosts regardless of order. Only https
// origins are accepted, except on loopback hosts.
func (p *globPolicy) Allow(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}

	host := strings.ToLower(u.Hostname())
	loopback := host == "localhost" || net.ParseIP(host).IsLoopback()
	if u.Scheme != "https" && !(loopback && u.Scheme == "http") {
		return false
	}

	allowed := false
	for _, pattern := range p.patterns {
		if negPattern, found := strings.CutPrefix(pattern, "!"); found {
			if matchHost(host, negPattern) {
				return false
			}
		} else if matchHost(host, pattern) {
			allowed = true
		}
	}

	return allowed
}

func matchHost(host, pattern string) bool {
	matched, err := filepath.Match(strings.ToLower(pattern), host)
	if err != nil {
		return false
	}
	return matched
}

var (
	PolicyAllowAll  OriginPolicy = &allowAllPolicy{}
	PolicyAllowNone OriginPolicy = &allowNonePolicy{}
)

// NewGlobPolicy builds an allow-list such as
// NewGlobPolicy("example.com", "*.example.com", "!admin.example.com").
func NewGlobPolicy(patterns ...string) OriginPolicy {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return &globPolicy{
		patterns: cleaned,
	}
}

// NewTenantPolicy allows the canonical domain and every subdomain of it.
func NewTenantPolicy(canonical string) OriginPolicy {
	return NewGlobPolicy(canonical, "*."+canonical)
}

// Patterns returns the policy's patterns for the browser page, or nil for
// the fixed policies.
func Patterns(p OriginPolicy) []string {
	switch v := p.(type) {
	case *globPolicy:
		return append([]string(nil), v.patterns...)
	case *allowAllPolicy:
		return []string{"*"}
	}
	return nil
}
