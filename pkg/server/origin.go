package server

import (
	"strings"
	"sync"
)

var localhostOrigins = []string{
	"http://localhost",
	"https://localhost",
	"http://127.0.0.1",
	"https://127.0.0.1",
	"http://[::1]",
	"https://[::1]",
}

// OriginPolicy validates the Origin header of inbound requests to prevent
// DNS rebinding. Localhost entries match any port.
type OriginPolicy struct {
	mu           sync.RWMutex
	allowed      []string
	allowMissing bool
}

// NewOriginPolicy creates a policy allowing the given origins. "*" allows any
// origin.
func NewOriginPolicy(allowed []string, allowMissing bool) *OriginPolicy {
	return &OriginPolicy{
		allowed:      append([]string(nil), allowed...),
		allowMissing: allowMissing,
	}
}

// Add allows one more origin
func (p *OriginPolicy) Add(origin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowed = append(p.allowed, origin)
}

// SetAllowWildcard adds or removes the "*" entry
func (p *OriginPolicy) SetAllowWildcard(allow bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.allowed[:0]
	for _, origin := range p.allowed {
		if origin != "*" {
			kept = append(kept, origin)
		}
	}
	p.allowed = kept
	if allow {
		p.allowed = append(p.allowed, "*")
	}
}

// Allowed reports whether origin may talk to the endpoint. Requests without
// an Origin header come from non-browser clients and pass only when the
// policy allows them.
func (p *OriginPolicy) Allowed(origin string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if origin == "" {
		return p.allowMissing
	}
	for _, allowed := range p.allowed {
		if allowed == "*" || allowed == origin {
			return true
		}
		if isLocalhostOrigin(allowed) && isLocalhostOrigin(origin) {
			return true
		}
	}
	return false
}

func isLocalhostOrigin(origin string) bool {
	for _, pattern := range localhostOrigins {
		if origin == pattern || strings.HasPrefix(origin, pattern+":") {
			return true
		}
	}
	return false
}
