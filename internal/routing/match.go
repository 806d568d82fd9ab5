// Package routing provides the route table that maps (method, path) pairs
// to owning services, plus the path-matching helpers shared by the auth
// and rate-limit middleware.
package routing

import "strings"

// MatchesPrefix checks if path matches prefix with boundary enforcement.
// The path must either equal the prefix, the prefix must end with "/",
// or the character after the prefix in path must be "/".
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}

// IsWildcard reports whether pattern ends in "/*".
func IsWildcard(pattern string) bool {
	return strings.HasSuffix(pattern, "/*")
}

// MatchesWildcard reports whether path falls under a wildcard pattern.
// "/api/users/*" matches "/api/users/123" and "/api/users/1/orders" but
// not "/api/users" or "/api/users/".
func MatchesWildcard(path, pattern string) bool {
	if !IsWildcard(pattern) {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return len(path) > len(prefix) && strings.HasPrefix(path, prefix)
}

// PublicPaths is the set of operational paths that bypass authentication
// and rate limiting.
type PublicPaths struct {
	exact    map[string]bool
	prefixes []string
}

// NewPublicPaths returns the default public set (/health, /ready,
// /services, /services/{id}, /public/*) plus any extra exact paths such
// as the metrics endpoint.
func NewPublicPaths(extra ...string) *PublicPaths {
	p := &PublicPaths{
		exact:    map[string]bool{"/health": true, "/ready": true, "/services": true},
		prefixes: []string{"/public/", "/services/"},
	}
	for _, e := range extra {
		if e != "" {
			p.exact[e] = true
		}
	}
	return p
}

// Contains reports whether path is public.
func (p *PublicPaths) Contains(path string) bool {
	if p.exact[path] {
		return true
	}
	for _, prefix := range p.prefixes {
		if MatchesPrefix(path, prefix) {
			return true
		}
	}
	return false
}
