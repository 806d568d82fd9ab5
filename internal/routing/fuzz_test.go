package routing

import "testing"

func FuzzMatchesPrefix(f *testing.F) {
	// Seed corpus from existing test cases
	f.Add("/api/users/123", "/api/users")
	f.Add("/api.evil.com/steal", "/api")
	f.Add("/apiary", "/api")
	f.Add("", "")
	f.Add("/", "/")
	f.Add("/api", "/api")
	f.Add("/api/", "/api/")
	f.Add("/api/test", "/api/")
	f.Add("/api-extended", "/api")

	f.Fuzz(func(t *testing.T, path, prefix string) {
		// Must never panic.
		result := MatchesPrefix(path, prefix)

		// If it matches and path is longer than prefix, verify the boundary
		// enforcement invariant: prefix ends with '/' OR path[len(prefix)] == '/'.
		if result && len(path) > len(prefix) && len(prefix) > 0 {
			if prefix[len(prefix)-1] != '/' && path[len(prefix)] != '/' {
				t.Errorf("MatchesPrefix(%q, %q) = true but boundary not enforced", path, prefix)
			}
		}
	})
}

func FuzzTableMatch(f *testing.F) {
	f.Add("GET", "/api/orders/42")
	f.Add("POST", "/api/orders")
	f.Add("", "")
	f.Add("get", "/api/users/")
	f.Add("DELETE", "/api/users/1/orders/2")

	tbl := NewTable()
	tbl.Insert(Route{Method: "GET", Pattern: "/api/orders/*", ServiceID: "orders-v1"})
	tbl.Insert(Route{Method: "*", Pattern: "/api/users/*", ServiceID: "users-v1"})
	tbl.Insert(Route{Method: "POST", Pattern: "/api/orders", ServiceID: "orders-v1"})

	f.Fuzz(func(t *testing.T, method, path string) {
		r, ok := tbl.Match(method, path)
		if !ok {
			return
		}
		if r.Pattern != path && !MatchesWildcard(path, r.Pattern) {
			t.Errorf("Match(%q, %q) returned non-matching pattern %q", method, path, r.Pattern)
		}
	})
}
