package routing

import (
	"sort"
	"strings"
)

// AnyMethod is the method of a route that accepts every HTTP method.
const AnyMethod = "*"

// Route is one (method, pattern) rule owned by a single service. Routes
// are immutable once inserted.
type Route struct {
	Method       string `json:"method"`
	Pattern      string `json:"path"`
	AuthRequired bool   `json:"auth_required"`
	ServiceID    string `json:"-"`
}

// NormalizeMethod upper-cases m and maps "ALL" and "" to AnyMethod.
func NormalizeMethod(m string) string {
	m = strings.ToUpper(strings.TrimSpace(m))
	if m == "" || m == "ALL" {
		return AnyMethod
	}
	return m
}

func key(method, pattern string) string {
	return method + " " + pattern
}

// Table maps (method, path) to routes. Exact patterns are resolved with a
// map lookup; wildcard patterns are scanned longest prefix first, and at
// equal length a specific method wins over AnyMethod.
//
// Table is not safe for concurrent mutation; the registry guards it.
type Table struct {
	exact     map[string]Route
	wildcards []Route
	seq       map[string]int
	n         int
}

// NewTable returns an empty route table.
func NewTable() *Table {
	return &Table{
		exact: make(map[string]Route),
		seq:   make(map[string]int),
	}
}

// Insert adds r to the table. It returns false, leaving the table
// unchanged, when a route with the same method and pattern already exists.
func (t *Table) Insert(r Route) bool {
	r.Method = NormalizeMethod(r.Method)
	k := key(r.Method, r.Pattern)
	if _, dup := t.seq[k]; dup {
		return false
	}
	t.seq[k] = t.n
	t.n++

	if !IsWildcard(r.Pattern) {
		t.exact[k] = r
		return true
	}

	t.wildcards = append(t.wildcards, r)
	sort.SliceStable(t.wildcards, func(i, j int) bool {
		a, b := t.wildcards[i], t.wildcards[j]
		if len(a.Pattern) != len(b.Pattern) {
			return len(a.Pattern) > len(b.Pattern)
		}
		if (a.Method == AnyMethod) != (b.Method == AnyMethod) {
			return b.Method == AnyMethod
		}
		return t.seq[key(a.Method, a.Pattern)] < t.seq[key(b.Method, b.Pattern)]
	})
	return true
}

// Match resolves method and path to a route. Exact patterns are tried
// before wildcards.
func (t *Table) Match(method, path string) (Route, bool) {
	method = strings.ToUpper(method)
	if r, ok := t.exact[key(method, path)]; ok {
		return r, true
	}
	if r, ok := t.exact[key(AnyMethod, path)]; ok {
		return r, true
	}
	for _, r := range t.wildcards {
		if r.Method != AnyMethod && r.Method != method {
			continue
		}
		if MatchesWildcard(path, r.Pattern) {
			return r, true
		}
	}
	return Route{}, false
}

// Len returns the number of routes in the table.
func (t *Table) Len() int {
	return t.n
}
