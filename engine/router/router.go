// Package router maps (method, path) to a Route, extracting path
// parameters and applying the three-tier precedence rule: more literal
// segments wins, then fewer parameter segments, then earlier
// registration.
package router

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Pattern is a compiled route pattern: a sequence of segments, each
// either a literal or a named parameter (the latter introduced by a
// leading ':').
type Pattern struct {
	raw      string
	segments []segment
}

type segment struct {
	literal string
	param   string // non-empty when this segment is a named parameter
}

// Compile parses a pattern string like "/todos/:id" into segments. A
// pattern of "/" compiles to zero segments, matching only "/" per the
// boundary behavior in §8.
func Compile(raw string) Pattern {
	trimmed := strings.Trim(raw, "/")
	var segs []segment
	if trimmed != "" {
		for _, part := range strings.Split(trimmed, "/") {
			if strings.HasPrefix(part, ":") {
				segs = append(segs, segment{param: part[1:]})
			} else {
				segs = append(segs, segment{literal: part})
			}
		}
	}
	return Pattern{raw: raw, segments: segs}
}

func (p Pattern) literalCount() int {
	n := 0
	for _, s := range p.segments {
		if s.param == "" {
			n++
		}
	}
	return n
}

func (p Pattern) paramCount() int {
	return len(p.segments) - p.literalCount()
}

// match attempts to match path's segments against the pattern, returning
// extracted path parameters on success.
func (p Pattern) match(pathSegs []string) (map[string]string, bool) {
	if len(pathSegs) != len(p.segments) {
		return nil, false
	}
	var params map[string]string
	for i, s := range p.segments {
		if s.param != "" {
			if params == nil {
				params = make(map[string]string, len(p.segments))
			}
			params[s.param] = pathSegs[i]
			continue
		}
		if s.literal != pathSegs[i] {
			return nil, false
		}
	}
	return params, true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Route is a registered (method, pattern) with its before/main step
// sequences and an optional resource budget.
type Route struct {
	Method  string
	Pattern Pattern
	Before  []string // step names
	Steps   []string // step names

	Budget ResourceBudget

	registrationOrder int
}

// ResourceBudget bounds a route's cpu-ms/memory/max-concurrent-effects.
type ResourceBudget struct {
	CPUMillis          int
	MemoryBytes        int64
	MaxConcurrentEffects int
}

// Match is the result of a successful routing lookup.
type Match struct {
	Route      *Route
	PathParams map[string]string
}

// Router compiles and matches registered routes. It is process-scoped,
// created at startup and not referenced via ambient globals from step
// code (§9, "Global singletons").
type Router struct {
	routes      []*Route
	byMethod    map[string][]*Route
	registered  map[string]bool // method+"\x00"+raw pattern, to reject duplicates
	matchCache  *lru.Cache[string, *Match]
}

// New creates an empty router with a bounded match cache for repeat
// traffic shapes.
func New() *Router {
	cache, _ := lru.New[string, *Match](4096)
	return &Router{
		byMethod:   make(map[string][]*Route),
		registered: make(map[string]bool),
		matchCache: cache,
	}
}

// Register adds a route. Duplicate (method, pattern) registrations are
// rejected; conflicting-prefix patterns are accepted and resolved later
// via precedence.
func (r *Router) Register(method, patternRaw string, before, steps []string, budget ResourceBudget) (*Route, error) {
	key := method + "\x00" + patternRaw
	if r.registered[key] {
		return nil, duplicateRouteError(method, patternRaw)
	}
	route := &Route{
		Method:            method,
		Pattern:           Compile(patternRaw),
		Before:            before,
		Steps:             steps,
		Budget:            budget,
		registrationOrder: len(r.routes),
	}
	r.routes = append(r.routes, route)
	r.byMethod[method] = append(r.byMethod[method], route)
	r.registered[key] = true
	if r.matchCache != nil {
		r.matchCache.Purge()
	}
	return route, nil
}

// Match resolves (method, path) to a route and its extracted path
// parameters. It returns ok=false on a miss (the caller maps this to
// 404, per §4.3's failure semantics).
func (r *Router) Match(method, path string) (Match, bool) {
	cacheKey := method + "\x00" + path
	if r.matchCache != nil {
		if m, ok := r.matchCache.Get(cacheKey); ok {
			return *m, true
		}
	}

	pathSegs := splitPath(path)
	candidates := r.byMethod[method]

	var best *Route
	var bestParams map[string]string
	for _, route := range candidates {
		params, ok := route.Pattern.match(pathSegs)
		if !ok {
			continue
		}
		if best == nil || higherPrecedence(route, best) {
			best = route
			bestParams = params
		}
	}

	if best == nil {
		return Match{}, false
	}
	m := Match{Route: best, PathParams: bestParams}
	if r.matchCache != nil {
		r.matchCache.Add(cacheKey, &m)
	}
	return m, true
}

// Routes returns every registered route, in registration order, for
// admin-surface introspection.
func (r *Router) Routes() []*Route {
	out := make([]*Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// higherPrecedence reports whether candidate outranks incumbent under the
// three-tier rule: more literal segments wins; then fewer parameter
// segments; then earlier registration. The rule is total and stable.
func higherPrecedence(candidate, incumbent *Route) bool {
	if candidate.Pattern.literalCount() != incumbent.Pattern.literalCount() {
		return candidate.Pattern.literalCount() > incumbent.Pattern.literalCount()
	}
	if candidate.Pattern.paramCount() != incumbent.Pattern.paramCount() {
		return candidate.Pattern.paramCount() < incumbent.Pattern.paramCount()
	}
	return candidate.registrationOrder < incumbent.registrationOrder
}

type routeError struct{ msg string }

func (e *routeError) Error() string { return e.msg }

func duplicateRouteError(method, pattern string) error {
	return &routeError{msg: "duplicate route: " + method + " " + pattern}
}
