package keys

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Selector identifies which cache entries an invalidation targets. Each
// variant carries only the fields its scope requires, so dispatch is a type
// switch instead of string comparison.
type Selector interface {
	// Pattern renders the selector as a glob over the wire-form key space.
	Pattern() string
	// Describe names the selector for logs and results.
	Describe() string
}

// ByEngine targets every entry produced by one engine.
type ByEngine struct {
	Engine Engine
}

func (s ByEngine) Pattern() string  { return Prefix + string(s.Engine) + ":*:*:*" }
func (s ByEngine) Describe() string { return "engine=" + string(s.Engine) }

// ByOperation targets one operation of one engine.
type ByOperation struct {
	Engine    Engine
	Operation string
}

func (s ByOperation) Pattern() string {
	return Prefix + string(s.Engine) + ":" + s.Operation + ":*:*"
}

func (s ByOperation) Describe() string {
	return "operation=" + string(s.Engine) + ":" + s.Operation
}

// ByFile targets every entry derived from one uploaded file, across engines
// and operations.
type ByFile struct {
	FileID string
}

func (s ByFile) Pattern() string  { return Prefix + "*:*:" + s.FileID + ":*" }
func (s ByFile) Describe() string { return "file=" + s.FileID }

// ByPattern targets entries matching a free-form glob. The glob is anchored
// inside the cache namespace unless the caller already namespaced it.
type ByPattern struct {
	Glob string
}

func (s ByPattern) Pattern() string {
	if len(s.Glob) >= len(Prefix) && s.Glob[:len(Prefix)] == Prefix {
		return s.Glob
	}
	return Prefix + s.Glob
}

func (s ByPattern) Describe() string { return "pattern=" + s.Pattern() }

// All targets the entire cache namespace.
type All struct{}

func (All) Pattern() string  { return Prefix + "*" }
func (All) Describe() string { return "all" }

// Matcher compiles a selector's glob once for repeated key tests.
type Matcher struct {
	compiled glob.Glob
	pattern  string
}

// NewMatcher compiles the selector. Invalid free-form globs are reported to
// the caller instead of matching nothing silently.
func NewMatcher(sel Selector) (Matcher, error) {
	pattern := sel.Pattern()
	compiled, err := glob.Compile(pattern)
	if err != nil {
		return Matcher{}, fmt.Errorf("keys: compile selector %s: %w", sel.Describe(), err)
	}
	return Matcher{compiled: compiled, pattern: pattern}, nil
}

// Match reports whether the wire-form key falls inside the selector's scope.
func (m Matcher) Match(key string) bool {
	if m.compiled == nil {
		return false
	}
	return m.compiled.Match(key)
}

// Pattern returns the glob the matcher was compiled from.
func (m Matcher) Pattern() string { return m.pattern }
