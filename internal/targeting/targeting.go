// Package targeting evaluates whether a request is eligible for an
// experiment. Matchers are compiled once from configuration and are safe for
// concurrent use; Matches has no side effects.
package targeting

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/faultline-io/chaos-agent/internal/config"
)

// Compiled holds pre-compiled targeting rules for efficient matching.
type Compiled struct {
	paths      []pathMatcher
	methods    map[string]struct{}
	headers    map[string]string
	percentage int
}

type matcherKind int

const (
	matchExact matcherKind = iota
	matchPrefix
	matchRegex
)

type pathMatcher struct {
	kind    matcherKind
	value   string
	pattern *regexp.Regexp
}

// Compile builds a Compiled matcher from targeting configuration. Regex
// patterns must already have passed config validation; a failure here still
// returns an error rather than panicking.
func Compile(t config.Targeting) (*Compiled, error) {
	c := &Compiled{
		methods:    make(map[string]struct{}, len(t.Methods)),
		headers:    make(map[string]string, len(t.Headers)),
		percentage: t.Percentage,
	}

	for _, p := range t.Paths {
		switch {
		case p.Exact != "":
			c.paths = append(c.paths, pathMatcher{kind: matchExact, value: p.Exact})
		case p.Prefix != "":
			c.paths = append(c.paths, pathMatcher{kind: matchPrefix, value: p.Prefix})
		case p.Regex != "":
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("invalid regex pattern %q: %w", p.Regex, err)
			}
			c.paths = append(c.paths, pathMatcher{kind: matchRegex, pattern: re})
		}
	}

	for _, m := range t.Methods {
		c.methods[strings.ToUpper(m)] = struct{}{}
	}

	// Header names are matched case-insensitively, values case-sensitively.
	for name, value := range t.Headers {
		c.headers[strings.ToLower(name)] = value
	}

	return c, nil
}

// Percentage returns the experiment's sampling rate (0-100).
func (c *Compiled) Percentage() int {
	return c.percentage
}

// Matches reports whether a request is targeted by these rules. The headers
// map must use lower-cased names (see FlattenHeaders).
func (c *Compiled) Matches(method, path string, headers map[string]string) bool {
	if len(c.methods) > 0 {
		if _, ok := c.methods[strings.ToUpper(method)]; !ok {
			return false
		}
	}
	if len(c.paths) > 0 && !c.matchesPath(path) {
		return false
	}
	return c.matchesHeaders(headers)
}

func (c *Compiled) matchesPath(path string) bool {
	for _, m := range c.paths {
		switch m.kind {
		case matchExact:
			if path == m.value {
				return true
			}
		case matchPrefix:
			if strings.HasPrefix(path, m.value) {
				return true
			}
		case matchRegex:
			if m.pattern.MatchString(path) {
				return true
			}
		}
	}
	return false
}

func (c *Compiled) matchesHeaders(headers map[string]string) bool {
	for name, expected := range c.headers {
		if got, ok := headers[name]; !ok || got != expected {
			return false
		}
	}
	return true
}

// IsExcluded reports whether a path matches any excluded entry. A path is
// excluded when it equals an entry exactly or is a sub-path of it, so
// "/health" excludes "/health/live" but not "/healthy".
func IsExcluded(path string, excluded []string) bool {
	for _, e := range excluded {
		if path == e || strings.HasPrefix(path, e+"/") {
			return true
		}
	}
	return false
}

// FlattenHeaders lowers header names and keeps the first value of each
// multi-value header, the form the matcher consumes.
func FlattenHeaders(headers map[string][]string) map[string]string {
	flat := make(map[string]string, len(headers))
	for name, values := range headers {
		v := ""
		if len(values) > 0 {
			v = values[0]
		}
		flat[strings.ToLower(name)] = v
	}
	return flat
}
