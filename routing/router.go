// Package routing maps URL path templates with {placeholder} segments to
// endpoint names and back. Route and Build are exact inverses: building a
// path from a name and values and routing it again yields the same pair.
package routing

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrMalformedTemplate is returned when a template does not begin with
	// "/" or contains unbalanced or empty braces.
	ErrMalformedTemplate = errors.New("malformed template")
	// ErrDuplicateName is returned when a name is registered twice.
	ErrDuplicateName = errors.New("duplicate route name")
	// ErrMissingValue is returned by Build when a placeholder has no value.
	ErrMissingValue = errors.New("missing placeholder value")
	// ErrUnknownName is returned by Build for an unregistered name.
	ErrUnknownName = errors.New("unknown route name")
)

type segment struct {
	literal     string
	placeholder string // non-empty for {name} segments
}

type route struct {
	name     string
	segments []segment
	literals int // count of literal segments, used for specificity ranking
}

// Match is the result of routing a concrete path.
type Match struct {
	Name   string
	Values map[string]string
}

// Router is a bidirectional mapping between path templates and endpoint
// names. Registration happens at startup; Route and Build are safe for
// concurrent use once registration is done.
type Router struct {
	routes []route // in registration order
	byName map[string]*route
}

// New returns an empty Router.
func New() *Router {
	return &Router{byName: make(map[string]*route)}
}

// Add registers a template under a name and returns the set of placeholder
// names the template declares.
func (r *Router) Add(template, name string) (map[string]struct{}, error) {
	if _, exists := r.byName[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	segs, err := parseTemplate(template)
	if err != nil {
		return nil, err
	}

	rt := route{name: name, segments: segs}
	placeholders := make(map[string]struct{})
	for _, s := range segs {
		if s.placeholder != "" {
			placeholders[s.placeholder] = struct{}{}
		} else {
			rt.literals++
		}
	}

	r.routes = append(r.routes, rt)
	r.byName[name] = &r.routes[len(r.routes)-1]
	return placeholders, nil
}

// Route matches a concrete path against the registered templates. The
// template with the most literal segments wins; ties go to the earliest
// registration. Returns nil when nothing matches.
func (r *Router) Route(path string) *Match {
	parts := splitPath(path)

	var best *Match
	bestLiterals := -1
	for i := range r.routes {
		rt := &r.routes[i]
		values, ok := rt.match(parts)
		if !ok {
			continue
		}
		if rt.literals > bestLiterals {
			best = &Match{Name: rt.name, Values: values}
			bestLiterals = rt.literals
		}
	}
	return best
}

// Build substitutes values into the named template and returns the path.
// Placeholder values are URL-encoded.
func (r *Router) Build(name string, values map[string]string) (string, error) {
	rt, ok := r.byName[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownName, name)
	}

	var b strings.Builder
	for _, s := range rt.segments {
		b.WriteByte('/')
		if s.placeholder == "" {
			b.WriteString(s.literal)
			continue
		}
		v, ok := values[s.placeholder]
		if !ok {
			return "", fmt.Errorf("%w: %q in route %q", ErrMissingValue, s.placeholder, name)
		}
		b.WriteString(url.PathEscape(v))
	}
	if b.Len() == 0 {
		return "/", nil
	}
	return b.String(), nil
}

func (rt *route) match(parts []string) (map[string]string, bool) {
	if len(parts) != len(rt.segments) {
		return nil, false
	}
	values := make(map[string]string)
	for i, s := range rt.segments {
		if s.placeholder != "" {
			v, err := url.PathUnescape(parts[i])
			if err != nil {
				return nil, false
			}
			values[s.placeholder] = v
			continue
		}
		if s.literal != parts[i] {
			return nil, false
		}
	}
	return values, true
}

func parseTemplate(template string) ([]segment, error) {
	if !strings.HasPrefix(template, "/") {
		return nil, fmt.Errorf("%w: %q does not begin with /", ErrMalformedTemplate, template)
	}

	var segs []segment
	for _, part := range splitPath(template) {
		open := strings.Count(part, "{")
		close := strings.Count(part, "}")
		switch {
		case open == 0 && close == 0:
			segs = append(segs, segment{literal: part})
		case open == 1 && close == 1 && strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			if name == "" {
				return nil, fmt.Errorf("%w: empty placeholder in %q", ErrMalformedTemplate, template)
			}
			segs = append(segs, segment{placeholder: name})
		default:
			return nil, fmt.Errorf("%w: unbalanced braces in segment %q", ErrMalformedTemplate, part)
		}
	}
	return segs, nil
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
