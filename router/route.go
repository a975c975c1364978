package router

import (
	"fmt"
	"strings"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/expression"
)

// Route is a named condition gating delivery to components
type Route struct {
	Name      string `yaml:"name" json:"name"`
	Condition string `yaml:"condition" json:"condition"`
}

// Validate checks the route name and that the condition parses
func (r Route) Validate(evaluator expression.Evaluator) error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: route name is empty", errors.ErrInvalidRoute),
			"Route", "Validate", "name validation")
	}
	if evaluator == nil || !evaluator.IsValidExpressionStatement(r.Condition) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: route %q has invalid condition %q", errors.ErrInvalidRoute, r.Name, r.Condition),
			"Route", "Validate", "condition validation")
	}
	return nil
}

// RouteSet holds the names of the routes a record matched
type RouteSet map[string]struct{}

// NewRouteSet builds a set from names
func NewRouteSet(names ...string) RouteSet {
	s := make(RouteSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports whether name is in the set
func (s RouteSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Intersects reports whether any of names is in the set
func (s RouteSet) Intersects(names []string) bool {
	for _, n := range names {
		if s.Has(n) {
			return true
		}
	}
	return false
}
