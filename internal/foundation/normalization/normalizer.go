// Package normalization maps loosely written enum strings (mixed case,
// stray whitespace, aliases) onto typed values.
package normalization

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"
)

// Normalizer resolves raw strings against a fixed alias table.
type Normalizer[T comparable] struct {
	name     string
	values   map[string]T
	fallback T
	keys     []string
}

// New builds a Normalizer. name appears in error messages; fallback is what
// Normalize returns for unknown input.
func New[T comparable](name string, values map[string]T, fallback T) *Normalizer[T] {
	n := &Normalizer[T]{
		name:     name,
		values:   make(map[string]T, len(values)),
		fallback: fallback,
		keys:     make([]string, 0, len(values)),
	}
	for alias, v := range values {
		key := fold(alias)
		n.values[key] = v
		n.keys = append(n.keys, key)
	}
	slices.Sort(n.keys)
	return n
}

// Normalize returns the value for raw, or the fallback.
func (n *Normalizer[T]) Normalize(raw string) T {
	if v, ok := n.values[fold(raw)]; ok {
		return v
	}
	return n.fallback
}

// Parse is Normalize without the fallback.
func (n *Normalizer[T]) Parse(raw string) (T, error) {
	if v, ok := n.values[fold(raw)]; ok {
		return v, nil
	}
	var zero T
	return zero, fmt.Errorf("unknown %s %q (valid: %s)", n.name, raw, strings.Join(n.keys, ", "))
}

// Keys lists the accepted spellings in sorted order.
func (n *Normalizer[T]) Keys() []string {
	return slices.Clone(n.keys)
}

// fold trims and case-folds s. A Caser is stateful, so one is created per call.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
