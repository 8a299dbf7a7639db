// Package router resolves a client-facing model alias to the
// configuration that drives target selection (spec §4.2).
package router

import (
	"sort"
	"strings"

	"github.com/llmgateway/gateway/internal/apperrors"
	"github.com/llmgateway/gateway/internal/config"
)

// Result is what Resolve returns on a successful lookup: the alias's
// canonical name (not necessarily what the caller typed, since lookup
// is case-insensitive and may have matched a secondary id) plus its
// configuration.
type Result struct {
	Name  string
	Alias config.AliasConfig
}

// Router is a case-insensitive index over configured aliases, built
// once per config snapshot (spec §9: "built once per config reload,
// not per request").
type Router struct {
	byID map[string]Result // lowercased id (primary or secondary) -> Result
	// order holds the primary alias names sorted by name, so /v1/models
	// enumeration is stable and human-predictable rather than
	// map-iteration order.
	order []string
}

// New builds a Router from the aliases section of a config snapshot.
func New(aliases map[string]config.AliasConfig) *Router {
	r := &Router{byID: make(map[string]Result)}
	for name, alias := range aliases {
		result := Result{Name: name, Alias: alias}
		r.order = append(r.order, name)
		r.byID[strings.ToLower(name)] = result
		for _, secondary := range alias.Secondary {
			r.byID[strings.ToLower(secondary)] = result
		}
	}
	sort.Strings(r.order)
	return r
}

// Resolve looks up name case-insensitively against both primary and
// secondary alias ids.
func (r *Router) Resolve(name string) (Result, error) {
	res, ok := r.byID[strings.ToLower(name)]
	if !ok {
		return Result{}, apperrors.InvalidRequest(apperrors.CodeModelNotFound, "unknown model or alias: "+name)
	}
	return res, nil
}

// List returns every alias sorted by name, for the /v1/models
// surface (spec §6).
func (r *Router) List() []Result {
	out := make([]Result, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byID[strings.ToLower(name)])
	}
	return out
}

// OrderTargets reorders alias.Targets so that any target whose APIType
// matches the requesting dialect comes first, preserving relative order
// within each group otherwise (spec §4.2 "api_match" priority: prefer a
// target that natively speaks the client's dialect before falling back
// to ones that require translation).
func OrderTargets(targets []config.AliasTarget, dialect string) []config.AliasTarget {
	if dialect == "" {
		return targets
	}
	matched := make([]config.AliasTarget, 0, len(targets))
	rest := make([]config.AliasTarget, 0, len(targets))
	for _, t := range targets {
		if strings.EqualFold(t.APIType, dialect) {
			matched = append(matched, t)
		} else {
			rest = append(rest, t)
		}
	}
	return append(matched, rest...)
}
