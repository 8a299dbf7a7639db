// Package selector picks one target out of an alias's configured list
// per spec §4.3, given which targets are already on cooldown or have
// already been tried this request.
package selector

import (
	"math"
	"math/rand"
	"sort"

	"github.com/llmgateway/gateway/internal/config"
	"github.com/llmgateway/gateway/internal/metrics"
)

// Strategy is one of the alias-level selection policies.
type Strategy string

const (
	StrategyRandom      Strategy = "random"
	StrategyInOrder     Strategy = "in_order"
	StrategyCost        Strategy = "cost"
	StrategyLatency     Strategy = "latency"
	StrategyPerformance Strategy = "performance"
	StrategyUsage       Strategy = "usage"
)

// Candidate pairs one alias target with its provider config and the
// live metrics the cost/latency/performance/usage strategies rank on.
type Candidate struct {
	Target     config.AliasTarget
	Provider   config.ProviderConfig
	Stats      metrics.ProviderStats
	OnCooldown bool
}

func key(c Candidate) string {
	return c.Target.Provider + "|" + c.Target.Model
}

// eligible filters out candidates on cooldown or already attempted this
// request (spec §4.7: a target must not be retried within one dispatch).
func eligible(candidates []Candidate, attempted map[string]bool) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.OnCooldown {
			continue
		}
		if attempted != nil && attempted[key(c)] {
			continue
		}
		if c.Target.Enabled != nil && !*c.Target.Enabled {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Select applies strategy over candidates, returning the chosen one.
// The boolean result is false when every candidate is on cooldown,
// disabled, or already attempted — the caller (dispatcher) treats that
// as exhausted targets (spec's NoHealthyTarget error).
func Select(candidates []Candidate, strategy Strategy, attempted map[string]bool, rnd *rand.Rand) (Candidate, bool) {
	pool := eligible(candidates, attempted)
	if len(pool) == 0 {
		return Candidate{}, false
	}

	switch strategy {
	case StrategyInOrder, "":
		return pool[0], true
	case StrategyCost:
		return pickMin(pool, estimatedCost), true
	case StrategyLatency:
		return pickMin(pool, ttftOrWorstCase), true
	case StrategyPerformance:
		return pickMax(pool, tokensPerSecOrWorstCase), true
	case StrategyUsage:
		return pickMin(pool, requestCount), true
	case StrategyRandom:
		return pickWeightedRandom(pool, rnd), true
	default:
		return pool[0], true
	}
}

// pickMin and pickMax break ties by keeping the first candidate seen in
// pool order, so results are deterministic for a fixed candidate list
// even when two targets score identically.

func pickMin(pool []Candidate, score func(Candidate) float64) Candidate {
	best := pool[0]
	bestScore := score(best)
	for _, c := range pool[1:] {
		if s := score(c); s < bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

func pickMax(pool []Candidate, score func(Candidate) float64) Candidate {
	best := pool[0]
	bestScore := score(best)
	for _, c := range pool[1:] {
		if s := score(c); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

func estimatedCost(c Candidate) float64 {
	return c.Provider.CostPerMillionIn + c.Provider.CostPerMillionOut
}

func ttftOrWorstCase(c Candidate) float64 {
	if !c.Stats.HasTTFT {
		return math.MaxFloat64
	}
	return c.Stats.AvgTTFTMillis
}

func tokensPerSecOrWorstCase(c Candidate) float64 {
	if !c.Stats.HasTPS {
		return -1
	}
	return c.Stats.AvgTokensPerSec
}

func requestCount(c Candidate) float64 {
	return float64(c.Stats.RequestCount)
}

// pickWeightedRandom performs weighted-by-Target.Weight sampling
// (default weight 1 when unset), using rnd so callers can make
// selection deterministic in tests.
func pickWeightedRandom(pool []Candidate, rnd *rand.Rand) Candidate {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1))
	}
	weights := make([]float64, len(pool))
	var total float64
	for i, c := range pool {
		w := c.Target.Weight
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		total += w
	}
	pick := rnd.Float64() * total
	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if pick < cumulative {
			return pool[i]
		}
	}
	return pool[len(pool)-1]
}

// SortedByStability returns pool sorted for deterministic test
// assertions only; production selection never needs this.
func SortedByStability(pool []Candidate) []Candidate {
	out := append([]Candidate(nil), pool...)
	sort.Slice(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out
}
