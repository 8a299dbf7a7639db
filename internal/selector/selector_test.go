package selector

import (
	"math/rand"
	"testing"

	"github.com/llmgateway/gateway/internal/config"
	"github.com/llmgateway/gateway/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidates() []Candidate {
	return []Candidate{
		{Target: config.AliasTarget{Provider: "openai", Model: "gpt-5"}, Provider: config.ProviderConfig{CostPerMillionIn: 5, CostPerMillionOut: 15}, Stats: metrics.ProviderStats{HasTTFT: true, AvgTTFTMillis: 300, HasTPS: true, AvgTokensPerSec: 40, RequestCount: 10}},
		{Target: config.AliasTarget{Provider: "anthropic", Model: "claude-4"}, Provider: config.ProviderConfig{CostPerMillionIn: 3, CostPerMillionOut: 15}, Stats: metrics.ProviderStats{HasTTFT: true, AvgTTFTMillis: 150, HasTPS: true, AvgTokensPerSec: 60, RequestCount: 2}},
	}
}

func TestSelect_InOrder(t *testing.T) {
	c, ok := Select(candidates(), StrategyInOrder, nil, nil)
	require.True(t, ok)
	assert.Equal(t, "openai", c.Target.Provider)
}

func TestSelect_Cost(t *testing.T) {
	c, ok := Select(candidates(), StrategyCost, nil, nil)
	require.True(t, ok)
	assert.Equal(t, "anthropic", c.Target.Provider)
}

func TestSelect_Latency(t *testing.T) {
	c, ok := Select(candidates(), StrategyLatency, nil, nil)
	require.True(t, ok)
	assert.Equal(t, "anthropic", c.Target.Provider)
}

func TestSelect_Performance(t *testing.T) {
	c, ok := Select(candidates(), StrategyPerformance, nil, nil)
	require.True(t, ok)
	assert.Equal(t, "anthropic", c.Target.Provider)
}

func TestSelect_Usage(t *testing.T) {
	c, ok := Select(candidates(), StrategyUsage, nil, nil)
	require.True(t, ok)
	assert.Equal(t, "anthropic", c.Target.Provider, "fewer recent requests should win the usage-balancing strategy")
}

func TestSelect_ExcludesCooldownAndAttempted(t *testing.T) {
	cs := candidates()
	cs[1].OnCooldown = true
	attempted := map[string]bool{"openai|gpt-5": true}

	_, ok := Select(cs, StrategyInOrder, attempted, nil)
	assert.False(t, ok, "every candidate is excluded, so selection must fail")
}

func TestSelect_RandomIsWeightedAndDeterministicWithSeededSource(t *testing.T) {
	cs := []Candidate{
		{Target: config.AliasTarget{Provider: "a", Model: "m", Weight: 1}},
		{Target: config.AliasTarget{Provider: "b", Model: "m", Weight: 1}},
	}
	rnd := rand.New(rand.NewSource(42))
	c1, ok := Select(cs, StrategyRandom, nil, rnd)
	require.True(t, ok)
	c2, ok := Select(cs, StrategyRandom, nil, rand.New(rand.NewSource(42)))
	require.True(t, ok)
	assert.Equal(t, c1.Target.Provider, c2.Target.Provider)
}

func TestSelect_DisabledTargetExcluded(t *testing.T) {
	disabled := false
	cs := []Candidate{{Target: config.AliasTarget{Provider: "a", Model: "m", Enabled: &disabled}}}
	_, ok := Select(cs, StrategyInOrder, nil, nil)
	assert.False(t, ok)
}
