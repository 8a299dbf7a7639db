package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RecordAndSnapshot(t *testing.T) {
	c := New(5*time.Minute, 4, nil)

	c.RecordStart("openai")
	c.RecordStart("openai")
	c.RecordFirstToken("openai", "provider", 120*time.Millisecond)
	c.RecordSuccess("openai", 800*time.Millisecond, 50, 10, 0.002)
	c.RecordFailure("openai", 500)

	snap := c.SnapshotOne("openai")
	assert.Equal(t, 2, snap.RequestCount)
	assert.Equal(t, 1, snap.SuccessCount)
	assert.Equal(t, 1, snap.ErrorCount)
	require.True(t, snap.HasTTFT)
	assert.InDelta(t, 120, snap.AvgTTFTMillis, 0.01)
	require.True(t, snap.HasTPS)
	assert.InDelta(t, 62.5, snap.AvgTokensPerSec, 0.1)
	assert.Equal(t, int64(10), snap.TotalInputTokens)
	assert.Equal(t, int64(50), snap.TotalOutputTokens)
	assert.InDelta(t, 0.002, snap.TotalCost, 1e-9)
}

func TestCollector_SnapshotOneUnknownProvider(t *testing.T) {
	c := New(5*time.Minute, 4, nil)
	snap := c.SnapshotOne("nobody")
	assert.Equal(t, "nobody", snap.Provider)
	assert.Equal(t, 0, snap.RequestCount)
	assert.False(t, snap.HasTTFT)
}

func TestCollector_WindowEviction(t *testing.T) {
	c := New(time.Minute, 2, nil)
	fixed := time.Unix(10_000, 0)
	c.now = func() time.Time { return fixed }

	c.RecordStart("p")
	c.RecordFirstToken("p", "provider", 50*time.Millisecond)

	c.now = func() time.Time { return fixed.Add(2 * time.Minute) }
	snap := c.SnapshotOne("p")
	assert.False(t, snap.HasTTFT, "sample outside the window should be evicted")
	assert.Equal(t, 1, snap.RequestCount, "counters are cumulative, not windowed")
}

func TestCollector_SnapshotSortedAndMultiProvider(t *testing.T) {
	c := New(5*time.Minute, 8, nil)
	c.RecordStart("zeta")
	c.RecordStart("alpha")
	c.RecordStart("mid")

	snap := c.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "alpha", snap[0].Provider)
	assert.Equal(t, "mid", snap[1].Provider)
	assert.Equal(t, "zeta", snap[2].Provider)
}

func TestCollector_StripeDistributionIsStable(t *testing.T) {
	c := New(5*time.Minute, 8, nil)
	a := c.stripeFor("openai")
	b := c.stripeFor("openai")
	assert.Same(t, a, b, "the same provider must always land on the same stripe")
}
