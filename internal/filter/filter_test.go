package filter

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func price(v string) Record {
	return Record{"price_usd": decimal.RequireFromString(v)}
}

func TestBootstrapAlwaysEmits(t *testing.T) {
	configs := map[string]Config{
		"disabled":    Disabled(),
		"default":     SimpleChangeDetection(),
		"price":       SignificantPriceChanges(0.5),
		"significant": SignificantAllChanges(0.5, 0.5, 0.5),
		"rate":        RateLimited(0.001),
		"ui":          UIFriendly(),
		"monitoring":  Monitoring(),
	}
	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			s := NewState(cfg)
			d := s.Decide(Record{}, epoch)
			assert.Equal(t, Decision{Emit: true, Reason: ReasonBootstrap}, d)
			_, _, ok := s.LastEmitted()
			assert.True(t, ok)
		})
	}
}

func TestThresholdBoundary(t *testing.T) {
	s := NewState(SignificantPriceChanges(0.01))
	require.True(t, s.Decide(price("1.00"), epoch).Emit)

	d := s.Decide(price("1.0099"), epoch)
	assert.Equal(t, ReasonUnchanged, d.Reason)
	assert.False(t, d.Emit)

	d = s.Decide(price("1.01"), epoch)
	assert.True(t, d.Emit, "a change of exactly the threshold emits")
	assert.Equal(t, ReasonChanged, d.Reason)

	d = s.Decide(price("0.9999"), epoch)
	assert.True(t, d.Emit, "downward moves count by magnitude")
}

func TestComparesAgainstLastEmitted(t *testing.T) {
	s := NewState(SignificantPriceChanges(0.01))

	assert.True(t, s.Decide(price("1.00"), epoch).Emit)
	assert.False(t, s.Decide(price("1.005"), epoch).Emit)

	d := s.Decide(price("1.02"), epoch)
	assert.True(t, d.Emit)

	last, _, ok := s.LastEmitted()
	require.True(t, ok)
	v, _ := last.Lookup("price_usd")
	assert.True(t, v.(decimal.Decimal).Equal(decimal.RequireFromString("1.02")))
}

func TestSuppressedSnapshotsDoNotDrift(t *testing.T) {
	s := NewState(SignificantPriceChanges(0.01))
	require.True(t, s.Decide(price("1.000"), epoch).Emit)

	// Each step is below the threshold relative to its predecessor, but the
	// cumulative move from the emitted baseline crosses it.
	assert.False(t, s.Decide(price("1.004"), epoch).Emit)
	assert.False(t, s.Decide(price("1.008"), epoch).Emit)
	assert.True(t, s.Decide(price("1.012"), epoch).Emit)
}

func TestRateLimitDoesNotUpdateCache(t *testing.T) {
	clk := testclock.NewClock(epoch)
	s := NewState(Config{Fields: []string{"price_usd"}, MaxUpdatesPerSecond: 2})

	require.True(t, s.Decide(price("1"), clk.Now()).Emit)

	clk.Advance(100 * time.Millisecond)
	d := s.Decide(price("2"), clk.Now())
	assert.Equal(t, Decision{Reason: ReasonRateLimited}, d)

	last, emittedAt, _ := s.LastEmitted()
	v, _ := last.Lookup("price_usd")
	assert.True(t, v.(decimal.Decimal).Equal(decimal.NewFromInt(1)))
	assert.Equal(t, epoch, emittedAt)

	clk.Advance(450 * time.Millisecond)
	d = s.Decide(price("2"), clk.Now())
	assert.Equal(t, Decision{Emit: true, Reason: ReasonChanged}, d)
}

func TestRateLimitSpacing(t *testing.T) {
	clk := testclock.NewClock(epoch)
	s := NewState(RateLimited(4))

	var emissions []time.Time
	for i := 0; i < 200; i++ {
		rec := price(decimal.NewFromInt(int64(i + 1)).String())
		if s.Decide(rec, clk.Now()).Emit {
			emissions = append(emissions, clk.Now())
		}
		clk.Advance(20 * time.Millisecond)
	}

	require.Greater(t, len(emissions), 10)
	for i := 1; i < len(emissions); i++ {
		assert.GreaterOrEqual(t, emissions[i].Sub(emissions[i-1]), 250*time.Millisecond)
	}
}

func TestRateLimitOnlyAppliesToChanges(t *testing.T) {
	clk := testclock.NewClock(epoch)
	s := NewState(RateLimited(1))
	require.True(t, s.Decide(price("1"), clk.Now()).Emit)

	clk.Advance(2 * time.Second)
	assert.Equal(t, ReasonUnchanged, s.Decide(price("1"), clk.Now()).Reason)
	assert.True(t, s.Decide(price("1.1"), clk.Now()).Emit)
}

func TestDisabledPassesEverything(t *testing.T) {
	s := NewState(Disabled())
	assert.Equal(t, ReasonBootstrap, s.Decide(price("1"), epoch).Reason)
	for i := 0; i < 3; i++ {
		d := s.Decide(price("1"), epoch)
		assert.Equal(t, Decision{Emit: true, Reason: ReasonUnfiltered}, d)
	}
}

func TestAbsentFields(t *testing.T) {
	s := NewState(SignificantPriceChanges(0.01))
	require.True(t, s.Decide(Record{}, epoch).Emit)

	assert.False(t, s.Decide(Record{"price_usd": nil}, epoch).Emit, "absent on both sides is no change")
	assert.True(t, s.Decide(price("1"), epoch).Emit, "absent to present is a change")
	assert.True(t, s.Decide(Record{}, epoch).Emit, "present to absent is a change")
}

func TestZeroBaseline(t *testing.T) {
	s := NewState(SignificantPriceChanges(0.5))
	require.True(t, s.Decide(price("0"), epoch).Emit)
	assert.False(t, s.Decide(price("0"), epoch).Emit)
	assert.True(t, s.Decide(price("0.0000001"), epoch).Emit)
}

func TestNonNumericThresholdField(t *testing.T) {
	s := NewState(Config{Fields: []string{"dex_id"}, Thresholds: map[string]float64{"dex_id": 0.5}})
	require.True(t, s.Decide(Record{"dex_id": "uniswap"}, epoch).Emit)
	assert.False(t, s.Decide(Record{"dex_id": "uniswap"}, epoch).Emit)
	assert.True(t, s.Decide(Record{"dex_id": "sushiswap"}, epoch).Emit)
}

func TestNestedWatchedField(t *testing.T) {
	s := NewState(Config{Fields: []string{"volume.h24"}, Thresholds: map[string]float64{"volume.h24": 0.1}})
	vol := func(v float64) Record { return Record{"volume": map[string]any{"h24": v, "m5": v}} }

	require.True(t, s.Decide(vol(100), epoch).Emit)
	assert.False(t, s.Decide(vol(109), epoch).Emit)
	assert.True(t, s.Decide(vol(110), epoch).Emit)
}

func TestDefaultFieldsCompareStructurally(t *testing.T) {
	s := NewState(SimpleChangeDetection())
	rec := func(usd float64) Record {
		return Record{"price_usd": 1.0, "liquidity": map[string]any{"usd": usd, "base": 1.0}}
	}
	require.True(t, s.Decide(rec(10), epoch).Emit)
	assert.False(t, s.Decide(rec(10), epoch).Emit)
	assert.True(t, s.Decide(rec(11), epoch).Emit)
}

func TestDecideGroup(t *testing.T) {
	s := NewState(SignificantPriceChanges(0.01))

	group := map[string]Record{"0xa": price("1"), "0xb": price("2")}
	assert.Equal(t, ReasonBootstrap, s.DecideGroup(group, epoch).Reason)

	same := map[string]Record{"0xa": price("1.001"), "0xb": price("2")}
	assert.False(t, s.DecideGroup(same, epoch).Emit)

	moved := map[string]Record{"0xa": price("1"), "0xb": price("2.1")}
	assert.True(t, s.DecideGroup(moved, epoch).Emit)

	listed := map[string]Record{"0xa": price("1"), "0xb": price("2.1"), "0xc": price("3")}
	assert.True(t, s.DecideGroup(listed, epoch).Emit, "a new pair changes the composite")

	delisted := map[string]Record{"0xa": price("1"), "0xc": price("3")}
	assert.True(t, s.DecideGroup(delisted, epoch).Emit, "a removed pair changes the composite")

	swapped := map[string]Record{"0xa": price("1"), "0xd": price("3")}
	assert.True(t, s.DecideGroup(swapped, epoch).Emit, "same size, different members")

	assert.True(t, s.DecideGroup(map[string]Record{}, epoch).Emit, "all pairs delisted")
}

func TestDecideGroupEmptyListBootstraps(t *testing.T) {
	s := NewState(SignificantPriceChanges(0.01))

	assert.Equal(t, Decision{Emit: true, Reason: ReasonBootstrap}, s.DecideGroup(nil, epoch))
	assert.Equal(t, Decision{Reason: ReasonUnchanged}, s.DecideGroup(map[string]Record{}, epoch))

	listed := map[string]Record{"0xa": price("1")}
	assert.Equal(t, Decision{Emit: true, Reason: ReasonChanged}, s.DecideGroup(listed, epoch))

	unfiltered := NewState(Disabled())
	assert.Equal(t, ReasonBootstrap, unfiltered.DecideGroup(map[string]Record{}, epoch).Reason)
	for i := 0; i < 3; i++ {
		assert.Equal(t, Decision{Emit: true, Reason: ReasonUnfiltered}, unfiltered.DecideGroup(nil, epoch))
	}
}

func TestReset(t *testing.T) {
	s := NewState(SignificantPriceChanges(0.5))
	require.True(t, s.Decide(price("1"), epoch).Emit)
	require.False(t, s.Decide(price("1"), epoch).Emit)

	s.Reset()
	assert.Equal(t, ReasonBootstrap, s.Decide(price("1"), epoch).Reason)
}
