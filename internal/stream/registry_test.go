package stream

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexwatch/internal/filter"
)

func testEntry(kind Kind, chain, addr string, interval time.Duration) *entry {
	return &entry{
		key:      Key{Kind: kind, ChainID: chain, Address: addr},
		interval: interval,
		state:    filter.NewState(filter.Config{}),
	}
}

func TestRegistryAddReplaceRemove(t *testing.T) {
	r := newRegistry(30)

	first := testEntry(KindPair, "ethereum", "0xabc", time.Second)
	assert.Equal(t, added, r.add(first))

	second := testEntry(KindPair, "ethereum", "0xabc", time.Minute)
	assert.Equal(t, replaced, r.add(second))
	assert.False(t, r.current(first))
	assert.True(t, r.current(second))
	assert.Equal(t, 1, r.pairCount("ethereum"))

	assert.True(t, r.remove(second.key))
	assert.False(t, r.remove(second.key))
	assert.Equal(t, 0, r.pairCount("ethereum"))
	assert.Empty(t, r.list())
}

func TestRegistryPairCapPerChain(t *testing.T) {
	r := newRegistry(2)

	assert.Equal(t, added, r.add(testEntry(KindPair, "bsc", "0x1", time.Second)))
	assert.Equal(t, added, r.add(testEntry(KindPair, "bsc", "0x2", time.Second)))
	assert.Equal(t, rejected, r.add(testEntry(KindPair, "bsc", "0x3", time.Second)))
	assert.Equal(t, replaced, r.add(testEntry(KindPair, "bsc", "0x2", time.Second)), "replacing at capacity is allowed")

	assert.Equal(t, added, r.add(testEntry(KindPair, "ethereum", "0x3", time.Second)), "cap is per chain")
	for i := 0; i < 5; i++ {
		assert.Equal(t, added, r.add(testEntry(KindToken, "bsc", fmt.Sprintf("0xt%d", i), time.Second)), "tokens are not capped")
	}

	require.True(t, r.remove(Key{Kind: KindPair, ChainID: "bsc", Address: "0x1"}))
	assert.Equal(t, added, r.add(testEntry(KindPair, "bsc", "0x3", time.Second)))
}

func TestRegistryIntervalIsBucketMinimum(t *testing.T) {
	r := newRegistry(30)
	b := bucket{chain: "ethereum", kind: KindPair}

	_, ok := r.interval(b)
	assert.False(t, ok)

	r.add(testEntry(KindPair, "ethereum", "0x1", time.Second))
	r.add(testEntry(KindPair, "ethereum", "0x2", 300*time.Millisecond))
	r.add(testEntry(KindPair, "bsc", "0x3", time.Millisecond))
	r.add(testEntry(KindToken, "ethereum", "0x4", time.Millisecond))

	d, ok := r.interval(b)
	require.True(t, ok)
	assert.Equal(t, 300*time.Millisecond, d)

	r.remove(Key{Kind: KindPair, ChainID: "ethereum", Address: "0x2"})
	d, _ = r.interval(b)
	assert.Equal(t, time.Second, d)
}

func TestRegistrySnapshotsAreOrderedCopies(t *testing.T) {
	r := newRegistry(30)
	r.add(testEntry(KindToken, "bsc", "0xb", time.Second))
	r.add(testEntry(KindPair, "ethereum", "0xb", time.Second))
	r.add(testEntry(KindPair, "ethereum", "0xa", time.Second))
	r.add(testEntry(KindPair, "bsc", "0xc", time.Second))

	var keys []string
	for _, e := range r.list() {
		keys = append(keys, e.key.String())
	}
	assert.Equal(t, []string{"pair:bsc:0xc", "pair:ethereum:0xa", "pair:ethereum:0xb", "token:bsc:0xb"}, keys)

	snap := r.bucket(bucket{chain: "ethereum", kind: KindPair})
	require.Len(t, snap, 2)
	r.remove(snap[0].key)
	assert.Len(t, snap, 2, "removal does not affect an existing snapshot")

	assert.Equal(t, 3, r.clear())
	assert.Empty(t, r.list())
}

func TestBatches(t *testing.T) {
	entries := make([]*entry, 65)
	for i := range entries {
		entries[i] = testEntry(KindPair, "ethereum", fmt.Sprintf("0x%d", i), time.Second)
	}

	got := batches(entries, 30)
	require.Len(t, got, 3)
	assert.Len(t, got[0], 30)
	assert.Len(t, got[1], 30)
	assert.Len(t, got[2], 5)

	assert.Len(t, batches(entries, 100), 3, "batch size is capped by the provider ceiling")
	assert.Len(t, batches(entries, 10), 7)
	assert.Empty(t, batches(nil, 10))
}
