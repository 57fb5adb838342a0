package stream

import (
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"dexwatch/internal/fetcher"
	"dexwatch/internal/filter"
)

// entry is one registered subscription. Entries are immutable once
// registered apart from their filter state; re-subscribing replaces the
// entry, which also discards the cache.
type entry struct {
	key          Key
	interval     time.Duration
	filter       filter.Config
	state        *filter.State
	subscribedAt time.Time

	onPair  PairCallback
	onToken TokenCallback
}

func (e *entry) descriptor() Descriptor {
	return Descriptor{
		Type:         e.key.Kind,
		ChainID:      e.key.ChainID,
		Address:      e.key.Address,
		Filter:       e.filter.Clone(),
		Interval:     e.interval,
		SubscribedAt: e.subscribedAt,
	}
}

type addResult int

const (
	added addResult = iota
	replaced
	rejected
)

// registry maps subscription keys to entries. Readers get copies so a poll
// tick can iterate while subscriptions change.
type registry struct {
	mu               sync.RWMutex
	maxPairsPerChain int
	entries          map[Key]*entry
	pairs            map[string]mapset.Set[string]
}

func newRegistry(maxPairsPerChain int) *registry {
	if maxPairsPerChain <= 0 {
		maxPairsPerChain = fetcher.MaxAddressesPerRequest
	}
	return &registry{
		maxPairsPerChain: maxPairsPerChain,
		entries:          make(map[Key]*entry),
		pairs:            make(map[string]mapset.Set[string]),
	}
}

// add registers e, replacing any entry with the same key. A new pair key on
// a chain already at capacity is rejected.
func (r *registry) add(e *entry) addResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[e.key]; ok {
		r.entries[e.key] = e
		return replaced
	}

	if e.key.Kind == KindPair {
		set, ok := r.pairs[e.key.ChainID]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			r.pairs[e.key.ChainID] = set
		}
		if set.Cardinality() >= r.maxPairsPerChain {
			return rejected
		}
		set.Add(e.key.Address)
	}
	r.entries[e.key] = e
	return added
}

func (r *registry) remove(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; !ok {
		return false
	}
	delete(r.entries, key)
	if set, ok := r.pairs[key.ChainID]; ok && key.Kind == KindPair {
		set.Remove(key.Address)
		if set.IsEmpty() {
			delete(r.pairs, key.ChainID)
		}
	}
	return true
}

func (r *registry) get(key Key) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

// current reports whether e is still the registered entry for its key.
func (r *registry) current(e *entry) bool {
	got, ok := r.get(e.key)
	return ok && got == e
}

// list returns every entry ordered by kind, chain and address.
func (r *registry) list() []*entry {
	r.mu.RLock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sortEntries(out)
	return out
}

// bucket returns the entries served by the loop for b, ordered by address.
func (r *registry) bucket(b bucket) []*entry {
	r.mu.RLock()
	var out []*entry
	for key, e := range r.entries {
		if key.bucket() == b {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()

	sortEntries(out)
	return out
}

// interval resolves the cadence for b: the smallest interval requested by
// any of its entries.
func (r *registry) interval(b bucket) (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		shortest time.Duration
		found    bool
	)
	for key, e := range r.entries {
		if key.bucket() != b {
			continue
		}
		if !found || e.interval < shortest {
			shortest = e.interval
			found = true
		}
	}
	return shortest, found
}

func (r *registry) count(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for key := range r.entries {
		if key.Kind == kind {
			n++
		}
	}
	return n
}

func (r *registry) pairCount(chain string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if set, ok := r.pairs[chain]; ok {
		return set.Cardinality()
	}
	return 0
}

func (r *registry) clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	r.entries = make(map[Key]*entry)
	r.pairs = make(map[string]mapset.Set[string])
	return n
}

func sortEntries(entries []*entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].key, entries[j].key
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.ChainID != b.ChainID {
			return a.ChainID < b.ChainID
		}
		return a.Address < b.Address
	})
}
