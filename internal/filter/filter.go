package filter

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Reason explains an emit decision.
type Reason string

const (
	ReasonBootstrap   Reason = "bootstrap"
	ReasonUnfiltered  Reason = "unfiltered"
	ReasonChanged     Reason = "changed"
	ReasonUnchanged   Reason = "unchanged"
	ReasonRateLimited Reason = "rate_limited"
)

// Decision is the outcome of one Decide call.
type Decision struct {
	Emit   bool
	Reason Reason
}

// State is the per-subscription cache: the last emitted snapshot and the
// emission limiter. Suppressed snapshots never replace the cache, so every
// comparison is against the last value the callback actually saw.
type State struct {
	mu sync.Mutex

	disabled   bool
	fields     []string
	thresholds map[string]decimal.Decimal
	limiter    *rate.Limiter

	last      Record
	lastGroup map[string]Record
	lastEmit  time.Time
}

// NewState compiles cfg into an empty cache. cfg is assumed valid.
func NewState(cfg Config) *State {
	s := &State{
		disabled:   cfg.Disabled,
		fields:     append([]string(nil), cfg.WatchedFields()...),
		thresholds: make(map[string]decimal.Decimal, len(cfg.Thresholds)),
	}
	for field, t := range cfg.Thresholds {
		s.thresholds[field] = decimal.NewFromFloat(t)
	}
	if !cfg.Disabled && cfg.MaxUpdatesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxUpdatesPerSecond), 1)
	}
	return s
}

// Decide compares rec with the last emitted record and updates the cache
// when it decides to emit.
func (s *State) Decide(rec Record, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.decide(now, s.last != nil, func() bool {
		return s.recordChanged(s.last, rec)
	}, func() {
		s.last = rec
	})
}

// DecideGroup treats a token's full pair list, keyed by pair address, as one
// composite snapshot. The composite changed when the set of pairs changed or
// when any pair present in both lists changed in a watched field. An empty
// list is a valid composite and bootstraps like any other.
func (s *State) DecideGroup(members map[string]Record, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if members == nil {
		members = map[string]Record{}
	}
	return s.decide(now, s.lastGroup != nil, func() bool {
		if len(members) != len(s.lastGroup) {
			return true
		}
		for addr, rec := range members {
			old, ok := s.lastGroup[addr]
			if !ok || s.recordChanged(old, rec) {
				return true
			}
		}
		return false
	}, func() {
		s.lastGroup = members
	})
}

func (s *State) decide(now time.Time, cached bool, changed func() bool, store func()) Decision {
	switch {
	case !cached:
		s.emit(now, store)
		return Decision{Emit: true, Reason: ReasonBootstrap}
	case s.disabled:
		s.emit(now, store)
		return Decision{Emit: true, Reason: ReasonUnfiltered}
	case !changed():
		return Decision{Reason: ReasonUnchanged}
	case s.limiter != nil && !s.limiter.AllowN(now, 1):
		return Decision{Reason: ReasonRateLimited}
	}
	store()
	s.lastEmit = now
	return Decision{Emit: true, Reason: ReasonChanged}
}

func (s *State) emit(now time.Time, store func()) {
	if s.limiter != nil {
		s.limiter.AllowN(now, 1)
	}
	store()
	s.lastEmit = now
}

func (s *State) recordChanged(old, rec Record) bool {
	for _, field := range s.fields {
		if s.fieldChanged(old, rec, field) {
			return true
		}
	}
	return false
}

func (s *State) fieldChanged(old, rec Record, field string) bool {
	ov, hadOld := old.Lookup(field)
	nv, hasNew := rec.Lookup(field)
	if !hadOld && !hasNew {
		return false
	}
	if hadOld != hasNew {
		return true
	}

	threshold, ok := s.thresholds[field]
	if !ok {
		return !equalValues(ov, nv)
	}

	od, oNum := toDecimal(ov)
	nd, nNum := toDecimal(nv)
	if !oNum || !nNum {
		return !equalValues(ov, nv)
	}
	if od.IsZero() {
		return !nd.IsZero()
	}
	ratio := nd.Sub(od).Abs().Div(od.Abs())
	return ratio.GreaterThanOrEqual(threshold)
}

// LastEmitted returns the cached record and when it was emitted.
func (s *State) LastEmitted() (Record, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastEmit, s.last != nil
}

// Reset drops the cache so the next snapshot bootstraps again.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = nil
	s.lastGroup = nil
	s.lastEmit = time.Time{}
	if s.limiter != nil {
		s.limiter = rate.NewLimiter(s.limiter.Limit(), 1)
	}
}
