package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dexwatch/internal/fetcher"
)

// PairUpdate is one emitted pair snapshot as recorded by the watch command.
type PairUpdate struct {
	ID int64
	// Kind is the subscription kind that emitted it: "pair" or "token".
	Kind string
	// Subscription is the subscribed address: the pair itself or the token.
	Subscription string
	ChainID      string
	PairAddress  string
	DexID        string
	BaseSymbol   string
	QuoteSymbol  string
	PriceUSD     decimal.NullDecimal
	PriceNative  decimal.Decimal
	VolumeH24    decimal.Decimal
	LiquidityUSD decimal.NullDecimal
	Snapshot     json.RawMessage
	ObservedAt   time.Time
	CreatedAt    time.Time
}

// NewPairUpdate flattens a pair snapshot into a row.
func NewPairUpdate(kind, subscription string, p fetcher.Pair) (PairUpdate, error) {
	snapshot, err := json.Marshal(p)
	if err != nil {
		return PairUpdate{}, fmt.Errorf("marshal pair snapshot: %w", err)
	}

	observed := p.FetchedAt
	if observed.IsZero() {
		observed = time.Now()
	}

	update := PairUpdate{
		Kind:         kind,
		Subscription: subscription,
		ChainID:      p.ChainID,
		PairAddress:  p.PairAddress,
		DexID:        p.DexID,
		BaseSymbol:   p.BaseToken.Symbol,
		QuoteSymbol:  p.QuoteToken.Symbol,
		PriceUSD:     p.PriceUSD,
		PriceNative:  p.PriceNative,
		VolumeH24:    decimal.NewFromFloat(p.Volume.H24),
		Snapshot:     snapshot,
		ObservedAt:   observed.UTC(),
	}
	if p.Liquidity != nil && p.Liquidity.USD != nil {
		update.LiquidityUSD = decimal.NewNullDecimal(decimal.NewFromFloat(*p.Liquidity.USD))
	}
	return update, nil
}

// UpdateQuery narrows a listing. Empty fields match everything.
type UpdateQuery struct {
	ChainID     string
	PairAddress string
	From        time.Time
	To          time.Time
	Limit       int
}
