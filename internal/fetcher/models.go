package fetcher

import (
	"time"

	"github.com/shopspring/decimal"
)

// Token identifies one side of a pair.
type Token struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

// TxnCount holds buy/sell counts for a window.
type TxnCount struct {
	Buys  int64 `json:"buys"`
	Sells int64 `json:"sells"`
}

// TxnWindows groups transaction counts by window.
type TxnWindows struct {
	M5  TxnCount `json:"m5"`
	H1  TxnCount `json:"h1"`
	H6  TxnCount `json:"h6"`
	H24 TxnCount `json:"h24"`
}

// Windows holds a numeric metric sampled over the standard windows.
type Windows struct {
	M5  float64 `json:"m5"`
	H1  float64 `json:"h1"`
	H6  float64 `json:"h6"`
	H24 float64 `json:"h24"`
}

// Liquidity is optional on the upstream payload; USD may be absent on its own.
type Liquidity struct {
	USD   *float64 `json:"usd"`
	Base  float64  `json:"base"`
	Quote float64  `json:"quote"`
}

// Pair is a single pair snapshot as returned by the Dexscreener API.
type Pair struct {
	ChainID       string              `json:"chainId"`
	DexID         string              `json:"dexId"`
	URL           string              `json:"url"`
	PairAddress   string              `json:"pairAddress"`
	BaseToken     Token               `json:"baseToken"`
	QuoteToken    Token               `json:"quoteToken"`
	PriceNative   decimal.Decimal     `json:"priceNative"`
	PriceUSD      decimal.NullDecimal `json:"priceUsd"`
	Txns          TxnWindows          `json:"txns"`
	Volume        Windows             `json:"volume"`
	PriceChange   Windows             `json:"priceChange"`
	Liquidity     *Liquidity          `json:"liquidity"`
	FDV           *float64            `json:"fdv"`
	MarketCap     *float64            `json:"marketCap"`
	PairCreatedAt int64               `json:"pairCreatedAt"`

	// RequestDuration and FetchedAt are stamped by the client, not decoded.
	RequestDuration time.Duration `json:"-"`
	FetchedAt       time.Time     `json:"-"`
}

// HasToken reports whether token is the base or quote token of the pair.
func (p Pair) HasToken(token string) bool {
	return SameAddress(p.BaseToken.Address, token) || SameAddress(p.QuoteToken.Address, token)
}

// CreatedAt converts the millisecond creation stamp.
func (p Pair) CreatedAt() time.Time {
	if p.PairCreatedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.PairCreatedAt).UTC()
}

// Record renders the pair as a tree of maps and scalars keyed by snake_case
// field names, so that dotted paths such as "volume.h24" or "liquidity.usd"
// can be resolved without reflection. Absent optional values are omitted.
func (p Pair) Record() map[string]any {
	rec := map[string]any{
		"chain_id":        p.ChainID,
		"dex_id":          p.DexID,
		"url":             p.URL,
		"pair_address":    p.PairAddress,
		"base_token":      tokenRecord(p.BaseToken),
		"quote_token":     tokenRecord(p.QuoteToken),
		"price_native":    p.PriceNative,
		"transactions":    txnRecord(p.Txns),
		"volume":          windowsRecord(p.Volume),
		"price_change":    windowsRecord(p.PriceChange),
		"pair_created_at": p.PairCreatedAt,
	}
	if p.PriceUSD.Valid {
		rec["price_usd"] = p.PriceUSD.Decimal
	}
	if p.Liquidity != nil {
		liq := map[string]any{
			"base":  decimal.NewFromFloat(p.Liquidity.Base),
			"quote": decimal.NewFromFloat(p.Liquidity.Quote),
		}
		if p.Liquidity.USD != nil {
			liq["usd"] = decimal.NewFromFloat(*p.Liquidity.USD)
		}
		rec["liquidity"] = liq
	}
	if p.FDV != nil {
		rec["fdv"] = decimal.NewFromFloat(*p.FDV)
	}
	if p.MarketCap != nil {
		rec["market_cap"] = decimal.NewFromFloat(*p.MarketCap)
	}
	return rec
}

func tokenRecord(t Token) map[string]any {
	return map[string]any{"address": t.Address, "name": t.Name, "symbol": t.Symbol}
}

func txnRecord(t TxnWindows) map[string]any {
	count := func(c TxnCount) map[string]any {
		return map[string]any{"buys": c.Buys, "sells": c.Sells}
	}
	return map[string]any{"m5": count(t.M5), "h1": count(t.H1), "h6": count(t.H6), "h24": count(t.H24)}
}

func windowsRecord(w Windows) map[string]any {
	return map[string]any{
		"m5":  decimal.NewFromFloat(w.M5),
		"h1":  decimal.NewFromFloat(w.H1),
		"h6":  decimal.NewFromFloat(w.H6),
		"h24": decimal.NewFromFloat(w.H24),
	}
}

// TokenLink is a social or website link attached to a token profile.
type TokenLink struct {
	Type  string `json:"type,omitempty"`
	Label string `json:"label,omitempty"`
	URL   string `json:"url,omitempty"`
}

// TokenInfo is returned by the profile and boost endpoints.
type TokenInfo struct {
	URL          string      `json:"url"`
	ChainID      string      `json:"chainId"`
	TokenAddress string      `json:"tokenAddress"`
	Amount       float64     `json:"amount"`
	TotalAmount  float64     `json:"totalAmount"`
	Icon         string      `json:"icon,omitempty"`
	Header       string      `json:"header,omitempty"`
	Description  string      `json:"description,omitempty"`
	Links        []TokenLink `json:"links,omitempty"`
}

// OrderInfo describes a paid order for a token.
type OrderInfo struct {
	Type             string `json:"type"`
	Status           string `json:"status"`
	PaymentTimestamp int64  `json:"paymentTimestamp"`
}

type pairsResponse struct {
	SchemaVersion string `json:"schemaVersion"`
	Pairs         []Pair `json:"pairs"`
}
