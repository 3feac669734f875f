package rates

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"cryptoramp/services/rampd/assets"
)

// ErrUnknownAsset indicates no price is configured for the asset's underlying symbol.
var ErrUnknownAsset = errors.New("rates: unknown asset")

// DefaultTable holds the fixed NGN prices used when configuration does not
// override them.
func DefaultTable() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USDT": decimal.NewFromInt(1_500),
		"USDC": decimal.NewFromInt(1_500),
		"ETH":  decimal.NewFromInt(2_500_000),
		"BTC":  decimal.NewFromInt(45_000_000),
	}
}

// Oracle serves fixed fiat prices keyed by underlying symbol, so every network
// variant of a token shares one price.
type Oracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewOracle builds an oracle from the supplied table. Symbols are upper-cased and
// non-positive prices are rejected.
func NewOracle(table map[string]decimal.Decimal) (*Oracle, error) {
	prices := make(map[string]decimal.Decimal, len(table))
	for symbol, price := range table {
		key := strings.ToUpper(strings.TrimSpace(symbol))
		if key == "" {
			return nil, fmt.Errorf("rates: empty symbol")
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("rates: price for %s must be positive", key)
		}
		prices[key] = price
	}
	return &Oracle{prices: prices}, nil
}

// CurrentRate returns the fiat price of one unit of the asset.
func (o *Oracle) CurrentRate(asset assets.Asset) (decimal.Decimal, error) {
	symbol := asset.Symbol()
	if symbol == "" {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	o.mu.RLock()
	price, ok := o.prices[symbol]
	o.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", ErrUnknownAsset, symbol)
	}
	return price, nil
}

// ToFiat converts qty units of asset into fiat at the current rate.
func (o *Oracle) ToFiat(qty decimal.Decimal, asset assets.Asset) (decimal.Decimal, error) {
	rate, err := o.CurrentRate(asset)
	if err != nil {
		return decimal.Zero, err
	}
	return qty.Mul(rate), nil
}

// Set replaces the price for a symbol.
func (o *Oracle) Set(symbol string, price decimal.Decimal) error {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if key == "" || !price.IsPositive() {
		return fmt.Errorf("rates: invalid price %s for %q", price.String(), symbol)
	}
	o.mu.Lock()
	o.prices[key] = price
	o.mu.Unlock()
	return nil
}

// Table returns a snapshot of the configured prices.
func (o *Oracle) Table() map[string]decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(o.prices))
	for symbol, price := range o.prices {
		out[symbol] = price
	}
	return out
}
