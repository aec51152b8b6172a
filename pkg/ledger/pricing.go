package ledger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ModelPrice is the per-1K-token price of a model and the lowest tier allowed to use it.
type ModelPrice struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
	MinimumTier Tier
}

// PriceTable maps normalized model names to prices.
type PriceTable struct {
	models map[string]ModelPrice
}

// NewPriceTable validates and copies a model price map.
func NewPriceTable(prices map[string]ModelPrice) (PriceTable, error) {
	if len(prices) == 0 {
		return PriceTable{}, fmt.Errorf("%w: no models", ErrInvalidPriceTable)
	}
	models := make(map[string]ModelPrice, len(prices))
	for rawName, price := range prices {
		name := normalizeModelName(rawName)
		if name == "" {
			return PriceTable{}, fmt.Errorf("%w: empty model name", ErrInvalidPriceTable)
		}
		if price.InputPer1K.IsNegative() || price.OutputPer1K.IsNegative() {
			return PriceTable{}, fmt.Errorf("%w: negative price for %s", ErrInvalidPriceTable, name)
		}
		if price.MinimumTier == "" {
			price.MinimumTier = TierFree
		}
		if _, err := ParseTier(string(price.MinimumTier)); err != nil {
			return PriceTable{}, fmt.Errorf("%w: model %s: %v", ErrInvalidPriceTable, name, err)
		}
		models[name] = price
	}
	return PriceTable{models: models}, nil
}

// DefaultPriceTable returns the built-in model catalogue.
func DefaultPriceTable() PriceTable {
	return PriceTable{models: map[string]ModelPrice{
		"gpt-4o-mini":    {InputPer1K: decimal.RequireFromString("0.00015"), OutputPer1K: decimal.RequireFromString("0.0006"), MinimumTier: TierFree},
		"llama-3.1-8b":   {InputPer1K: decimal.RequireFromString("0.0001"), OutputPer1K: decimal.RequireFromString("0.0001"), MinimumTier: TierFree},
		"gpt-4o":         {InputPer1K: decimal.RequireFromString("0.0025"), OutputPer1K: decimal.RequireFromString("0.01"), MinimumTier: TierPlus},
		"llama-3.1-70b":  {InputPer1K: decimal.RequireFromString("0.0009"), OutputPer1K: decimal.RequireFromString("0.0009"), MinimumTier: TierPlus},
		"gemini-1.5-pro": {InputPer1K: decimal.RequireFromString("0.00125"), OutputPer1K: decimal.RequireFromString("0.005"), MinimumTier: TierPro},
		"o1":             {InputPer1K: decimal.RequireFromString("0.015"), OutputPer1K: decimal.RequireFromString("0.06"), MinimumTier: TierUltra},
	}}
}

// Lookup returns the price of a model.
func (table PriceTable) Lookup(model string) (ModelPrice, error) {
	price, ok := table.models[normalizeModelName(model)]
	if !ok {
		return ModelPrice{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return price, nil
}

// Models returns the sorted model names.
func (table PriceTable) Models() []string {
	names := make([]string, 0, len(table.models))
	for name := range table.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeModelName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
