package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var tokensPerUnit = decimal.NewFromInt(tokensPerPriceUnit)

// Cost computes prompt/1000 × input price + completion/1000 × output price,
// rounded half-up to CreditScale fractional digits.
func (table PriceTable) Cost(model string, promptTokens int64, completionTokens int64) (decimal.Decimal, error) {
	if promptTokens < 0 || completionTokens < 0 {
		return decimal.Zero, fmt.Errorf("%w: prompt=%d completion=%d", ErrInvalidTokenCount, promptTokens, completionTokens)
	}
	price, err := table.Lookup(model)
	if err != nil {
		return decimal.Zero, err
	}
	return CostOf(price, promptTokens, completionTokens), nil
}

// CostOf prices token counts against a single model price.
func CostOf(price ModelPrice, promptTokens int64, completionTokens int64) decimal.Decimal {
	input := decimal.NewFromInt(promptTokens).Div(tokensPerUnit).Mul(price.InputPer1K)
	output := decimal.NewFromInt(completionTokens).Div(tokensPerUnit).Mul(price.OutputPer1K)
	return RoundCredits(input.Add(output))
}

// RoundCredits rounds half-up (away from zero) to CreditScale digits.
func RoundCredits(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(CreditScale)
}
