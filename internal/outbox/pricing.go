package outbox

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradecore/internal/config"
	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

var priceFloor = decimal.NewFromFloat(0.01)

// aggressiveLimitPrice computes the crossing limit price for a close order.
// Marketable against a normal book; on a wide spread it prices off the last
// trade instead of a possibly broken quote.
func aggressiveLimitPrice(cfg config.OutboxConfig, side core.Side, q core.Quote) (decimal.Decimal, error) {
	cross := decimal.NewFromFloat(cfg.CrossPct)
	fallback := decimal.NewFromFloat(cfg.FallbackPct)
	wide := decimal.NewFromFloat(cfg.WideSpreadPct)

	usableBook := q.Bid.IsPositive() && q.Ask.IsPositive() && q.Ask.GreaterThanOrEqual(q.Bid)
	if usableBook {
		spread := q.Ask.Sub(q.Bid).Div(q.Bid)
		if spread.LessThanOrEqual(wide) {
			var price decimal.Decimal
			if side == core.SideSell {
				price = q.Bid.Mul(decimal.NewFromInt(1).Sub(cross))
			} else {
				price = q.Ask.Mul(decimal.NewFromInt(1).Add(cross))
			}
			return floorPrice(price), nil
		}
	}
	if q.Last.IsPositive() {
		var price decimal.Decimal
		if side == core.SideSell {
			price = q.Last.Mul(decimal.NewFromInt(1).Sub(fallback))
		} else {
			price = q.Last.Mul(decimal.NewFromInt(1).Add(fallback))
		}
		return floorPrice(price), nil
	}
	return decimal.Zero, fmt.Errorf("%w: no usable quote for %s", apperrors.ErrQuoteUnavailable, q.Symbol)
}

func floorPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(priceFloor) {
		return priceFloor
	}
	return p
}
