package orders

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInvalidLineItem = errors.New("invalid line item")

// Price recomputes every line total and the order total from unit prices and
// quantities. Client-supplied totals are always overwritten.
func (o *Order) Price() error {
	if len(o.LineItems) == 0 {
		return fmt.Errorf("%w: order has no line items", ErrInvalidLineItem)
	}
	total := decimal.Zero
	for i := range o.LineItems {
		li := &o.LineItems[i]
		if li.Quantity < 1 {
			return fmt.Errorf("%w: line %d quantity must be at least 1", ErrInvalidLineItem, i)
		}
		unit := decimal.NewFromFloat(li.UnitPrice)
		if unit.IsNegative() {
			return fmt.Errorf("%w: line %d unit price must not be negative", ErrInvalidLineItem, i)
		}
		line := unit.Mul(decimal.NewFromInt(int64(li.Quantity))).Round(2)
		li.LineTotal = line.InexactFloat64()
		total = total.Add(line)
	}
	o.TotalAmount = total.Round(2).InexactFloat64()
	return nil
}

// Total returns the order total as a decimal for exact comparisons.
func (o *Order) Total() decimal.Decimal {
	return decimal.NewFromFloat(o.TotalAmount).Round(2)
}
