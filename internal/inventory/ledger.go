package inventory

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/money"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// applyMovement returns the stock row after the movement and the unit cost the
// movement is valued at. Incoming kinds blend price into the WAC; outgoing kinds
// leave at the current WAC. A row emptied to zero has its WAC reset.
func applyMovement(stock LocationStock, kind MovementKind, qty money.Quantity, price money.Money) (LocationStock, money.Money, error) {
	if !qty.IsPositive() {
		return stock, decimal.Zero, &shared.InvalidQuantityError{Quantity: qty}
	}
	switch kind {
	case KindReceipt, KindTransferIn:
		if price.IsNegative() {
			return stock, decimal.Zero, ErrInvalidUnitCost
		}
		wac, err := money.BlendWAC(stock.OnHand, stock.WAC, qty, price)
		if err != nil {
			return stock, decimal.Zero, err
		}
		stock.OnHand = stock.OnHand.Add(qty)
		stock.WAC = wac
		return stock, price, nil
	case KindIssue, KindTransferOut:
		if qty.GreaterThan(stock.OnHand) {
			return stock, decimal.Zero, &shared.InsufficientStockError{
				LocationID: stock.LocationID,
				ItemID:     stock.ItemID,
				Requested:  qty,
				Available:  stock.OnHand,
			}
		}
		cost := stock.WAC
		stock.OnHand = stock.OnHand.Sub(qty)
		if stock.OnHand.IsZero() {
			stock.WAC = decimal.Zero
		}
		return stock, cost, nil
	default:
		return stock, decimal.Zero, errUnknownKind(kind)
	}
}

type errUnknownKind MovementKind

func (e errUnknownKind) Error() string {
	return "inventory: unknown movement kind " + string(e)
}
