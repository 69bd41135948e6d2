package lifecycle

import (
	"fmt"

	"github.com/semanticallynull/rentalengine-backend/ledger"
)

// Settlement decides when wallet rentals are charged.
type Settlement string

const (
	// SettleFull charges the estimate at reservation and the whole final fare at completion.
	SettleFull Settlement = "full"
	// SettleDelta charges the estimate at reservation and only the difference at completion.
	SettleDelta Settlement = "delta"
	// SettleCompletion charges nothing at reservation and the final fare at completion.
	SettleCompletion Settlement = "completion"
)

func ParseSettlement(s string) (Settlement, error) {
	switch p := Settlement(s); p {
	case SettleFull, SettleDelta, SettleCompletion:
		return p, nil
	case "":
		return SettleFull, nil
	}
	return "", fmt.Errorf("%w: unknown settlement policy %q", ErrInvalidRequest, s)
}

// AtReserve returns the amount to debit when a wallet rental is reserved.
func (s Settlement) AtReserve(estimate int64) int64 {
	if s == SettleCompletion {
		return 0
	}
	return estimate
}

// AtEnd returns the ledger movement for a completed wallet rental. A zero amount means
// nothing is recorded.
func (s Settlement) AtEnd(final, prepaid int64) (ledger.Kind, int64) {
	if s != SettleDelta {
		return ledger.KindCharge, final
	}
	switch d := final - prepaid; {
	case d > 0:
		return ledger.KindCharge, d
	case d < 0:
		return ledger.KindRefund, -d
	}
	return ledger.KindCharge, 0
}
