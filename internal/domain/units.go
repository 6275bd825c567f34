package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Units converts between wei and whole ledger units.
type Units struct {
	WeiPerUnit *big.Int
}

func NewUnits(weiPerUnit *big.Int) (Units, error) {
	if weiPerUnit == nil || weiPerUnit.Sign() <= 0 {
		return Units{}, Invalid("wei_per_unit", "must be positive")
	}
	return Units{WeiPerUnit: new(big.Int).Set(weiPerUnit)}, nil
}

// ToWei returns units × weiPerUnit.
func (u Units) ToWei(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), u.WeiPerUnit)
}

// FromWei floors wei to whole units. Non-positive amounts and amounts that
// overflow int64 yield 0 and false.
func (u Units) FromWei(wei decimal.Decimal) (int64, bool) {
	if !wei.IsPositive() {
		return 0, false
	}
	// Integer division; Decimal.Div rounds to DivisionPrecision first.
	q := new(big.Int).Quo(wei.Floor().BigInt(), u.WeiPerUnit)
	if !q.IsInt64() {
		return 0, false
	}
	return q.Int64(), true
}
