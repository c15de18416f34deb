package utils

import "github.com/shopspring/decimal"

const (
	// ComputePrecision is applied after every intermediate operation.
	ComputePrecision int32 = 6
	// StoragePrecision matches the decimal(20,4) money columns.
	StoragePrecision int32 = 4
)

func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Round(ComputePrecision)
}

func RoundStorage(d decimal.Decimal) decimal.Decimal {
	return d.Round(StoragePrecision)
}

func DecAdd(a, b decimal.Decimal) decimal.Decimal {
	return Normalize(a.Add(b))
}

func DecSub(a, b decimal.Decimal) decimal.Decimal {
	return Normalize(a.Sub(b))
}

func DecMul(a, b decimal.Decimal) decimal.Decimal {
	return Normalize(a.Mul(b))
}

// DecDiv returns zero when b is zero.
func DecDiv(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return Normalize(a.DivRound(b, ComputePrecision+2))
}

func DecSum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = DecAdd(total, v)
	}
	return total
}

// PositivePart returns max(d, 0).
func PositivePart(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// DivisorAtLeastOne returns max(d, 1), used for per-unit figures.
func DivisorAtLeastOne(d decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if d.LessThan(one) {
		return one
	}
	return d
}

// MaxAbsDelta is the largest |a[i] - b[i]| over paired values.
func MaxAbsDelta(a, b []decimal.Decimal) decimal.Decimal {
	max := decimal.Zero
	for i := 0; i < len(a) && i < len(b); i++ {
		d := DecSub(a[i], b[i]).Abs()
		if d.GreaterThan(max) {
			max = d
		}
	}
	return max
}
