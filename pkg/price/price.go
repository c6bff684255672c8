// Package price implements the fixed-point arithmetic the clearing engine
// settles trades in: a 48-bit exchange-rate Price (24-bit radix) and a
// 128-bit FractionalAsset amount (10-bit radix).
package price

import "math"

// Radix is the number of fractional bits below the decimal point in a Price.
const Radix = 24

// BitLen is the number of bits used to represent a Price value.
const BitLen = 2 * Radix

// Max is the largest value a Price may take.
const Max Price = (1 << BitLen) - 1

// One is the Price value corresponding to a double 1.0.
const One Price = 1 << Radix

// Price is an unsigned 48-bit fixed-point exchange rate, radix 24: the real
// value is price/2^Radix. Valid range is [1, Max]; 0 is never a valid price.
type Price uint64

// ToDouble converts a Price to its floating point equivalent. Doubles are
// used only for logging and for LP coefficients, never for settlement.
func (p Price) ToDouble() float64 {
	return float64(p) / float64(uint64(1)<<Radix)
}

// FromDouble rounds a double down into a Price, dropping bits below Radix.
func FromDouble(d float64) Price {
	return Price(uint64(d * float64(uint64(1)<<Radix)))
}

// IsValid reports whether p lies in the legal price range [1, Max].
func (p Price) IsValid() bool {
	return p != 0 && p <= Max
}

// ImposeBounds clamps a 128-bit candidate computed mid-arithmetic into the
// legal Price range: 0 becomes 1 (a price may never be zero), anything
// above Max saturates at Max.
func ImposeBounds(val U128) Price {
	if val.Hi != 0 || val.Lo > uint64(Max) {
		return Max
	}
	if val.Lo == 0 {
		return 1
	}
	return Price(val.Lo)
}

// BytesLen is the byte length of a Price's on-wire encoding.
const BytesLen = BitLen / 8

// WriteBigEndian serializes p into the low BytesLen bytes of buf, using the
// canonical on-wire big-endian layout.
func WriteBigEndian(buf []byte, p Price) {
	v := uint64(p)
	for i := 0; i < BytesLen; i++ {
		shift := uint((BytesLen - i - 1) * 8)
		buf[i] = byte(v >> shift)
	}
}

// ReadBigEndian is the inverse of WriteBigEndian.
func ReadBigEndian(buf []byte) Price {
	var p uint64
	for i := 0; i < BytesLen; i++ {
		p <<= 8
		p += uint64(buf[i])
	}
	return Price(p)
}

// SmoothMult subtracts price/2^mult from price, the "lower bound" of the
// partial-execution band around an equilibrium ratio.
func SmoothMult(p Price, mult uint8) Price {
	return p - (p >> mult)
}

// AOverBLeqC decides whether a/b <= c without overflow, for Price-valued
// a, b, c.
func AOverBLeqC(a, b, c Price) bool {
	lhs := U128{Hi: 0, Lo: uint64(a)}.Shl(Radix)
	rhs := Mul64(uint64(b), uint64(c))
	return lhs.Cmp(rhs) <= 0
}

// AOverBLtC decides whether a/b < c without overflow.
func AOverBLtC(a, b, c Price) bool {
	lhs := U128{Hi: 0, Lo: uint64(a)}.Shl(Radix)
	rhs := Mul64(uint64(b), uint64(c))
	return lhs.Cmp(rhs) < 0
}

// WideMultiplyValByAOverB computes floor(value * a / b) for a 128-bit value
// and Price-valued a, b, without overflowing the intermediate product. This
// is the hot-path primitive used inside demand/supply integration.
func WideMultiplyValByAOverB(value U128, a, b Price) U128 {
	denom := uint64(b)
	numer := uint64(a)
	q, r := value.DivMod64(denom)
	modulo := q.Mul64(numer)
	remainder := r.Mul64(numer).Div64(denom)
	return modulo.Add(remainder)
}

// RoundUpPriceTimesAmount rounds p_times_amount (already shifted by Radix)
// up to the nearest integer, assuming the result fits a uint64.
func RoundUpPriceTimesAmount(pTimesAmount U128) uint64 {
	shifted := pTimesAmount.Shr(Radix)
	lowMask := (U128{Hi: 0, Lo: 1}).Shl(Radix).SubOne()
	if !pTimesAmount.And(lowMask).IsZero() {
		return shifted.Lo + 1
	}
	return shifted.Lo
}

// SafeMultiplyAndDropLowbits computes (x*y) >> k and clamps the result into
// the valid Price range. Nothing in this module calls it: the tâtonnement
// step math in pkg/tatonnement uses float64 arithmetic instead. It is not
// used in settlement-path math.
func SafeMultiplyAndDropLowbits(x, y Price, k uint) Price {
	product := Mul64(uint64(x), uint64(y))
	return ImposeBounds(product.Shr(k))
}

// TaxToDouble takes a tax rate stored as -log2(real rate) and returns the
// fraction of a value left after that tax, 1 - 2^-taxRate.
func TaxToDouble(taxRate uint8) float64 {
	return 1.0 - math.Exp2(-float64(taxRate))
}
