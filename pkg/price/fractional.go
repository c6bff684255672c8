package price

// FractionalRadix is the number of fractional bits in a FractionalAsset.
const FractionalRadix = 10

// FractionalAsset is a 128-bit unsigned fixed-point amount, radix 10. It
// represents a (possibly fractional) quantity of an asset activated during
// clearing, where Offer.Amount is always an integral int64.
type FractionalAsset struct {
	v U128
}

// FractionalAssetFromInt lifts an integral amount into a FractionalAsset.
func FractionalAssetFromInt(amount int64) FractionalAsset {
	return FractionalAsset{v: U128FromUint64(uint64(amount)).Shl(FractionalRadix)}
}

// FractionalAssetFromRaw wraps an already-scaled raw fixed-point value.
func FractionalAssetFromRaw(raw U128) FractionalAsset {
	return FractionalAsset{v: raw}
}

// FractionalAssetFromDouble rounds a float64 to the nearest representable
// fixed-point value. Only ever used to pull an LP solver's floating-point
// solution back into fixed point; never part of any consensus-critical
// computation.
func FractionalAssetFromDouble(val float64) FractionalAsset {
	if val < 0 {
		val = 0
	}
	raw := uint64(val*float64(uint64(1)<<FractionalRadix) + 0.5)
	return FractionalAsset{v: U128FromUint64(raw)}
}

// Raw returns the underlying fixed-point representation.
func (a FractionalAsset) Raw() U128 { return a.v }

// Add returns a+b.
func (a FractionalAsset) Add(b FractionalAsset) FractionalAsset {
	return FractionalAsset{v: a.v.Add(b.v)}
}

// Sub returns a-b.
func (a FractionalAsset) Sub(b FractionalAsset) FractionalAsset {
	return FractionalAsset{v: a.v.Sub(b.v)}
}

// Mul multiplies a by a 64-bit scalar.
func (a FractionalAsset) Mul(scalar uint64) FractionalAsset {
	return FractionalAsset{v: a.v.Mul64(scalar)}
}

// Cmp compares a and b.
func (a FractionalAsset) Cmp(b FractionalAsset) int { return a.v.Cmp(b.v) }

// IsZero reports whether a is exactly zero.
func (a FractionalAsset) IsZero() bool { return a.v.IsZero() }

// Tax subtracts ceil(value >> r) from a, modeling a fractional commission
// taken from a trade's proceeds.
func (a FractionalAsset) Tax(r uint8) FractionalAsset {
	shifted := a.v.Shr(uint(r))
	rem := a.v.Sub(shifted.Shl(uint(r)))
	ceilShifted := shifted
	if !rem.IsZero() {
		ceilShifted = shifted.Add(U128{Lo: 1})
	}
	return FractionalAsset{v: a.v.Sub(ceilShifted)}
}

// TaxAndRound applies Tax(r) and then floors to an integral amount.
func (a FractionalAsset) TaxAndRound(r uint8) int64 {
	return a.Tax(r).Floor()
}

// Ceil rounds a up to the nearest integer.
func (a FractionalAsset) Ceil() int64 {
	whole := a.v.Shr(FractionalRadix)
	frac := a.v.Sub(whole.Shl(FractionalRadix))
	if !frac.IsZero() {
		whole = whole.Add(U128{Lo: 1})
	}
	return int64(whole.Lo)
}

// Floor rounds a down to the nearest integer.
func (a FractionalAsset) Floor() int64 {
	whole := a.v.Shr(FractionalRadix)
	return int64(whole.Lo)
}

// ToDouble converts a to a float64 (logging/diagnostics only).
func (a FractionalAsset) ToDouble() float64 {
	return a.v.ToDouble(FractionalRadix)
}
