package price

import "testing"

func TestFromDoubleRoundTrip(t *testing.T) {
	cases := []float64{1.0, 0.5, 2.5, 100.0, 0.000001}
	for _, d := range cases {
		p := FromDouble(d)
		got := p.ToDouble()
		if diff := got - d; diff > 1e-5 || diff < -1e-5 {
			t.Errorf("FromDouble(%v).ToDouble() = %v, want ~%v", d, got, d)
		}
	}
}

func TestImposeBounds(t *testing.T) {
	if got := ImposeBounds(U128{Lo: 0}); got != 1 {
		t.Errorf("ImposeBounds(0) = %v, want 1", got)
	}
	if got := ImposeBounds(U128{Hi: 1, Lo: 0}); got != Max {
		t.Errorf("ImposeBounds(overflow) = %v, want Max", got)
	}
	if got := ImposeBounds(U128{Lo: 42}); got != 42 {
		t.Errorf("ImposeBounds(42) = %v, want 42", got)
	}
}

func TestBigEndianRoundTrip(t *testing.T) {
	p := Price(0x123456789ABC)
	buf := make([]byte, BytesLen)
	WriteBigEndian(buf, p)
	got := ReadBigEndian(buf)
	if got != p {
		t.Errorf("round trip = %x, want %x", uint64(got), uint64(p))
	}
}

func TestWideMultiplyValByAOverB(t *testing.T) {
	v := U128{Lo: 1000}
	a := Price(500)
	b := Price(100)
	got := WideMultiplyValByAOverB(v, a, b)
	if got.Lo != 5000 || got.Hi != 0 {
		t.Errorf("got %+v, want 5000", got)
	}
}

func TestAOverBLeqC(t *testing.T) {
	if !AOverBLeqC(Price(100), Price(100), Price(One)) {
		t.Errorf("100/100 should be <= 1.0")
	}
	if AOverBLeqC(Price(200), Price(100), Price(One)) {
		t.Errorf("200/100 should not be <= 1.0")
	}
}

func TestFractionalAssetTax(t *testing.T) {
	a := FractionalAssetFromInt(100)
	taxed := a.Tax(1) // subtract ceil(value >> 1)
	if taxed.Floor() != 50 {
		t.Errorf("100 taxed at rate 1 = %v, want 50", taxed.Floor())
	}
}

func TestFractionalAssetCeilFloor(t *testing.T) {
	raw := U128FromUint64(10).Shl(FractionalRadix).Add(U128{Lo: 1})
	a := FractionalAssetFromRaw(raw)
	if a.Floor() != 10 {
		t.Errorf("Floor() = %v, want 10", a.Floor())
	}
	if a.Ceil() != 11 {
		t.Errorf("Ceil() = %v, want 11", a.Ceil())
	}
}

func TestFractionalAssetAddSub(t *testing.T) {
	a := FractionalAssetFromInt(10)
	b := FractionalAssetFromInt(3)
	sum := a.Add(b)
	if sum.Floor() != 13 {
		t.Errorf("10+3 = %v, want 13", sum.Floor())
	}
	diff := a.Sub(b)
	if diff.Floor() != 7 {
		t.Errorf("10-3 = %v, want 7", diff.Floor())
	}
}
