package chain

import "math/big"

// workSize is the width, in bytes, of a chainwork accumulator.
const workSize = 32

// Work is a fixed 256-bit unsigned integer used for cumulative chainwork.
// Stored big-endian, matching the persisted ChainEntry encoding in §6.
type Work [workSize]byte

// ZeroWork is the zero chainwork value.
var ZeroWork = Work{}

// Add returns w + other, saturating at the maximum 256-bit value instead
// of wrapping — chainwork only ever grows and a saturating add keeps the
// monotonicity invariant trivially true even in pathological inputs.
func (w Work) Add(other Work) Work {
	a := w.big()
	b := other.big()
	sum := new(big.Int).Add(a, b)
	return fromBig(sum)
}

// Sub returns w - other, saturating at zero (never negative).
func (w Work) Sub(other Work) Work {
	a := w.big()
	b := other.big()
	if b.Cmp(a) >= 0 {
		return Work{}
	}
	return fromBig(new(big.Int).Sub(a, b))
}

// Cmp compares w to other: -1, 0, or 1.
func (w Work) Cmp(other Work) int {
	return w.big().Cmp(other.big())
}

// MulUint64 returns w * n, saturating at the maximum 256-bit value.
func (w Work) MulUint64(n uint64) Work {
	return fromBig(new(big.Int).Mul(w.big(), new(big.Int).SetUint64(n)))
}

// DivUint64 returns w / n. Division by zero returns the maximum value.
func (w Work) DivUint64(n uint64) Work {
	if n == 0 {
		return maxWork()
	}
	return fromBig(new(big.Int).Div(w.big(), new(big.Int).SetUint64(n)))
}

func (w Work) big() *big.Int {
	return new(big.Int).SetBytes(w[:])
}

func fromBig(v *big.Int) Work {
	var w Work
	if v.Sign() < 0 {
		return w
	}
	b := v.Bytes()
	if len(b) > workSize {
		return maxWork()
	}
	copy(w[workSize-len(b):], b)
	return w
}

func maxWork() Work {
	var w Work
	for i := range w {
		w[i] = 0xff
	}
	return w
}

// maxUint256 is 2^256, used by ProofForBits.
var maxUint256 = new(big.Int).Lsh(big.NewInt(1), 256)

// ProofForBits returns the chainwork contribution of a block mined at the
// given difficulty: 2^256 / (target+1), where target = maxUint256/difficulty
// (matching consensus.PoW's existing target() convention, difficulty==0
// treated as a single unit of work for non-PoW/PoA blocks).
func ProofForBits(difficulty uint64) Work {
	if difficulty == 0 {
		difficulty = 1
	}
	target := new(big.Int).Div(maxUint256, new(big.Int).SetUint64(difficulty))
	denom := new(big.Int).Add(target, big.NewInt(1))
	proof := new(big.Int).Div(maxUint256, denom)
	return fromBig(proof)
}
