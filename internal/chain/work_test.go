package chain

import "testing"

func TestWork_AddSub(t *testing.T) {
	a := ProofForBits(100)
	b := ProofForBits(50)

	sum := a.Add(b)
	if sum.Cmp(a) <= 0 || sum.Cmp(b) <= 0 {
		t.Fatalf("sum should exceed both addends")
	}

	back := sum.Sub(b)
	if back.Cmp(a) != 0 {
		t.Fatalf("(a+b)-b should equal a")
	}
}

func TestWork_SubSaturatesAtZero(t *testing.T) {
	a := ProofForBits(10)
	b := ProofForBits(1000)

	got := a.Sub(b)
	if got.Cmp(ZeroWork) != 0 {
		t.Fatalf("Sub should saturate at zero, got %v", got)
	}
}

func TestWork_AddSaturatesAtMax(t *testing.T) {
	max := maxWork()
	one := ProofForBits(1)

	got := max.Add(one)
	if got.Cmp(max) != 0 {
		t.Fatalf("Add should saturate at max, got %v want %v", got, max)
	}
}

func TestWork_Cmp(t *testing.T) {
	low := ProofForBits(1)
	high := ProofForBits(1000)

	if low.Cmp(high) >= 0 {
		t.Fatalf("lower difficulty should yield less work")
	}
	if high.Cmp(low) <= 0 {
		t.Fatalf("higher difficulty should yield more work")
	}
	if low.Cmp(low) != 0 {
		t.Fatalf("equal work should compare equal")
	}
}

func TestWork_ProofForBits_ZeroDifficultyTreatedAsOne(t *testing.T) {
	zero := ProofForBits(0)
	one := ProofForBits(1)
	if zero.Cmp(one) != 0 {
		t.Fatalf("difficulty 0 should be treated as difficulty 1")
	}
}

func TestWork_MulDivUint64(t *testing.T) {
	base := ProofForBits(10)
	tripled := base.MulUint64(3)
	back := tripled.DivUint64(3)

	// Integer division may lose remainder bits, so compare via the round trip
	// staying close rather than exact equality.
	if back.Cmp(base) > 0 {
		t.Fatalf("div after mul should not exceed the original value")
	}
}

func TestWork_DivByZeroReturnsMax(t *testing.T) {
	got := ProofForBits(10).DivUint64(0)
	if got.Cmp(maxWork()) != 0 {
		t.Fatalf("divide by zero should return max work")
	}
}

func TestWork_HigherDifficultyMoreWork(t *testing.T) {
	prev := ZeroWork
	for _, d := range []uint64{1, 10, 100, 10000, 1_000_000} {
		w := ProofForBits(d)
		if w.Cmp(prev) <= 0 {
			t.Fatalf("work at difficulty %d should exceed work at lower difficulty", d)
		}
		prev = w
	}
}
