package model

import (
	"testing"

	"github.com/ha1tch/zpq/pkg/zpaql"
)

func TestSquashShape(t *testing.T) {
	if got := squash(0); got != 16384 {
		t.Errorf("squash(0) = %d, want 16384", got)
	}
	if got := squash(2047); got != 32767 {
		t.Errorf("squash(2047) = %d, want 32767", got)
	}
	if got := squash(-2048); got != 0 {
		t.Errorf("squash(-2048) = %d, want 0", got)
	}
	for d := int32(-2047); d <= 2047; d++ {
		if squash(d) < squash(d-1) {
			t.Fatalf("squash not monotone at %d", d)
		}
	}
	// symmetric up to rounding
	for d := int32(1); d <= 2047; d++ {
		s := squash(d) + squash(-d)
		if s < 32766 || s > 32768 {
			t.Fatalf("squash(%d)+squash(-%d) = %d", d, d, s)
		}
	}
}

func TestStretchInvertsSquash(t *testing.T) {
	for p := int32(0); p < 32768; p++ {
		d := stretch(p)
		if squash(d) < p {
			t.Fatalf("squash(stretch(%d)) = %d < %d", p, squash(d), p)
		}
		if d > -2047 && squash(d-1) >= p {
			t.Fatalf("stretch(%d) = %d is not minimal", p, d)
		}
	}
}

func TestAdaptationTables(t *testing.T) {
	if dt[0] != (1<<17)/3*2 {
		t.Errorf("dt[0] = %d", dt[0])
	}
	for i := 1; i < len(dt); i++ {
		if dt[i] > dt[i-1] {
			t.Fatalf("dt not decreasing at %d", i)
		}
	}
	if dt2k[0] != 0 || dt2k[1] != 2048 || dt2k[255] != 8 {
		t.Errorf("dt2k = %d %d ... %d", dt2k[0], dt2k[1], dt2k[255])
	}
}

func TestStateTable(t *testing.T) {
	if states.n < 64 || states.n > 256 {
		t.Fatalf("state count = %d", states.n)
	}
	for s := 0; s < states.n; s++ {
		for y := 0; y < 2; y++ {
			next := states.next(uint8(s), y)
			if int(next) >= states.n {
				t.Fatalf("state %d on %d goes to %d of %d", s, y, next, states.n)
			}
		}
		if numStates(int(states.ns[s*4+2]), int(states.ns[s*4+3])) == 0 {
			t.Fatalf("state %d encodes invalid counts", s)
		}
	}

	// the empty history is state 0; a 1 bit must raise n1
	s1 := states.next(0, 1)
	if n1 := states.ns[int(s1)*4+3]; n1 != 1 {
		t.Errorf("after one 1 bit, n1 = %d, want 1", n1)
	}

	// a long run of ones saturates without leaving the table
	s := uint8(0)
	for i := 0; i < 1000; i++ {
		s = states.next(s, 1)
	}
	if n0 := states.ns[int(s)*4+2]; n0 != 0 {
		t.Errorf("after a run of ones, n0 = %d, want 0", n0)
	}
}

func TestCmInit(t *testing.T) {
	// state 0 has no history, so its seed is 1/2
	if p := states.cmInit(0) >> 8; p < 16000 || p > 17000 {
		t.Errorf("cmInit(0)>>8 = %d, want about 16384", p)
	}
	for s := 0; s < states.n; s++ {
		if p := states.cmInit(s) >> 8; p > 32767 {
			t.Fatalf("cmInit(%d) out of probability range: %d", s, p)
		}
	}
}

func newPredictor(t *testing.T, level int) *Predictor {
	t.Helper()
	prog, err := zpaql.Level(level)
	if err != nil {
		t.Fatalf("Level(%d) failed: %v", level, err)
	}
	z, err := zpaql.New(prog.HComp)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := z.InitHComp(); err != nil {
		t.Fatalf("InitHComp failed: %v", err)
	}
	pr, err := NewPredictor(z)
	if err != nil {
		t.Fatalf("NewPredictor failed: %v", err)
	}
	return pr
}

// feed codes the bytes bit by bit and returns every prediction made.
func feed(t *testing.T, pr *Predictor, data []byte) []int {
	t.Helper()
	var ps []int
	for _, c := range data {
		for bit := 7; bit >= 0; bit-- {
			p := pr.Predict()
			if p < 0 || p > 32767 {
				t.Fatalf("prediction %d out of range", p)
			}
			ps = append(ps, p)
			if err := pr.Update(int(c>>uint(bit)) & 1); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
		}
	}
	return ps
}

func TestPredictorLevels(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, " +
		"the quick brown fox jumps over the lazy dog")
	for level := 1; level <= 4; level++ {
		pr := newPredictor(t, level)
		feed(t, pr, data)
	}
}

func TestPredictorDeterministic(t *testing.T) {
	data := []byte("abracadabra abracadabra abracadabra")
	a := feed(t, newPredictor(t, 2), data)
	b := feed(t, newPredictor(t, 2), data)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("prediction %d differs: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestPredictorLearns(t *testing.T) {
	// after many identical bytes, the next repetition should be
	// predicted with confidence
	pr := newPredictor(t, 2)
	feed(t, pr, make([]byte, 400)) // zero bytes: every bit is 0
	if p := pr.Predict(); p > 8000 {
		t.Errorf("prediction of a 1 after 3200 zero bits = %d, want low", p)
	}
}

func TestPredictorRejectsForwardReference(t *testing.T) {
	src := "comp 0 0 0 0 2 0 avg 0 1 128 1 cm 16 8 hcomp halt post 0 end"
	prog, err := zpaql.Compile(src)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	z, err := zpaql.New(prog.HComp)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := z.InitHComp(); err != nil {
		t.Fatalf("InitHComp failed: %v", err)
	}
	if _, err := NewPredictor(z); err == nil {
		t.Error("NewPredictor accepted a component reading a later one")
	}
}

func TestPredictorRejectsEmptyModel(t *testing.T) {
	prog, err := zpaql.Level(0)
	if err != nil {
		t.Fatalf("Level(0) failed: %v", err)
	}
	z, err := zpaql.New(prog.HComp)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := z.InitHComp(); err != nil {
		t.Fatalf("InitHComp failed: %v", err)
	}
	if _, err := NewPredictor(z); err == nil {
		t.Error("NewPredictor accepted a model with no components")
	}
}

func TestConstComponent(t *testing.T) {
	for _, tc := range []struct {
		c    string
		high bool
	}{{"255", true}, {"0", false}} {
		prog, err := zpaql.Compile("comp 0 0 0 0 1 0 const " +
			tc.c + " hcomp halt post 0 end")
		if err != nil {
			t.Fatalf("Compile failed: %v", err)
		}
		z, err := zpaql.New(prog.HComp)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if err := z.InitHComp(); err != nil {
			t.Fatalf("InitHComp failed: %v", err)
		}
		pr, err := NewPredictor(z)
		if err != nil {
			t.Fatalf("NewPredictor failed: %v", err)
		}
		p := pr.Predict()
		if tc.high && p <= 16384 {
			t.Errorf("const %s predicts %d, want > 16384", tc.c, p)
		}
		if !tc.high && p >= 16384 {
			t.Errorf("const %s predicts %d, want < 16384", tc.c, p)
		}
	}
}

func TestMemoryUsed(t *testing.T) {
	small := newPredictor(t, 1).MemoryUsed()
	big := newPredictor(t, 4).MemoryUsed()
	if small <= 0 || big <= small {
		t.Errorf("MemoryUsed: level 1 = %d, level 4 = %d", small, big)
	}
}
