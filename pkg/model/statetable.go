package model

// A bit-history state approximates a pair of bit counts (n0, n1) with
// one byte. States exist only for count pairs inside a fixed bound that
// narrows as the minority count grows; when an update leaves the bound,
// the counts are discounted toward it, so long runs saturate and a
// surprise decays the opposing count quickly.

// bound[min(n0,n1)] is the largest majority count a state can hold.
var stateBound = [6]int{20, 12, 6, 5, 4, 3}

type stateTable struct {
	ns [1024]uint8 // state*4 + {next on 0, next on 1, n0, n1}
	n  int
}

var states = newStateTable()

// numStates is how many states represent the pair (n0, n1): 0 outside
// the bound, 2 where the last bit is worth remembering, else 1.
func numStates(n0, n1 int) int {
	if n0 < n1 {
		n0, n1 = n1, n0
	}
	if n0 < 0 || n1 < 0 || n1 >= len(stateBound) || n0 > stateBound[n1] {
		return 0
	}
	if n1 > 0 && n0+n1 <= 17 {
		return 2
	}
	return 1
}

// discount reduces the opposing count when the other bit is observed.
func discount(n int) int {
	d := 0
	for _, t := range [7]int{1, 2, 3, 4, 5, 7, 8} {
		if n >= t {
			d++
		}
	}
	return d
}

// nextPair is the count transition on bit y, folded back into the
// bound by trading excess counts.
func nextPair(n0, n1, y int) (int, int) {
	if n0 < n1 {
		n1, n0 = nextPair(n1, n0, 1-y)
		return n0, n1
	}
	if y == 1 {
		n1++
		n0 = discount(n0)
	}
	for numStates(n0, n1) == 0 {
		if n1 < 2 {
			n0--
		} else {
			n0 = (n0*(n1-1) + n1/2) / n1
			n1--
		}
	}
	return n0, n1
}

func newStateTable() *stateTable {
	const maxCount = 50
	var byPair [maxCount][maxCount][2]uint8

	// number states by increasing total count, so low states mean
	// little history
	st := &stateTable{}
	for total := 0; total < maxCount; total++ {
		for n1 := 0; n1 <= total; n1++ {
			n0 := total - n1
			k := numStates(n0, n1)
			if k > 0 {
				byPair[n0][n1][0] = uint8(st.n)
				byPair[n0][n1][1] = uint8(st.n + k - 1)
				st.n += k
			}
		}
	}

	for n0 := 0; n0 < maxCount; n0++ {
		for n1 := 0; n1 < maxCount; n1++ {
			for y := 0; y < numStates(n0, n1); y++ {
				s := int(byPair[n0][n1][y])
				s0, s1 := nextPair(n0, n1, 0)
				st.ns[s*4] = byPair[s0][s1][0]
				s0, s1 = nextPair(n0, n1, 1)
				st.ns[s*4+1] = byPair[s0][s1][1]
				st.ns[s*4+2] = uint8(n0)
				st.ns[s*4+3] = uint8(n1)
			}
		}
	}
	return st
}

func (st *stateTable) next(s uint8, y int) uint8 {
	return st.ns[int(s)*4+y]
}

// cmInit is the probability cell seeding a secondary model for
// bit-history state s, in the 22-bit counter scale.
func (st *stateTable) cmInit(s int) uint32 {
	n0 := uint32(st.ns[s*4+2])
	n1 := uint32(st.ns[s*4+3])
	return ((n1*2 + 1) << 22) / (n0 + n1 + 1)
}
