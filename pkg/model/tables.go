// Package model implements the adaptive bit predictor driving the
// arithmetic coder: a bank of context-modeling components (direct and
// indirect context models, a match model, mixers and secondary
// estimators) whose contexts are computed by a zpaql context program.
package model

import "math/big"

// squashTable[d+2048] = floor(32768 / (1 + e^(-d/64))) capped at 32767,
// the logistic map from stretched units back to a 15-bit probability.
var squashTable [4096]uint16

// stretchTable[p] is the least d with squash(d) >= p, the inverse map.
var stretchTable [32768]int16

// dt[count] is the adaptation step for probability counters.
var dt [1024]int32

// dt2k[len] scales match-model confidence by match length.
var dt2k [256]int32

func squash(d int32) int32 {
	if d < -2048 {
		d = -2048
	}
	if d > 2047 {
		d = 2047
	}
	return int32(squashTable[d+2048])
}

func stretch(p int32) int32 {
	return int32(stretchTable[p&32767])
}

func clamp2k(x int32) int32 {
	if x < -2048 {
		return -2048
	}
	if x > 2047 {
		return 2047
	}
	return x
}

func clamp512k(x int32) int32 {
	if x < -(1 << 19) {
		return -(1 << 19)
	}
	if x > (1<<19)-1 {
		return (1 << 19) - 1
	}
	return x
}

func init() {
	for i := range dt {
		dt[i] = (1 << 17) / (int32(i)*2 + 3) * 2
	}
	for i := 1; i < 256; i++ {
		dt2k[i] = 2048 / int32(i)
	}

	// The squash table is built in 96-bit fixed point so that every
	// build of the library produces identical entries; a float table
	// could round plateau boundaries differently across platforms and
	// break archive portability.
	one := new(big.Int).Lsh(big.NewInt(1), 96)
	c := exp96()                   // e^(1/64), scaled by 2^96
	r := new(big.Int).Set(one)     // e^(d/64) for d = 0
	num, den, q := new(big.Int), new(big.Int), new(big.Int)
	for d := 0; d <= 2048; d++ {
		den.Add(r, one)
		if d < 2048 {
			// squash(d) = 32768*r/(r+1)
			num.Mul(big.NewInt(32768), r)
			v := q.Quo(num, den).Int64()
			if v > 32767 {
				v = 32767
			}
			squashTable[2048+d] = uint16(v)
		}
		if d > 0 {
			// squash(-d) = 32768/(r+1)
			num.Mul(big.NewInt(32768), one)
			squashTable[2048-d] = uint16(q.Quo(num, den).Int64())
		}
		r.Mul(r, c)
		r.Rsh(r, 96)
	}

	d := int16(-2047)
	for p := 0; p < 32768; p++ {
		for d < 2047 && int(squashTable[int(d)+2048]) < p {
			d++
		}
		stretchTable[p] = d
	}
}

// exp96 evaluates the Taylor series of e^(1/64) in 2^96 fixed point.
func exp96() *big.Int {
	sum := new(big.Int).Lsh(big.NewInt(1), 96)
	term := new(big.Int).Set(sum)
	for k := int64(1); k <= 24; k++ {
		term.Quo(term, big.NewInt(64*k))
		sum.Add(sum, term)
	}
	return sum
}
