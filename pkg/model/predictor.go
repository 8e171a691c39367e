package model

import (
	"errors"
	"fmt"

	"github.com/ha1tch/zpq/pkg/zpaql"
)

// ErrModel reports an invalid component configuration.
var ErrModel = errors.New("model: bad component configuration")

const maxTableBits = 28 // cap on any component table, in entries

// component is the runtime state of one model component. Which fields
// and tables are live depends on the component type:
//
//	CM     cm = probability counters, cxt = current cell
//	ICM    ht = bit-history rows, cm = probability per history state
//	MATCH  cm = index, ht = history buffer, a = match length,
//	       b = offset, c = predicted bit, cxt = bit position, limit = pos
//	MIX2   a16 = weights
//	MIX    wt = weight vectors
//	ISSE   ht = bit-history rows, wt = weight pairs per history state
//	SSE    cm = interpolated probability table
type component struct {
	limit   uint32
	cxt     uint32
	a, b, c uint32
	cm      []uint32
	wt      []int32
	a16     []uint16
	ht      []byte
}

// train adapts the probability counter at cxt toward bit y. The cell
// keeps a 15-bit probability in the high bits and a confidence count in
// the low 10; the step shrinks as the count approaches limit.
func (cr *component) train(y int32) {
	pn := cr.cm[cr.cxt]
	count := pn & 1023
	err := y*32767 - int32(pn>>17)
	pn += uint32(err*dt[count]) &^ 1023
	if count < cr.limit {
		pn++
	}
	cr.cm[cr.cxt] = pn
}

// Predictor drives bit prediction for one block: a zpaql context
// program computes a context hash per component, and the components
// refine those into a single probability, each taking the previous
// outputs as inputs. The final component's output is the prediction.
type Predictor struct {
	z     *zpaql.VM
	n     int
	cps   [][]byte // component descriptors
	comps []component
	p     [256]int32  // stretched predictions
	h     [256]uint32 // cached context hashes

	c8    uint32 // partial byte being coded, with a leading 1
	hmap4 uint32 // nibble-oriented variant of c8 for history lookup
}

// NewPredictor builds and validates the component bank described by the
// program header of z. The VM must already be initialized with
// InitHComp. Components may only reference earlier components.
func NewPredictor(z *zpaql.VM) (*Predictor, error) {
	n := z.NumComponents()
	if n < 1 {
		return nil, fmt.Errorf("%w: no components", ErrModel)
	}
	pr := &Predictor{
		z:     z,
		n:     n,
		cps:   make([][]byte, n),
		comps: make([]component, n),
		c8:    1,
		hmap4: 1,
	}
	for i := 0; i < n; i++ {
		cp := z.Comp(i)
		pr.cps[i] = cp
		cr := &pr.comps[i]
		if err := checkSize(cp); err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		switch cp[0] {
		case zpaql.CONST:
			pr.p[i] = (int32(cp[1]) - 128) * 4
		case zpaql.CM:
			cr.cm = make([]uint32, 1<<cp[1])
			for j := range cr.cm {
				cr.cm[j] = 0x80000000
			}
			cr.limit = uint32(cp[2]) * 4
		case zpaql.ICM:
			cr.limit = 1023
			cr.cm = make([]uint32, 256)
			for j := range cr.cm {
				cr.cm[j] = states.cmInit(j)
			}
			cr.ht = make([]byte, 64<<cp[1])
		case zpaql.MATCH:
			cr.cm = make([]uint32, 1<<cp[1])
			cr.ht = make([]byte, 1<<cp[2])
		case zpaql.AVG:
			if err := inputRange(i, int(cp[1]), int(cp[2])); err != nil {
				return nil, err
			}
		case zpaql.MIX2:
			if err := inputRange(i, int(cp[2]), int(cp[3])); err != nil {
				return nil, err
			}
			cr.a16 = make([]uint16, 1<<cp[1])
			for j := range cr.a16 {
				cr.a16[j] = 32768
			}
		case zpaql.MIX:
			m := int(cp[3])
			if m < 1 || int(cp[2])+m > i {
				return nil, fmt.Errorf("%w: mix %d reads inputs %d..%d",
					ErrModel, i, cp[2], int(cp[2])+m-1)
			}
			cr.wt = make([]int32, m<<cp[1])
			for j := range cr.wt {
				cr.wt[j] = 65536 / int32(m)
			}
		case zpaql.ISSE:
			if err := inputRange(i, int(cp[2])); err != nil {
				return nil, err
			}
			cr.ht = make([]byte, 64<<cp[1])
			cr.wt = make([]int32, 512)
			for j := 0; j < 256; j++ {
				cr.wt[j*2] = 1 << 15
				cr.wt[j*2+1] = clamp512k(stretch(int32(states.cmInit(j)>>8)) * 1024)
			}
		case zpaql.SSE:
			if err := inputRange(i, int(cp[2])); err != nil {
				return nil, err
			}
			cr.cm = make([]uint32, 32<<cp[1])
			for j := range cr.cm {
				cr.cm[j] = uint32(squash(int32(j&31)*64-992))<<17 | uint32(cp[3])
			}
			cr.limit = uint32(cp[4]) * 4
		default:
			return nil, fmt.Errorf("%w: component %d has type %d", ErrModel, i, cp[0])
		}
	}
	return pr, nil
}

func checkSize(cp []byte) error {
	var bits int
	switch cp[0] {
	case zpaql.CM:
		bits = int(cp[1]) + 2
	case zpaql.ICM, zpaql.ISSE:
		bits = int(cp[1]) + 6
	case zpaql.MATCH:
		bits = int(cp[1])
		if int(cp[2]) > bits {
			bits = int(cp[2])
		}
	case zpaql.MIX, zpaql.MIX2:
		bits = int(cp[1]) + 2
	case zpaql.SSE:
		bits = int(cp[1]) + 7
	default:
		return nil
	}
	if bits > maxTableBits {
		return fmt.Errorf("%w: 2^%d table", ErrModel, bits)
	}
	return nil
}

func inputRange(i int, inputs ...int) error {
	for _, j := range inputs {
		if j >= i {
			return fmt.Errorf("%w: component %d reads component %d", ErrModel, i, j)
		}
	}
	return nil
}

// find locates the bit-history row for cxt in ht, a table of 16-byte
// rows where byte 0 holds a check byte and byte 1 the priority. Three
// probes; on miss the lowest-priority candidate row is recycled.
func find(ht []byte, sizebits int, cxt uint32) uint32 {
	chk := byte(cxt >> uint(sizebits))
	h0 := (cxt * 16) & uint32(len(ht)-16)
	if ht[h0] == chk {
		return h0
	}
	h1 := h0 ^ 16
	if ht[h1] == chk {
		return h1
	}
	h2 := h0 ^ 32
	if ht[h2] == chk {
		return h2
	}
	r := h2
	if ht[h0+1] <= ht[h1+1] && ht[h0+1] <= ht[h2+1] {
		r = h0
	} else if ht[h1+1] < ht[h2+1] {
		r = h1
	}
	for j := uint32(0); j < 16; j++ {
		ht[r+j] = 0
	}
	ht[r] = chk
	return r
}

// Predict returns the probability that the next bit is 1, in 0..32767.
func (pr *Predictor) Predict() int {
	for i := 0; i < pr.n; i++ {
		cr := &pr.comps[i]
		cp := pr.cps[i]
		switch cp[0] {
		case zpaql.CM:
			cr.cxt = (pr.h[i] + pr.c8) & uint32(len(cr.cm)-1)
			pr.p[i] = stretch(int32(cr.cm[cr.cxt] >> 17))
		case zpaql.ICM:
			if pr.c8 == 1 || pr.c8&0xf0 == 16 {
				cr.c = find(cr.ht, int(cp[1])+2, pr.h[i]+16*pr.c8)
			}
			cr.cxt = uint32(cr.ht[cr.c+pr.hmap4&15])
			pr.p[i] = stretch(int32(cr.cm[cr.cxt] >> 8))
		case zpaql.MATCH:
			if cr.a == 0 {
				pr.p[i] = 0
			} else {
				mask := uint32(len(cr.ht) - 1)
				cr.c = uint32(cr.ht[(cr.limit-cr.b)&mask]>>(7-cr.cxt)) & 1
				sign := int32(1) - 2*int32(cr.c) // toward 0 or 1
				pr.p[i] = stretch(dt2k[cr.a] * sign & 32767)
			}
		case zpaql.AVG:
			w := int32(cp[3])
			pr.p[i] = (pr.p[cp[1]]*w + pr.p[cp[2]]*(256-w)) >> 8
		case zpaql.MIX2:
			cr.cxt = (pr.h[i] + pr.c8&uint32(cp[5])) & uint32(len(cr.a16)-1)
			w := int32(cr.a16[cr.cxt])
			pr.p[i] = (w*pr.p[cp[2]] + (65536-w)*pr.p[cp[3]]) >> 16
		case zpaql.MIX:
			m := uint32(cp[3])
			nc := uint32(len(cr.wt)) / m
			cr.cxt = (pr.h[i] + pr.c8&uint32(cp[5])) & (nc - 1) * m
			sum := int32(0)
			for j := uint32(0); j < m; j++ {
				sum += cr.wt[cr.cxt+j] >> 8 * pr.p[uint32(cp[2])+j]
			}
			pr.p[i] = clamp2k(sum >> 8)
		case zpaql.ISSE:
			if pr.c8 == 1 || pr.c8&0xf0 == 16 {
				cr.c = find(cr.ht, int(cp[1])+2, pr.h[i]+16*pr.c8)
			}
			cr.cxt = uint32(cr.ht[cr.c+pr.hmap4&15])
			w := cr.wt[cr.cxt*2 : cr.cxt*2+2]
			pr.p[i] = clamp2k((w[0]*pr.p[cp[2]] + w[1]*64) >> 16)
		case zpaql.SSE:
			mask := uint32(len(cr.cm) - 1)
			pq := pr.p[cp[2]] + 992
			if pq < 0 {
				pq = 0
			}
			if pq > 1983 {
				pq = 1983
			}
			wt := pq & 63
			c0 := (pr.h[i]+pr.c8)*32 + uint32(pq>>6)
			lo := int32(cr.cm[c0&mask] >> 10)
			hi := int32(cr.cm[(c0+1)&mask] >> 10)
			pr.p[i] = stretch((lo*(64-wt) + hi*wt) >> 13)
			cr.cxt = (c0 + uint32(wt>>5)) & mask
		}
	}
	return int(squash(pr.p[pr.n-1]))
}

// Update trains every component on the coded bit and advances the
// partial-byte context; on a byte boundary the completed byte runs
// through the context program and fresh hashes are cached.
func (pr *Predictor) Update(y int) error {
	yb := int32(y)
	for i := 0; i < pr.n; i++ {
		cr := &pr.comps[i]
		cp := pr.cps[i]
		switch cp[0] {
		case zpaql.CM, zpaql.SSE:
			cr.train(yb)
		case zpaql.ICM:
			cr.cm[cr.cxt] += uint32((yb*32767 - int32(cr.cm[cr.cxt]>>8)) >> 2)
			cr.ht[cr.c+pr.hmap4&15] = states.next(uint8(cr.cxt), y)
		case zpaql.MATCH:
			mask := uint32(len(cr.ht) - 1)
			if int32(cr.c) != yb {
				cr.a = 0 // prediction failed, match broken
			}
			cr.ht[cr.limit&mask] = cr.ht[cr.limit&mask]*2 + byte(y)
			if cr.cxt++; cr.cxt == 8 {
				cr.cxt = 0
				cr.limit = (cr.limit + 1) & mask
				imask := uint32(len(cr.cm) - 1)
				if cr.a == 0 {
					// look for a match ending at the previous
					// occurrence of this context
					cr.b = cr.limit - cr.cm[pr.h[i]&imask]
					if cr.b&mask != 0 {
						for cr.a < 255 &&
							cr.ht[(cr.limit-cr.a-1)&mask] == cr.ht[(cr.limit-cr.a-cr.b-1)&mask] {
							cr.a++
						}
					}
				} else if cr.a < 255 {
					cr.a++
				}
				cr.cm[pr.h[i]&imask] = cr.limit
			}
		case zpaql.MIX2:
			err := (yb*32767 - squash(pr.p[i])) * int32(cp[4]) >> 5
			w := int32(cr.a16[cr.cxt])
			w += (err*(pr.p[cp[2]]-pr.p[cp[3]]) + 1<<12) >> 13
			if w < 0 {
				w = 0
			}
			if w > 65535 {
				w = 65535
			}
			cr.a16[cr.cxt] = uint16(w)
		case zpaql.MIX:
			m := uint32(cp[3])
			err := (yb*32767 - squash(pr.p[i])) * int32(cp[4]) >> 4
			for j := uint32(0); j < m; j++ {
				k := cr.cxt + j
				cr.wt[k] = clamp512k(cr.wt[k] + (err*pr.p[uint32(cp[2])+j]+1<<12)>>13)
			}
		case zpaql.ISSE:
			err := yb*32767 - squash(pr.p[i])
			w := cr.wt[cr.cxt*2 : cr.cxt*2+2]
			w[0] = clamp512k(w[0] + (err*pr.p[cp[2]]>>13+1)>>1)
			w[1] = clamp512k(w[1] + (err+16)>>5)
			cr.ht[cr.c+pr.hmap4&15] = states.next(uint8(cr.cxt), y)
		}
	}

	pr.c8 = pr.c8*2 + uint32(y)
	switch {
	case pr.c8 >= 256:
		if err := pr.z.Run(pr.c8 - 256); err != nil {
			return err
		}
		pr.c8 = 1
		pr.hmap4 = 1
		for i := 0; i < pr.n; i++ {
			pr.h[i] = pr.z.HVal(i)
		}
	case pr.c8 >= 16 && pr.c8 < 32:
		pr.hmap4 = (pr.hmap4&0xf)<<5 | uint32(y)<<4 | 1
	default:
		pr.hmap4 = pr.hmap4&0x1f0 | ((pr.hmap4&0xf)*2+uint32(y))&0xf
	}
	return nil
}

// MemoryUsed reports the bytes allocated for component tables.
func (pr *Predictor) MemoryUsed() int64 {
	var mem int64
	for i := range pr.comps {
		cr := &pr.comps[i]
		mem += int64(len(cr.cm))*4 + int64(len(cr.wt))*4 +
			int64(len(cr.a16))*2 + int64(len(cr.ht))
	}
	return mem
}
