// Package zpaql implements the ZPAQL virtual machine: the bytecode
// programs that define compression models (HCOMP) and postprocessing
// transforms (PCOMP), the interpreter that executes them, and a compiler
// for the human-readable config language.
//
// A program header is a self-describing byte sequence:
//
//	hsize (2 bytes, little-endian)
//	hh hm ph pm   log2 sizes of the H and M arrays
//	n             number of model components
//	n component descriptors (type byte + fixed-arity arguments)
//	0             end of COMP
//	HCOMP bytecode
//	0             end of HCOMP
//
// with hsize == len(COMP)-2 + len(HCOMP). In memory the bytecode is
// separated from the COMP section by a 128-byte guard gap of zero bytes,
// so a runaway jump lands on the error opcode instead of in the
// component table.
package zpaql

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrHeader    = errors.New("zpaql: bad program header")
	ErrExecution = errors.New("zpaql: execution error")
	ErrResource  = errors.New("zpaql: array size too large")
)

// Component type codes as they appear in COMP descriptors.
const (
	NONE = iota
	CONST
	CM
	ICM
	MATCH
	AVG
	MIX2
	MIX
	ISSE
	SSE
)

// CompSize[t] is the descriptor length of component type t, including
// the type byte. Zero means the type is invalid.
var CompSize = [256]int{0, 2, 3, 2, 3, 4, 6, 6, 3, 5}

// CompName[t] is the config-language name of component type t.
var CompName = []string{"", "const", "cm", "icm", "match", "avg", "mix2", "mix", "isse", "sse"}

const (
	guardGap    = 128 // zero bytes between COMP and HCOMP
	maxSizeBits = 28  // sanity cap on any 2^n array size
	maxProgram  = 1 << 16
)

// VM is one ZPAQL machine: a program header plus execution state.
// A fresh VM is built per block for HCOMP and per segment for PCOMP;
// its M and H arrays are sized once at init and never resized.
type VM struct {
	Header []byte // COMP section, guard gap, HCOMP bytecode
	cend   int    // end of COMP section
	hbegin int    // start of bytecode (cend+guardGap)
	hend   int    // end of bytecode

	comps []int // offset of each component descriptor in Header

	A, B, C, D uint32      // registers
	F          bool        // condition flag
	PC         int         // program counter
	R          [256]uint32 // register file
	M          []byte      // byte memory, power-of-two size
	H          []uint32    // context hash array, power-of-two size
	mmask      uint32
	hmask      uint32

	// Out receives bytes written by the OUT instruction. Attach a
	// composite writer to also feed a running checksum.
	Out io.ByteWriter
}

// Header field accessors.
func (z *VM) HH() byte            { return z.Header[2] }
func (z *VM) HM() byte            { return z.Header[3] }
func (z *VM) PH() byte            { return z.Header[4] }
func (z *VM) PM() byte            { return z.Header[5] }
func (z *VM) NumComponents() int  { return int(z.Header[6]) }
func (z *VM) ProgramLen() int     { return z.hend - z.hbegin }

// Comp returns the descriptor of component i: the type byte followed by
// its arguments.
func (z *VM) Comp(i int) []byte {
	off := z.comps[i]
	return z.Header[off : off+CompSize[z.Header[off]]]
}

// HVal returns H[i] with wraparound indexing.
func (z *VM) HVal(i int) uint32 { return z.H[uint32(i)&z.hmask] }

// ReadHeader parses a program header from r, laying it out in memory
// with the guard gap. It enforces the hsize invariant and descriptor
// arities; any violation is a format error.
func (z *VM) ReadHeader(r io.ByteReader) error {
	get := func() (byte, error) {
		c, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("%w: truncated header", ErrHeader)
		}
		return c, nil
	}

	lo, err := get()
	if err != nil {
		return err
	}
	hi, err := get()
	if err != nil {
		return err
	}
	hsize := int(lo) | int(hi)<<8
	if hsize < 6 {
		return fmt.Errorf("%w: hsize %d too small", ErrHeader, hsize)
	}

	hdr := make([]byte, 0, hsize+guardGap+2)
	hdr = append(hdr, lo, hi)
	for i := 0; i < 5; i++ { // hh hm ph pm n
		c, err := get()
		if err != nil {
			return err
		}
		hdr = append(hdr, c)
	}

	n := int(hdr[6])
	comps := make([]int, 0, n)
	for i := 0; i < n; i++ {
		t, err := get()
		if err != nil {
			return err
		}
		size := CompSize[t]
		if size < 1 {
			return fmt.Errorf("%w: unknown component type %d", ErrHeader, t)
		}
		comps = append(comps, len(hdr))
		hdr = append(hdr, t)
		for j := 1; j < size; j++ {
			c, err := get()
			if err != nil {
				return err
			}
			hdr = append(hdr, c)
		}
	}
	c, err := get()
	if err != nil {
		return err
	}
	if c != 0 {
		return fmt.Errorf("%w: missing COMP terminator", ErrHeader)
	}
	hdr = append(hdr, 0)
	cend := len(hdr)

	plen := hsize - (cend - 2)
	if plen < 1 {
		return fmt.Errorf("%w: hsize %d inconsistent with COMP section", ErrHeader, hsize)
	}
	if plen > maxProgram {
		return fmt.Errorf("%w: HCOMP longer than %d bytes", ErrHeader, maxProgram)
	}
	hdr = append(hdr, make([]byte, guardGap)...)
	for i := 0; i < plen; i++ {
		c, err := get()
		if err != nil {
			return err
		}
		hdr = append(hdr, c)
	}
	if hdr[len(hdr)-1] != 0 {
		return fmt.Errorf("%w: missing HCOMP terminator", ErrHeader)
	}

	z.Header = hdr
	z.cend = cend
	z.hbegin = cend + guardGap
	z.hend = len(hdr)
	z.comps = comps
	return nil
}

// WriteHeader writes the serialized header (without the guard gap) to w.
func (z *VM) WriteHeader(w io.ByteWriter) error {
	for _, c := range z.Header[:z.cend] {
		if err := w.WriteByte(c); err != nil {
			return err
		}
	}
	for _, c := range z.Header[z.hbegin:z.hend] {
		if err := w.WriteByte(c); err != nil {
			return err
		}
	}
	return nil
}

// New parses a serialized program header, as produced by Compile or
// VM.WriteHeader.
func New(serialized []byte) (*VM, error) {
	z := new(VM)
	if err := z.ReadHeader(&sliceReader{b: serialized}); err != nil {
		return nil, err
	}
	return z, nil
}

// NewPComp builds a VM around a bare postprocessing program, as
// recovered from the embedded PCOMP stream of a segment. The COMP
// section is empty; ph and pm size the H and M arrays.
func NewPComp(ph, pm byte, prog []byte) (*VM, error) {
	if len(prog) < 1 {
		return nil, fmt.Errorf("%w: empty PCOMP program", ErrHeader)
	}
	if len(prog) > maxProgram {
		return nil, fmt.Errorf("%w: PCOMP longer than %d bytes", ErrHeader, maxProgram)
	}
	hsize := 6 + len(prog)
	hdr := make([]byte, 0, 8+guardGap+len(prog))
	hdr = append(hdr, byte(hsize), byte(hsize>>8), 0, 0, ph, pm, 0, 0)
	hdr = append(hdr, make([]byte, guardGap)...)
	hdr = append(hdr, prog...)
	return &VM{
		Header: hdr,
		cend:   8,
		hbegin: 8 + guardGap,
		hend:   len(hdr),
	}, nil
}

type sliceReader struct {
	b []byte
	i int
}

func (r *sliceReader) ReadByte() (byte, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	c := r.b[r.i]
	r.i++
	return c, nil
}

// InitHComp sizes M and H for context-hash execution and clears all
// machine state. Called once per block.
func (z *VM) InitHComp() error { return z.initArrays(z.HH(), z.HM()) }

// InitPComp sizes M and H for postprocessing execution. Called once per
// loaded PCOMP program.
func (z *VM) InitPComp() error { return z.initArrays(z.PH(), z.PM()) }

func (z *VM) initArrays(hbits, mbits byte) error {
	if hbits > maxSizeBits || mbits > maxSizeBits {
		return fmt.Errorf("%w: 2^%d", ErrResource, max(hbits, mbits))
	}
	z.H = make([]uint32, 1<<hbits)
	z.M = make([]byte, 1<<mbits)
	z.hmask = uint32(len(z.H) - 1)
	z.mmask = uint32(len(z.M) - 1)
	z.R = [256]uint32{}
	z.A, z.B, z.C, z.D = 0, 0, 0, 0
	z.F = false
	z.PC = 0
	return nil
}

func max(a, b byte) byte {
	if a > b {
		return a
	}
	return b
}

// MemoryEstimate returns the bytes of table memory this program will
// allocate: the VM arrays plus each component's backing tables.
func (z *VM) MemoryEstimate() int64 {
	mem := int64(4)<<z.HH() + int64(1)<<z.HM() + int64(4)<<z.PH() + int64(1)<<z.PM()
	for i := 0; i < z.NumComponents(); i++ {
		cp := z.Comp(i)
		switch cp[0] {
		case CM:
			mem += int64(4) << cp[1]
		case ICM:
			mem += int64(64)<<cp[1] + 1024
		case MATCH:
			mem += int64(4)<<cp[1] + int64(1)<<cp[2]
		case MIX2:
			mem += int64(2) << cp[1]
		case MIX:
			mem += int64(4) * int64(cp[3]) << cp[1]
		case ISSE:
			mem += int64(64)<<cp[1] + 2048
		case SSE:
			mem += int64(128) << cp[1]
		}
	}
	return mem
}

// Run executes the program: A is set to input, PC to the program start,
// and instructions execute until HALT. Register, M and H state persists
// between calls; only A and PC are reset.
func (z *VM) Run(input uint32) error {
	if len(z.M) == 0 {
		return fmt.Errorf("%w: machine not initialized", ErrExecution)
	}
	z.A = input
	z.PC = z.hbegin
	for {
		done, err := z.step()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (z *VM) execErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrExecution, fmt.Sprintf(format, args...))
}

// imm consumes one inline operand byte.
func (z *VM) imm() (byte, error) {
	if z.PC >= z.hend {
		return 0, z.execErr("operand past end of program")
	}
	c := z.Header[z.PC]
	z.PC++
	return c, nil
}

// jump applies a conditional or unconditional short jump: the operand
// is a signed byte offset relative to the instruction after it.
func (z *VM) jump(taken bool) error {
	if z.PC >= z.hend {
		return z.execErr("jump operand past end of program")
	}
	if taken {
		z.PC += (int(z.Header[z.PC])+128)&255 - 127
	} else {
		z.PC++
	}
	return nil
}

// step decodes and executes one instruction. It reports true on HALT.
// Landing in the guard gap or on any undefined opcode is a fatal
// execution error; so is a PC outside the program.
func (z *VM) step() (bool, error) {
	if z.PC < z.cend || z.PC >= z.hend {
		return false, z.execErr("program counter %d out of range", z.PC)
	}
	op := z.Header[z.PC]
	z.PC++

	if op >= 64 && op <= 231 {
		return false, z.stepCalc(op)
	}

	switch op {
	case 1: // a++
		z.A++
	case 2: // a--
		z.A--
	case 3: // a!
		z.A = ^z.A
	case 4: // a=0
		z.A = 0
	case 7: // a=r n
		n, err := z.imm()
		if err != nil {
			return false, err
		}
		z.A = z.R[n]
	case 8: // b<>a
		z.A, z.B = z.B, z.A
	case 9: // b++
		z.B++
	case 10: // b--
		z.B--
	case 11: // b!
		z.B = ^z.B
	case 12: // b=0
		z.B = 0
	case 15: // b=r n
		n, err := z.imm()
		if err != nil {
			return false, err
		}
		z.B = z.R[n]
	case 16: // c<>a
		z.A, z.C = z.C, z.A
	case 17: // c++
		z.C++
	case 18: // c--
		z.C--
	case 19: // c!
		z.C = ^z.C
	case 20: // c=0
		z.C = 0
	case 23: // c=r n
		n, err := z.imm()
		if err != nil {
			return false, err
		}
		z.C = z.R[n]
	case 24: // d<>a
		z.A, z.D = z.D, z.A
	case 25: // d++
		z.D++
	case 26: // d--
		z.D--
	case 27: // d!
		z.D = ^z.D
	case 28: // d=0
		z.D = 0
	case 31: // d=r n
		n, err := z.imm()
		if err != nil {
			return false, err
		}
		z.D = z.R[n]
	case 32: // *b<>a  (low byte of A only)
		i := z.B & z.mmask
		z.M[i], z.A = byte(z.A), z.A&^255|uint32(z.M[i])
	case 33: // *b++
		z.M[z.B&z.mmask]++
	case 34: // *b--
		z.M[z.B&z.mmask]--
	case 35: // *b!
		z.M[z.B&z.mmask] = ^z.M[z.B&z.mmask]
	case 36: // *b=0
		z.M[z.B&z.mmask] = 0
	case 39: // jt n
		if err := z.jump(z.F); err != nil {
			return false, err
		}
	case 40: // *c<>a
		i := z.C & z.mmask
		z.M[i], z.A = byte(z.A), z.A&^255|uint32(z.M[i])
	case 41: // *c++
		z.M[z.C&z.mmask]++
	case 42: // *c--
		z.M[z.C&z.mmask]--
	case 43: // *c!
		z.M[z.C&z.mmask] = ^z.M[z.C&z.mmask]
	case 44: // *c=0
		z.M[z.C&z.mmask] = 0
	case 47: // jf n
		if err := z.jump(!z.F); err != nil {
			return false, err
		}
	case 48: // *d<>a
		i := z.D & z.hmask
		z.H[i], z.A = z.A, z.H[i]
	case 49: // *d++
		z.H[z.D&z.hmask]++
	case 50: // *d--
		z.H[z.D&z.hmask]--
	case 51: // *d!
		z.H[z.D&z.hmask] = ^z.H[z.D&z.hmask]
	case 52: // *d=0
		z.H[z.D&z.hmask] = 0
	case 55: // r=a n
		n, err := z.imm()
		if err != nil {
			return false, err
		}
		z.R[n] = z.A
	case 56: // halt
		return true, nil
	case 57: // out
		if z.Out != nil {
			if err := z.Out.WriteByte(byte(z.A)); err != nil {
				return false, err
			}
		}
	case 59: // hash: a = (a + *b + 512) * 773
		z.A = (z.A + uint32(z.M[z.B&z.mmask]) + 512) * 773
	case 60: // hashd: *d = (*d + a + 512) * 773
		i := z.D & z.hmask
		z.H[i] = (z.H[i] + z.A + 512) * 773
	case 63: // jmp n
		if err := z.jump(true); err != nil {
			return false, err
		}
	case 255: // lj n m: absolute 16-bit offset from program start
		if z.PC+1 >= z.hend {
			return false, z.execErr("long jump operand past end of program")
		}
		target := z.hbegin + int(z.Header[z.PC]) + int(z.Header[z.PC+1])*256
		if target >= z.hend {
			return false, z.execErr("long jump target %d out of range", target-z.hbegin)
		}
		z.PC = target
	default:
		return false, z.execErr("undefined opcode %d at %d", op, z.PC-1)
	}
	return false, nil
}

// stepCalc executes the regular opcode families 64..231: assignments to
// A, B, C, D, *B, *C, *D and arithmetic/logic/comparison on A. The low
// three bits select the operand: A, B, C, D, *B, *C, *D or an inline
// immediate.
func (z *VM) stepCalc(op byte) error {
	var x uint32
	switch op & 7 {
	case 0:
		x = z.A
	case 1:
		x = z.B
	case 2:
		x = z.C
	case 3:
		x = z.D
	case 4:
		x = uint32(z.M[z.B&z.mmask])
	case 5:
		x = uint32(z.M[z.C&z.mmask])
	case 6:
		x = z.H[z.D&z.hmask]
	case 7:
		n, err := z.imm()
		if err != nil {
			return err
		}
		x = uint32(n)
	}

	switch (op - 64) / 8 {
	case 0: // a=
		z.A = x
	case 1: // b=
		z.B = x
	case 2: // c=
		z.C = x
	case 3: // d=
		z.D = x
	case 4: // *b=
		z.M[z.B&z.mmask] = byte(x)
	case 5: // *c=
		z.M[z.C&z.mmask] = byte(x)
	case 6: // *d=
		z.H[z.D&z.hmask] = x
	case 7: // a+=
		z.A += x
	case 8: // a-=
		z.A -= x
	case 9: // a*=
		z.A *= x
	case 10: // a/=  (division by zero yields zero)
		if x != 0 {
			z.A /= x
		} else {
			z.A = 0
		}
	case 11: // a%=
		if x != 0 {
			z.A %= x
		} else {
			z.A = 0
		}
	case 12: // a&=
		z.A &= x
	case 13: // a&~
		z.A &^= x
	case 14: // a|=
		z.A |= x
	case 15: // a^=
		z.A ^= x
	case 16: // a<<=
		z.A <<= x & 31
	case 17: // a>>=
		z.A >>= x & 31
	case 18: // a==
		z.F = z.A == x
	case 19: // a<
		z.F = z.A < x
	case 20: // a>
		z.F = z.A > x
	}
	return nil
}
