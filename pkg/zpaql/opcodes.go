package zpaql

import "fmt"

// OpName maps opcodes to config-language mnemonics. Empty entries are
// undefined opcodes. Initialized by a function call so that tables
// derived from it (the compiler's reverse map) are ordered after it.
var OpName = buildOpNames()

// low64 covers the irregular opcodes: per-register increment, swap and
// clear groups, jumps, and the miscellaneous group at 56.
var low64 = [64]string{
	"error", "a++", "a--", "a!", "a=0", "", "", "a=r",
	"b<>a", "b++", "b--", "b!", "b=0", "", "", "b=r",
	"c<>a", "c++", "c--", "c!", "c=0", "", "", "c=r",
	"d<>a", "d++", "d--", "d!", "d=0", "", "", "d=r",
	"*b<>a", "*b++", "*b--", "*b!", "*b=0", "", "", "jt",
	"*c<>a", "*c++", "*c--", "*c!", "*c=0", "", "", "jf",
	"*d<>a", "*d++", "*d--", "*d!", "*d=0", "", "", "r=a",
	"halt", "out", "", "hash", "hashd", "", "", "jmp",
}

// buildOpNames fills the table: the low 64 opcodes are irregular, the
// rest follow a dest/op/source grid.
func buildOpNames() [256]string {
	var names [256]string
	copy(names[:64], low64[:])

	src := [8]string{"a", "b", "c", "d", "*b", "*c", "*d", ""}
	dst := [7]string{"a=", "b=", "c=", "d=", "*b=", "*c=", "*d="}
	alu := [14]string{
		"a+=", "a-=", "a*=", "a/=", "a%=", "a&=", "a&~",
		"a|=", "a^=", "a<<=", "a>>=", "a==", "a<", "a>",
	}
	for i, d := range dst {
		for j, s := range src {
			names[64+i*8+j] = d + s
		}
	}
	for i, o := range alu {
		for j, s := range src {
			names[120+i*8+j] = o + s
		}
	}
	names[255] = "lj"
	return names
}

// OperandBytes returns how many inline operand bytes follow op.
func OperandBytes(op byte) int {
	switch op {
	case 7, 15, 23, 31, 39, 47, 55, 63: // a=r b=r c=r d=r jt jf r=a jmp
		return 1
	case 255: // lj
		return 2
	}
	if op >= 64 && op <= 231 && op&7 == 7 {
		return 1 // immediate operand form
	}
	return 0
}

// DisasmHComp renders the program bytecode one instruction per line,
// with offsets relative to the program start. Undefined opcodes render
// as their byte value; used by archive listing.
func (z *VM) DisasmHComp() []string {
	var lines []string
	for pc := z.hbegin; pc < z.hend; {
		op := z.Header[pc]
		name := OpName[op]
		if name == "" {
			name = fmt.Sprintf(".%d", op)
		}
		nb := OperandBytes(op)
		switch {
		case nb == 1 && pc+1 < z.hend:
			lines = append(lines, fmt.Sprintf("%4d  %s %d", pc-z.hbegin, name, z.Header[pc+1]))
		case nb == 2 && pc+2 < z.hend:
			lines = append(lines, fmt.Sprintf("%4d  %s %d", pc-z.hbegin, name,
				int(z.Header[pc+1])+256*int(z.Header[pc+2])))
		default:
			nb = 0
			lines = append(lines, fmt.Sprintf("%4d  %s", pc-z.hbegin, name))
		}
		pc += 1 + nb
	}
	return lines
}

// DescribeComp renders component i's descriptor in config-language
// form, e.g. "isse 19 4".
func (z *VM) DescribeComp(i int) string {
	cp := z.Comp(i)
	s := CompName[cp[0]]
	for _, a := range cp[1:] {
		s += fmt.Sprintf(" %d", a)
	}
	return s
}
