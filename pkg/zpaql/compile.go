package zpaql

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrConfig reports a config-language compilation failure.
var ErrConfig = errors.New("zpaql: config error")

// Program is a compiled config: the serialized model header, and the
// postprocessing program if the config declares one.
type Program struct {
	HComp []byte // serialized COMP+HCOMP header, input to archive.StartBlock
	PComp []byte // PCOMP bytecode with terminator, nil when "post 0"

	// PreprocessCmd is the external preprocessor named by the pcomp
	// section. Informational only: running preprocessors is up to the
	// caller, the library never executes commands.
	PreprocessCmd string
}

// Compile translates config-language source into a Program. Numeric
// arguments $1..$9 in the source are substituted from args (missing
// arguments read as zero). The language has four sections:
//
//	comp hh hm ph pm n
//	  i type arg...        (component i, in index order)
//	hcomp
//	  opcodes...           (context-hash program)
//	post 0 | pcomp cmd ; opcodes...
//	end
//
// Besides opcode mnemonics, the hcomp/pcomp sections accept the
// structured forms if/ifnot/else/endif (and ifl/ifnotl/elsel long
// variants) and do/while/until/forever, compiled to conditional jumps.
// Comments are parenthesised.
func Compile(src string, args ...int) (*Program, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	c := &compiler{toks: tokens, args: args}
	return c.compile()
}

func tokenize(src string) ([]string, error) {
	var toks []string
	var cur strings.Builder
	depth := 0
	for _, r := range strings.ToLower(src) {
		switch {
		case r == '(':
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced )", ErrConfig)
			}
		case depth > 0:
			// inside comment
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if cur.Len() > 0 {
				toks = append(toks, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: unbalanced (", ErrConfig)
	}
	if cur.Len() > 0 {
		toks = append(toks, cur.String())
	}
	return toks, nil
}

type compiler struct {
	toks []string
	pos  int
	args []int
}

func (c *compiler) next() (string, error) {
	if c.pos >= len(c.toks) {
		return "", fmt.Errorf("%w: unexpected end of config", ErrConfig)
	}
	t := c.toks[c.pos]
	c.pos++
	return t, nil
}

func (c *compiler) expect(word string) error {
	t, err := c.next()
	if err != nil {
		return err
	}
	if t != word {
		return fmt.Errorf("%w: expected %q, got %q", ErrConfig, word, t)
	}
	return nil
}

// number parses a decimal literal or a $N[+d] macro argument and checks
// it against [lo, hi].
func (c *compiler) number(lo, hi int) (int, error) {
	t, err := c.next()
	if err != nil {
		return 0, err
	}
	n, err := c.resolve(t)
	if err != nil {
		return 0, err
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %q out of range %d..%d", ErrConfig, t, lo, hi)
	}
	return n, nil
}

func (c *compiler) resolve(t string) (int, error) {
	if strings.HasPrefix(t, "$") {
		idx, add := t[1:], 0
		if i := strings.IndexByte(idx, '+'); i >= 0 {
			var err error
			add, err = strconv.Atoi(idx[i+1:])
			if err != nil {
				return 0, fmt.Errorf("%w: bad argument %q", ErrConfig, t)
			}
			idx = idx[:i]
		}
		n, err := strconv.Atoi(idx)
		if err != nil || n < 1 || n > 9 {
			return 0, fmt.Errorf("%w: bad argument %q", ErrConfig, t)
		}
		v := 0
		if n <= len(c.args) {
			v = c.args[n-1]
		}
		return v + add, nil
	}
	n, err := strconv.Atoi(t)
	if err != nil {
		return 0, fmt.Errorf("%w: expected number, got %q", ErrConfig, t)
	}
	return n, nil
}

var opByName = func() map[string]byte {
	m := make(map[string]byte)
	for op := 0; op < 256; op++ {
		if OpName[op] != "" {
			m[OpName[op]] = byte(op)
		}
	}
	return m
}()

func (c *compiler) compile() (*Program, error) {
	if err := c.expect("comp"); err != nil {
		return nil, err
	}
	var sizes [5]byte // hh hm ph pm n
	for i := range sizes {
		n, err := c.number(0, 255)
		if err != nil {
			return nil, err
		}
		sizes[i] = byte(n)
	}

	comp := []byte{0, 0} // hsize placeholder
	comp = append(comp, sizes[:]...)
	n := int(sizes[4])
	for i := 0; i < n; i++ {
		idx, err := c.number(0, 255)
		if err != nil {
			return nil, err
		}
		if idx != i {
			return nil, fmt.Errorf("%w: component %d numbered %d", ErrConfig, i, idx)
		}
		name, err := c.next()
		if err != nil {
			return nil, err
		}
		t := 0
		for j, cn := range CompName {
			if cn == name {
				t = j
			}
		}
		if t == 0 {
			return nil, fmt.Errorf("%w: unknown component %q", ErrConfig, name)
		}
		comp = append(comp, byte(t))
		for j := 1; j < CompSize[t]; j++ {
			a, err := c.number(0, 255)
			if err != nil {
				return nil, err
			}
			comp = append(comp, byte(a))
		}
	}
	comp = append(comp, 0)

	if err := c.expect("hcomp"); err != nil {
		return nil, err
	}
	hcomp, stop, err := c.assemble("post", "pcomp")
	if err != nil {
		return nil, err
	}

	p := &Program{}
	switch stop {
	case "post":
		if _, err := c.number(0, 0); err != nil {
			return nil, err
		}
	case "pcomp":
		// preprocessor command up to ";"
		var cmd []string
		for {
			t, err := c.next()
			if err != nil {
				return nil, err
			}
			if t == ";" {
				break
			}
			cmd = append(cmd, t)
		}
		p.PreprocessCmd = strings.Join(cmd, " ")
		pcomp, _, err := c.assemble("end")
		if err != nil {
			return nil, err
		}
		c.pos-- // assemble consumed "end"; re-read below
		p.PComp = pcomp
	}
	if err := c.expect("end"); err != nil {
		return nil, err
	}

	hsize := len(comp) - 2 + len(hcomp)
	if hsize > 0xFFFF {
		return nil, fmt.Errorf("%w: program too long", ErrConfig)
	}
	comp[0] = byte(hsize)
	comp[1] = byte(hsize >> 8)
	p.HComp = append(comp, hcomp...)
	return p, nil
}

// fixup is a jump operand awaiting its target.
type fixup struct {
	pos  int  // operand offset in code
	long bool // 2-byte LJ operand vs 1-byte relative
}

type asm struct {
	code  []byte
	ifs   []fixup
	loops []int
}

func (a *asm) patch(f fixup, target int) error {
	if f.long {
		a.code[f.pos] = byte(target)
		a.code[f.pos+1] = byte(target >> 8)
		return nil
	}
	off := target - f.pos
	if off < -127 || off > 128 {
		return fmt.Errorf("%w: branch too far (%d bytes), use long form", ErrConfig, off)
	}
	a.code[f.pos] = byte(off - 1)
	return nil
}

// assemble consumes opcodes until one of the stop keywords, returning
// the bytecode with its zero terminator appended.
func (c *compiler) assemble(stops ...string) (code []byte, stop string, err error) {
	a := &asm{}
	for {
		t, err := c.next()
		if err != nil {
			return nil, "", err
		}
		for _, s := range stops {
			if t == s {
				if len(a.ifs) > 0 {
					return nil, "", fmt.Errorf("%w: unclosed if", ErrConfig)
				}
				if len(a.loops) > 0 {
					return nil, "", fmt.Errorf("%w: unclosed do", ErrConfig)
				}
				return append(a.code, 0), t, nil
			}
		}
		if err := c.statement(a, t); err != nil {
			return nil, "", err
		}
	}
}

func (c *compiler) statement(a *asm, t string) error {
	switch t {
	case "if", "ifnot":
		op := byte(47) // jf over the body
		if t == "ifnot" {
			op = 39
		}
		a.code = append(a.code, op, 0)
		a.ifs = append(a.ifs, fixup{pos: len(a.code) - 1})
		return nil
	case "ifl", "ifnotl":
		op := byte(39) // jt over the lj when the condition holds
		if t == "ifnotl" {
			op = 47
		}
		a.code = append(a.code, op, 3, 255, 0, 0)
		a.ifs = append(a.ifs, fixup{pos: len(a.code) - 2, long: true})
		return nil
	case "else", "elsel":
		if len(a.ifs) == 0 {
			return fmt.Errorf("%w: else without if", ErrConfig)
		}
		f := a.ifs[len(a.ifs)-1]
		if t == "elsel" {
			a.code = append(a.code, 255, 0, 0)
			a.ifs[len(a.ifs)-1] = fixup{pos: len(a.code) - 2, long: true}
		} else {
			a.code = append(a.code, 63, 0)
			a.ifs[len(a.ifs)-1] = fixup{pos: len(a.code) - 1}
		}
		return a.patch(f, len(a.code))
	case "endif":
		if len(a.ifs) == 0 {
			return fmt.Errorf("%w: endif without if", ErrConfig)
		}
		f := a.ifs[len(a.ifs)-1]
		a.ifs = a.ifs[:len(a.ifs)-1]
		return a.patch(f, len(a.code))
	case "do":
		a.loops = append(a.loops, len(a.code))
		return nil
	case "while", "until", "forever":
		if len(a.loops) == 0 {
			return fmt.Errorf("%w: %s without do", ErrConfig, t)
		}
		mark := a.loops[len(a.loops)-1]
		a.loops = a.loops[:len(a.loops)-1]
		op := byte(39) // while: jump back when true
		switch t {
		case "until":
			op = 47
		case "forever":
			op = 63
		}
		a.code = append(a.code, op, 0)
		return a.patch(fixup{pos: len(a.code) - 1}, mark)
	}

	op, ok := opByName[t]
	if !ok {
		return fmt.Errorf("%w: unknown opcode %q", ErrConfig, t)
	}
	a.code = append(a.code, op)
	switch OperandBytes(op) {
	case 1:
		lo := 0
		if op == 39 || op == 47 || op == 63 { // jumps take signed offsets
			lo = -128
		}
		n, err := c.number(lo, 255)
		if err != nil {
			return err
		}
		a.code = append(a.code, byte(n))
	case 2:
		n, err := c.number(0, 0xFFFF)
		if err != nil {
			return err
		}
		a.code = append(a.code, byte(n), byte(n>>8))
	}
	return nil
}
