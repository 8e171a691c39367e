package archive

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/ha1tch/zpq/pkg/zpaql"
)

// byteSink fans decompressed output out to the destination writer and
// the verifying checksum, either of which may be absent.
type byteSink struct {
	w   io.Writer
	sha *SHA1
	n   int64
}

func (s *byteSink) WriteByte(c byte) error {
	s.n++
	if s.w != nil {
		if _, err := s.w.Write([]byte{c}); err != nil {
			return err
		}
	}
	if s.sha != nil {
		return s.sha.WriteByte(c)
	}
	return nil
}

// postProcessor reassembles original data from decoded bytes. The first
// decoded byte of a block is a flag: 0 passes data through unchanged, 1
// prefixes a 2-byte length and a PCOMP program that transforms it. One
// postProcessor serves a whole block; the program loads once and keeps
// its state across segments.
type postProcessor struct {
	state  ppState
	ph, pm byte
	plen   int
	prog   []byte
	z      *zpaql.VM
	sink   *byteSink
}

type ppState int

const (
	ppInit ppState = iota
	ppPass
	ppLenLo
	ppLenHi
	ppLoad
	ppRun
)

func newPostProcessor(ph, pm byte, sink *byteSink) *postProcessor {
	return &postProcessor{ph: ph, pm: pm, sink: sink}
}

func (p *postProcessor) WriteByte(c byte) error {
	switch p.state {
	case ppInit:
		switch c {
		case 0:
			p.state = ppPass
		case 1:
			p.state = ppLenLo
		default:
			return fmt.Errorf("%w: postprocessing flag %d", ErrFormat, c)
		}
	case ppPass:
		return p.sink.WriteByte(c)
	case ppLenLo:
		p.plen = int(c)
		p.state = ppLenHi
	case ppLenHi:
		p.plen += int(c) * 256
		if p.plen < 1 {
			return fmt.Errorf("%w: empty postprocessing program", ErrFormat)
		}
		p.prog = make([]byte, 0, p.plen)
		p.state = ppLoad
	case ppLoad:
		p.prog = append(p.prog, c)
		if len(p.prog) == p.plen {
			z, err := zpaql.NewPComp(p.ph, p.pm, p.prog)
			if err != nil {
				return errors.Wrap(err, "loading postprocessing program")
			}
			if err := z.InitPComp(); err != nil {
				return errors.Wrap(err, "loading postprocessing program")
			}
			z.Out = p.sink
			p.z = z
			p.state = ppRun
		}
	case ppRun:
		return p.z.Run(uint32(c))
	}
	return nil
}

// end marks the segment boundary: a running program sees it as the
// input 2^32-1 so it can flush pending state.
func (p *postProcessor) end() error {
	switch p.state {
	case ppLenLo, ppLenHi, ppLoad:
		return fmt.Errorf("%w: truncated postprocessing program", ErrFormat)
	case ppRun:
		return p.z.Run(^uint32(0))
	}
	return nil
}
