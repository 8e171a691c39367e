package codec

import "io"

// Encoder compresses one segment stream at a time. The range state
// persists across segments within a block; Init resets it when a new
// block starts.
type Encoder struct {
	out  io.ByteWriter
	low  uint32
	high uint32
	m    Model
	buf  []byte // stored-mode pending chunk
}

// NewEncoder returns an encoder writing to w. A nil model selects
// stored mode.
func NewEncoder(w io.ByteWriter, m Model) *Encoder {
	e := &Encoder{out: w, m: m}
	e.Init()
	return e
}

// Init resets the range coder for a new block.
func (e *Encoder) Init() {
	e.low, e.high = 1, 0xFFFFFFFF
	e.buf = e.buf[:0]
}

// encode narrows the range to the side chosen by bit y and emits
// settled leading bytes. low is kept nonzero so the stream cannot
// contain four zero bytes before the segment terminator.
func (e *Encoder) encode(y int, p uint32) error {
	m := mid(e.low, e.high, p)
	if y == 1 {
		e.high = m
	} else {
		e.low = m + 1
	}
	for e.high^e.low < 0x1000000 {
		if err := e.out.WriteByte(byte(e.high >> 24)); err != nil {
			return err
		}
		e.high = e.high<<8 | 255
		e.low <<= 8
		if e.low == 0 {
			e.low = 1
		}
	}
	return nil
}

// Compress codes one byte: in modeled mode a zero EOF flag bit and then
// the eight data bits against the model, in stored mode into the
// pending chunk.
func (e *Encoder) Compress(c byte) error {
	if e.m == nil {
		e.buf = append(e.buf, c)
		if len(e.buf) >= storedChunk {
			return e.flushStored()
		}
		return nil
	}
	if err := e.encode(0, 0); err != nil {
		return err
	}
	for bit := 7; bit >= 0; bit-- {
		p := uint32(e.m.Predict())*2 + 1
		y := int(c>>uint(bit)) & 1
		if err := e.encode(y, p); err != nil {
			return err
		}
		if err := e.m.Update(y); err != nil {
			return err
		}
	}
	return nil
}

// Finish ends the segment stream: a one EOF flag bit in modeled mode,
// which also flushes the range, or the last counted chunk in stored
// mode. The caller writes the four-zero terminator.
func (e *Encoder) Finish() error {
	if e.m == nil {
		if len(e.buf) > 0 {
			return e.flushStored()
		}
		return nil
	}
	return e.encode(1, 0)
}

func (e *Encoder) flushStored() error {
	n := uint32(len(e.buf))
	for shift := 24; shift >= 0; shift -= 8 {
		if err := e.out.WriteByte(byte(n >> uint(shift))); err != nil {
			return err
		}
	}
	for _, c := range e.buf {
		if err := e.out.WriteByte(c); err != nil {
			return err
		}
	}
	e.buf = e.buf[:0]
	return nil
}
