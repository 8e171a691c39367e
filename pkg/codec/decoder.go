package codec

import (
	"fmt"
	"io"
)

// Decoder decompresses one segment stream at a time, mirroring the
// Encoder's range arithmetic. curr is a 32-bit window on the stream; a
// zero window doubles as "segment not started", since inside a stream
// the window is pinned between the nonzero low and high.
type Decoder struct {
	in   io.ByteReader
	low  uint32
	high uint32
	curr uint32
	m    Model
}

// NewDecoder returns a decoder reading from r. A nil model selects
// stored mode.
func NewDecoder(r io.ByteReader, m Model) *Decoder {
	d := &Decoder{in: r, m: m}
	d.Init()
	return d
}

// Init resets the range coder for a new block.
func (d *Decoder) Init() {
	d.low, d.high, d.curr = 1, 0xFFFFFFFF, 0
}

func (d *Decoder) get() (byte, error) {
	c, err := d.in.ReadByte()
	if err == io.EOF {
		return 0, fmt.Errorf("%w: unexpected end of input", ErrCorrupt)
	}
	return c, err
}

func (d *Decoder) decode(p uint32) (int, error) {
	if d.curr < d.low || d.curr > d.high {
		return 0, fmt.Errorf("%w: decoder out of range", ErrCorrupt)
	}
	m := mid(d.low, d.high, p)
	y := 0
	if d.curr <= m {
		y = 1
		d.high = m
	} else {
		d.low = m + 1
	}
	for d.high^d.low < 0x1000000 {
		d.high = d.high<<8 | 255
		d.low <<= 8
		if d.low == 0 {
			d.low = 1
		}
		c, err := d.get()
		if err != nil {
			return 0, err
		}
		d.curr = d.curr<<8 | uint32(c)
	}
	return y, nil
}

// Decompress returns the next byte of the segment, or io.EOF at the
// segment terminator.
func (d *Decoder) Decompress() (byte, error) {
	if d.m == nil {
		return d.decompressStored()
	}
	if d.curr == 0 { // segment start: load the window
		for i := 0; i < 4; i++ {
			c, err := d.get()
			if err != nil {
				return 0, err
			}
			d.curr = d.curr<<8 | uint32(c)
		}
	}
	eof, err := d.decode(0)
	if err != nil {
		return 0, err
	}
	if eof == 1 {
		if d.curr != 0 {
			return 0, fmt.Errorf("%w: trailing data after end of stream", ErrCorrupt)
		}
		return 0, io.EOF
	}
	c := 1
	for c < 256 {
		p := uint32(d.m.Predict())*2 + 1
		y, err := d.decode(p)
		if err != nil {
			return 0, err
		}
		c = c*2 + y
		if err := d.m.Update(y); err != nil {
			return 0, err
		}
	}
	return byte(c - 256), nil
}

// decompressStored follows counted chunks; curr is the bytes left in
// the current chunk. A zero count marks the segment end.
func (d *Decoder) decompressStored() (byte, error) {
	if d.curr == 0 {
		n, err := d.readCount()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		d.curr = n
	}
	d.curr--
	return d.get()
}

func (d *Decoder) readCount() (uint32, error) {
	var n uint32
	for i := 0; i < 4; i++ {
		c, err := d.get()
		if err != nil {
			return 0, err
		}
		n = n<<8 | uint32(c)
	}
	return n, nil
}

// Skip consumes the rest of the segment without decoding it and
// returns the first byte past the terminator. After a skip the range
// state is unusable until the next block resets it.
func (d *Decoder) Skip() (byte, error) {
	if d.m == nil {
		for {
			n := d.curr
			d.curr = 0
			if n == 0 {
				var err error
				if n, err = d.readCount(); err != nil {
					return 0, err
				}
				if n == 0 {
					return d.get()
				}
			}
			for ; n > 0; n-- {
				if _, err := d.get(); err != nil {
					return 0, err
				}
			}
		}
	}
	// scan for the four-zero terminator through a rolling window
	for d.curr == 0 {
		c, err := d.get()
		if err != nil {
			return 0, err
		}
		d.curr = uint32(c)
	}
	for d.curr != 0 {
		c, err := d.get()
		if err != nil {
			return 0, err
		}
		d.curr = d.curr<<8 | uint32(c)
	}
	// the coded data may itself end with up to three zero bytes, so the
	// window can go dark before the terminator is fully consumed; keep
	// reading until the nonzero trailer byte
	for {
		c, err := d.get()
		if err != nil {
			return 0, err
		}
		if c != 0 {
			return c, nil
		}
	}
}
