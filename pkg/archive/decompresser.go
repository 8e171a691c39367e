package archive

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/ha1tch/zpq/pkg/codec"
	"github.com/ha1tch/zpq/pkg/model"
	"github.com/ha1tch/zpq/pkg/zpaql"
)

type dState int

const (
	dBlock    dState = iota // scanning for a block
	dFilename               // at a segment header or end of block
	dComment
	dData
	dSegEnd // data exhausted, trailer not yet read
)

type decodeState int

const (
	firstSeg decodeState = iota // no segment of this block decoded yet
	midSeg
	skipped // a segment was skipped; decoding is unsafe until next block
)

// Decompresser reads one archive stream. Typical order: FindBlock, then
// per segment FindFilename/ReadComment/Decompress/ReadSegmentEnd until
// FindFilename reports the end of the block; blocks repeat until
// FindBlock reports io.EOF.
type Decompresser struct {
	in     io.ByteReader
	state  dState
	dstate decodeState
	dec    *codec.Decoder
	z      *zpaql.VM
	pr     *model.Predictor
	pp     *postProcessor
	sink   *byteSink
}

func NewDecompresser(r io.ByteReader) *Decompresser {
	return &Decompresser{in: r, sink: &byteSink{}}
}

// SetOutput directs decompressed data to w; nil discards it.
func (d *Decompresser) SetOutput(w io.Writer) { d.sink.w = w }

// SetSHA1 attaches a checksum over decompressed data for verification.
func (d *Decompresser) SetSHA1(s *SHA1) { d.sink.sha = s }

// Model exposes the open block's program for listing and disassembly.
func (d *Decompresser) Model() *zpaql.VM { return d.z }

func (d *Decompresser) get() (byte, error) {
	c, err := d.in.ReadByte()
	if err == io.EOF {
		return 0, fmt.Errorf("%w: unexpected end of archive", ErrFormat)
	}
	return c, err
}

// FindBlock scans forward to the next block, by locator tag or by a
// stream that begins directly with a block header, reads the header
// and sets up the block's model. It returns the model's memory
// requirement. io.EOF means no further block exists.
func (d *Decompresser) FindBlock() (int64, error) {
	if d.state != dBlock {
		return 0, errors.Wrap(ErrState, "block still open")
	}
	th := newTagHash()
	pos, lit := 0, 0
	for th != tagTarget {
		c, err := d.in.ReadByte()
		if err == io.EOF {
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		th.roll(c)
		if pos == lit && pos < 3 && c == "zPQ"[pos] {
			lit++
		}
		pos++
		if lit == 3 { // untagged stream starting at the header
			break
		}
	}

	level, err := d.get()
	if err != nil {
		return 0, err
	}
	if level != 1 && level != 2 {
		return 0, fmt.Errorf("%w: unsupported level %d", ErrFormat, level)
	}
	if c, err := d.get(); err != nil {
		return 0, err
	} else if c != 1 {
		return 0, fmt.Errorf("%w: bad block type %d", ErrFormat, c)
	}

	z := new(zpaql.VM)
	if err := z.ReadHeader(d.in); err != nil {
		return 0, errors.Wrap(err, "reading block header")
	}
	d.z = z
	d.pr = nil
	if z.NumComponents() > 0 {
		if err := z.InitHComp(); err != nil {
			return 0, errors.Wrap(err, "reading block header")
		}
		if d.pr, err = model.NewPredictor(z); err != nil {
			return 0, errors.Wrap(err, "reading block header")
		}
		d.dec = codec.NewDecoder(d.in, d.pr)
	} else {
		d.dec = codec.NewDecoder(d.in, nil)
	}
	d.pp = newPostProcessor(z.PH(), z.PM(), d.sink)
	d.state = dFilename
	d.dstate = firstSeg
	return z.MemoryEstimate(), nil
}

// FindFilename reads the next segment header and returns its filename,
// or io.EOF at the end of the block.
func (d *Decompresser) FindFilename() (string, error) {
	if d.state != dFilename {
		return "", errors.Wrap(ErrState, "not at a segment boundary")
	}
	c, err := d.get()
	if err != nil {
		return "", err
	}
	switch c {
	case 255:
		d.state = dBlock
		return "", io.EOF
	case 1:
		var name strings.Builder
		for {
			if c, err = d.get(); err != nil {
				return "", err
			}
			if c == 0 {
				d.state = dComment
				return name.String(), nil
			}
			name.WriteByte(c)
		}
	}
	return "", fmt.Errorf("%w: missing segment marker (byte %d)", ErrFormat, c)
}

// ReadComment reads the segment comment and its reserved byte.
func (d *Decompresser) ReadComment() (string, error) {
	if d.state != dComment {
		return "", errors.Wrap(ErrState, "no segment header read")
	}
	var comment strings.Builder
	for {
		c, err := d.get()
		if err != nil {
			return "", err
		}
		if c == 0 {
			break
		}
		comment.WriteByte(c)
	}
	if c, err := d.get(); err != nil {
		return "", err
	} else if c != 0 {
		return "", fmt.Errorf("%w: missing reserved byte", ErrFormat)
	}
	d.state = dData
	return comment.String(), nil
}

// Decompress decodes up to n bytes of the segment through the
// postprocessor into the output (n < 0 means until the segment ends).
// It reports whether data remains in the segment.
func (d *Decompresser) Decompress(n int) (bool, error) {
	if d.state != dData {
		return false, errors.Wrap(ErrState, "no open segment")
	}
	if d.dstate == skipped {
		return false, fmt.Errorf("%w: decompression after a skipped segment", ErrFormat)
	}
	d.dstate = midSeg
	for i := 0; n < 0 || i < n; i++ {
		c, err := d.dec.Decompress()
		if err == io.EOF {
			d.state = dSegEnd
			return false, d.pp.end()
		}
		if err != nil {
			return false, err
		}
		if err := d.pp.WriteByte(c); err != nil {
			return false, err
		}
	}
	return true, nil
}

// SegmentCheck is the verification result of one segment.
type SegmentCheck struct {
	Stored   []byte // digest carried by the archive, nil if absent
	Computed []byte // digest of the decompressed data, nil if skipped
}

// Mismatch reports whether both digests exist and disagree. A missing
// side cannot prove corruption.
func (c *SegmentCheck) Mismatch() bool {
	return c.Stored != nil && c.Computed != nil && !bytes.Equal(c.Stored, c.Computed)
}

// ReadSegmentEnd skips any remaining segment data and reads the
// trailer. After a skip the rest of the block can only be skipped too,
// since the model no longer tracks the coder.
func (d *Decompresser) ReadSegmentEnd() (*SegmentCheck, error) {
	var trailer byte
	var err error
	switch d.state {
	case dData:
		if trailer, err = d.dec.Skip(); err != nil {
			return nil, err
		}
		d.dstate = skipped
	case dSegEnd:
		if trailer, err = d.get(); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrap(ErrState, "no open segment")
	}
	d.state = dFilename

	check := &SegmentCheck{}
	if d.sink.sha != nil {
		sum := d.sink.sha.Sum() // always reset, even after a skip
		if d.dstate != skipped {
			check.Computed = sum
		}
	}
	switch trailer {
	case 254:
	case 253:
		check.Stored = make([]byte, 20)
		for i := range check.Stored {
			if check.Stored[i], err = d.get(); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%w: missing end of segment marker", ErrFormat)
	}
	return check, nil
}
