// Package archive reads and writes the block/segment container format:
// locator tags, block headers carrying a compression model, and
// segments of compressed data with optional filenames, comments and
// SHA-1 checksums. Compressor and Decompresser are state machines whose
// methods must be called in framing order.
package archive

import (
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/ha1tch/zpq/pkg/codec"
	"github.com/ha1tch/zpq/pkg/model"
	"github.com/ha1tch/zpq/pkg/zpaql"
)

var (
	// ErrFormat reports malformed archive structure.
	ErrFormat = stderrors.New("archive: bad archive format")
	// ErrState reports framing methods called out of order.
	ErrState = stderrors.New("archive: operation out of sequence")
)

type cState int

const (
	cInit   cState = iota // before a block
	cBlock1               // block open, no segment yet
	cSeg1                 // first segment open, postprocessing not yet declared
	cSeg2                 // segment open, data may be written
	cBlock2               // segment closed, next segment or end of block
)

// Compressor writes one archive stream. Typical order: WriteTag,
// StartBlock, then per file StartSegment/Compress/EndSegment, then
// EndBlock; blocks repeat.
type Compressor struct {
	w     io.ByteWriter
	state cState
	z     *zpaql.VM
	pr    *model.Predictor
	enc   *codec.Encoder
	first bool // current block has not ended its first segment
}

func NewCompressor(w io.ByteWriter) *Compressor {
	return &Compressor{w: w}
}

func (c *Compressor) writeAll(p []byte) error {
	for _, b := range p {
		if err := c.w.WriteByte(b); err != nil {
			return err
		}
	}
	return nil
}

// WriteTag writes the 13-byte locator so the next block can be found
// even if the stream is embedded mid-file.
func (c *Compressor) WriteTag() error {
	if c.state != cInit {
		return errors.Wrap(ErrState, "tag inside a block")
	}
	return c.writeAll(Tag[:])
}

// StartBlock opens a block with the given serialized model header (as
// produced by zpaql.Compile). A header with no components selects
// stored mode. The model and coder live for the whole block, so every
// segment in it shares the adapted statistics.
func (c *Compressor) StartBlock(hcomp []byte) error {
	if c.state != cInit {
		return errors.Wrap(ErrState, "block already open")
	}
	z, err := zpaql.New(hcomp)
	if err != nil {
		return errors.Wrap(err, "starting block")
	}
	level := byte(1)
	if z.NumComponents() == 0 {
		level = 2 // stored
	}
	if err := c.writeAll([]byte{'z', 'P', 'Q', level, 1}); err != nil {
		return err
	}
	if err := z.WriteHeader(c.w); err != nil {
		return err
	}

	c.z = z
	c.pr = nil
	if z.NumComponents() > 0 {
		if err := z.InitHComp(); err != nil {
			return errors.Wrap(err, "starting block")
		}
		if c.pr, err = model.NewPredictor(z); err != nil {
			return errors.Wrap(err, "starting block")
		}
		c.enc = codec.NewEncoder(c.w, c.pr)
	} else {
		c.enc = codec.NewEncoder(c.w, nil)
	}
	c.state = cBlock1
	c.first = true
	return nil
}

// StartSegment opens a segment. Filename and comment are optional and
// must not contain NUL bytes; by convention the comment is the original
// size as a decimal string.
func (c *Compressor) StartSegment(filename, comment string) error {
	if c.state != cBlock1 && c.state != cBlock2 {
		return errors.Wrap(ErrState, "segment outside a block")
	}
	if strings.IndexByte(filename, 0) >= 0 || strings.IndexByte(comment, 0) >= 0 {
		return fmt.Errorf("%w: NUL in segment strings", ErrFormat)
	}
	if err := c.w.WriteByte(1); err != nil {
		return err
	}
	if err := c.writeAll([]byte(filename)); err != nil {
		return err
	}
	if err := c.w.WriteByte(0); err != nil {
		return err
	}
	if err := c.writeAll([]byte(comment)); err != nil {
		return err
	}
	if err := c.writeAll([]byte{0, 0}); err != nil {
		return err
	}
	if c.first {
		c.state = cSeg1
	} else {
		c.state = cSeg2
	}
	return nil
}

// PostProcess declares the block's postprocessing program as the first
// compressed bytes of the first segment: a zero flag for none, or the
// program the decompresser will run on decoded data. When pcomp is
// given, the data compressed afterwards must already be in preprocessed
// form.
func (c *Compressor) PostProcess(pcomp []byte) error {
	if c.state != cSeg1 {
		return errors.Wrap(ErrState, "postprocessing must open the first segment")
	}
	if len(pcomp) == 0 {
		if err := c.enc.Compress(0); err != nil {
			return err
		}
	} else {
		if len(pcomp) > 0xFFFF {
			return fmt.Errorf("%w: postprocessing program too long", ErrFormat)
		}
		hdr := []byte{1, byte(len(pcomp)), byte(len(pcomp) >> 8)}
		for _, b := range append(hdr, pcomp...) {
			if err := c.enc.Compress(b); err != nil {
				return err
			}
		}
	}
	c.state = cSeg2
	return nil
}

// Compress codes all of r into the open segment.
func (c *Compressor) Compress(r io.ByteReader) (int64, error) {
	if c.state == cSeg1 {
		if err := c.PostProcess(nil); err != nil {
			return 0, err
		}
	}
	if c.state != cSeg2 {
		return 0, errors.Wrap(ErrState, "no open segment")
	}
	var n int64
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := c.enc.Compress(b); err != nil {
			return n, err
		}
		n++
	}
}

// EndSegment closes the segment, with an optional 20-byte SHA-1 of the
// original data.
func (c *Compressor) EndSegment(digest []byte) error {
	if c.state == cSeg1 {
		if err := c.PostProcess(nil); err != nil {
			return err
		}
	}
	if c.state != cSeg2 {
		return errors.Wrap(ErrState, "no open segment")
	}
	if err := c.enc.Finish(); err != nil {
		return err
	}
	if err := c.writeAll([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	if digest == nil {
		if err := c.w.WriteByte(254); err != nil {
			return err
		}
	} else {
		if len(digest) != 20 {
			return fmt.Errorf("%w: digest must be 20 bytes", ErrFormat)
		}
		if err := c.w.WriteByte(253); err != nil {
			return err
		}
		if err := c.writeAll(digest); err != nil {
			return err
		}
	}
	c.state = cBlock2
	c.first = false
	return nil
}

// EndBlock closes the block.
func (c *Compressor) EndBlock() error {
	if c.state != cBlock2 {
		return errors.Wrap(ErrState, "no finished segment to close the block")
	}
	if err := c.w.WriteByte(255); err != nil {
		return err
	}
	c.state = cInit
	return nil
}

// MemoryEstimate reports the model memory of the open block.
func (c *Compressor) MemoryEstimate() int64 {
	if c.z == nil {
		return 0
	}
	return c.z.MemoryEstimate()
}
