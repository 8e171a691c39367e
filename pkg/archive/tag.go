package archive

// Tag is the 13-byte locator written before a block so that a reader
// can find archive data embedded at an arbitrary offset in a file.
var Tag = [13]byte{0x37, 0x6B, 0x53, 0x74, 0xA0, 0x31, 0x83, 0xD3, 0x8C, 0xB2, 0x28, 0xB0, 0xD3}

// Block scanning matches the 16-byte string Tag+"zPQ" through four
// rolling hashes, one byte of input at a time. The target values are
// derived from the tag here rather than written down, so they cannot
// drift from the published tag bytes.
const (
	seed1 = 0x3D49B113
	seed2 = 0x29EB7F93
	seed3 = 0x2614BE13
	seed4 = 0x3828EB13
)

type tagHash struct {
	h1, h2, h3, h4 uint32
}

func newTagHash() tagHash {
	return tagHash{seed1, seed2, seed3, seed4}
}

func (t *tagHash) roll(c byte) {
	t.h1 = t.h1*12 + uint32(c)
	t.h2 = t.h2*20 + uint32(c)
	t.h3 = t.h3*28 + uint32(c)
	t.h4 = t.h4*44 + uint32(c)
}

var tagTarget = func() tagHash {
	t := newTagHash()
	for _, c := range Tag {
		t.roll(c)
	}
	for _, c := range []byte("zPQ") {
		t.roll(c)
	}
	return t
}()
