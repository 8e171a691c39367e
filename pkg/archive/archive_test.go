package archive

import (
	"bytes"
	"io"
	"testing"

	"github.com/ha1tch/zpq/pkg/zpaql"
)

type segment struct {
	name    string
	comment string
	data    []byte
}

// writeArchive builds a tagged single-block archive with a segment per
// entry, each carrying a SHA-1 of its data.
func writeArchive(t *testing.T, level int, segs []segment) []byte {
	t.Helper()
	prog, err := zpaql.Level(level)
	if err != nil {
		t.Fatalf("Level(%d) failed: %v", level, err)
	}
	return writeArchiveHeader(t, prog.HComp, nil, segs)
}

func writeArchiveHeader(t *testing.T, hcomp, pcomp []byte, segs []segment) []byte {
	t.Helper()
	var buf bytes.Buffer
	c := NewCompressor(&buf)
	if err := c.WriteTag(); err != nil {
		t.Fatalf("WriteTag failed: %v", err)
	}
	if err := c.StartBlock(hcomp); err != nil {
		t.Fatalf("StartBlock failed: %v", err)
	}
	for i, s := range segs {
		if err := c.StartSegment(s.name, s.comment); err != nil {
			t.Fatalf("StartSegment failed: %v", err)
		}
		if i == 0 && pcomp != nil {
			if err := c.PostProcess(pcomp); err != nil {
				t.Fatalf("PostProcess failed: %v", err)
			}
		}
		sha := NewSHA1()
		sha.Write(s.data)
		if _, err := c.Compress(bytes.NewReader(s.data)); err != nil {
			t.Fatalf("Compress failed: %v", err)
		}
		if err := c.EndSegment(sha.Sum()); err != nil {
			t.Fatalf("EndSegment failed: %v", err)
		}
	}
	if err := c.EndBlock(); err != nil {
		t.Fatalf("EndBlock failed: %v", err)
	}
	return buf.Bytes()
}

// readArchive extracts every segment of every block and verifies
// checksums.
func readArchive(t *testing.T, arch []byte) []segment {
	t.Helper()
	d := NewDecompresser(bytes.NewReader(arch))
	d.SetSHA1(NewSHA1())
	var segs []segment
	for {
		if _, err := d.FindBlock(); err == io.EOF {
			return segs
		} else if err != nil {
			t.Fatalf("FindBlock failed: %v", err)
		}
		for {
			name, err := d.FindFilename()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("FindFilename failed: %v", err)
			}
			comment, err := d.ReadComment()
			if err != nil {
				t.Fatalf("ReadComment failed: %v", err)
			}
			var out bytes.Buffer
			d.SetOutput(&out)
			if _, err := d.Decompress(-1); err != nil {
				t.Fatalf("Decompress failed: %v", err)
			}
			check, err := d.ReadSegmentEnd()
			if err != nil {
				t.Fatalf("ReadSegmentEnd failed: %v", err)
			}
			if check.Stored == nil || check.Computed == nil {
				t.Fatalf("segment %q: missing digest", name)
			}
			if check.Mismatch() {
				t.Errorf("segment %q: checksum mismatch", name)
			}
			segs = append(segs, segment{name, comment, out.Bytes()})
		}
	}
}

func TestRoundTripLevels(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 30)
	for level := 0; level <= zpaql.MaxLevel; level++ {
		arch := writeArchive(t, level, []segment{{"f.txt", "1350", data}})
		segs := readArchive(t, arch)
		if len(segs) != 1 {
			t.Fatalf("level %d: %d segments", level, len(segs))
		}
		if segs[0].name != "f.txt" || segs[0].comment != "1350" {
			t.Errorf("level %d: header %q %q", level, segs[0].name, segs[0].comment)
		}
		if !bytes.Equal(segs[0].data, data) {
			t.Errorf("level %d: data mismatch", level)
		}
		if level >= 1 && len(arch) >= len(data) {
			t.Errorf("level %d: no compression (%d >= %d)", level, len(arch), len(data))
		}
	}
}

func TestRoundTripSmallInputs(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"one byte", []byte{'x'}},
		{"abcabc", []byte("abcabc")},
		{"binary", []byte{0, 255, 0, 255, 128}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			arch := writeArchive(t, 2, []segment{{tc.name, "", tc.data}})
			segs := readArchive(t, arch)
			if len(segs) != 1 || !bytes.Equal(segs[0].data, tc.data) {
				t.Errorf("round trip failed")
			}
		})
	}
}

func TestMultiSegmentBlock(t *testing.T) {
	segs := []segment{
		{"a.txt", "100", bytes.Repeat([]byte("aaaa "), 20)},
		{"b.txt", "", bytes.Repeat([]byte("bbbb "), 20)},
		{"", "unnamed", []byte("short")},
	}
	got := readArchive(t, writeArchive(t, 2, segs))
	if len(got) != len(segs) {
		t.Fatalf("%d segments, want %d", len(got), len(segs))
	}
	for i := range segs {
		if got[i].name != segs[i].name || got[i].comment != segs[i].comment {
			t.Errorf("segment %d: header %q %q", i, got[i].name, got[i].comment)
		}
		if !bytes.Equal(got[i].data, segs[i].data) {
			t.Errorf("segment %d: data mismatch", i)
		}
	}
}

func TestMultipleBlocks(t *testing.T) {
	a := writeArchive(t, 1, []segment{{"one", "", []byte("first block data")}})
	b := writeArchive(t, 0, []segment{{"two", "", []byte("second block data")}})
	segs := readArchive(t, append(a, b...))
	if len(segs) != 2 || segs[0].name != "one" || segs[1].name != "two" {
		t.Fatalf("got %d segments", len(segs))
	}
}

func TestFindBlockAfterGarbage(t *testing.T) {
	arch := writeArchive(t, 1, []segment{{"g", "", []byte("needle")}})
	junk := append([]byte("leading garbage bytes that mean nothing"), arch...)
	segs := readArchive(t, junk)
	if len(segs) != 1 || !bytes.Equal(segs[0].data, []byte("needle")) {
		t.Fatal("block not found after garbage")
	}
}

func TestUntaggedStream(t *testing.T) {
	// an archive starting directly at the block header, no tag
	var buf bytes.Buffer
	c := NewCompressor(&buf)
	prog, _ := zpaql.Level(1)
	if err := c.StartBlock(prog.HComp); err != nil {
		t.Fatalf("StartBlock failed: %v", err)
	}
	if err := c.StartSegment("", ""); err != nil {
		t.Fatalf("StartSegment failed: %v", err)
	}
	if _, err := c.Compress(bytes.NewReader([]byte("untagged"))); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if err := c.EndSegment(nil); err != nil {
		t.Fatalf("EndSegment failed: %v", err)
	}
	if err := c.EndBlock(); err != nil {
		t.Fatalf("EndBlock failed: %v", err)
	}

	d := NewDecompresser(bytes.NewReader(buf.Bytes()))
	if _, err := d.FindBlock(); err != nil {
		t.Fatalf("FindBlock failed: %v", err)
	}
	if _, err := d.FindFilename(); err != nil {
		t.Fatalf("FindFilename failed: %v", err)
	}
	if _, err := d.ReadComment(); err != nil {
		t.Fatalf("ReadComment failed: %v", err)
	}
	var out bytes.Buffer
	d.SetOutput(&out)
	if _, err := d.Decompress(-1); err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if out.String() != "untagged" {
		t.Errorf("got %q", out.String())
	}
}

func TestStoredBlockLevel(t *testing.T) {
	arch := writeArchive(t, 0, []segment{{"s", "", []byte("plain")}})
	// tag, then z P Q level type
	if arch[13] != 'z' || arch[14] != 'P' || arch[15] != 'Q' {
		t.Fatalf("no header after tag: % x", arch[13:16])
	}
	if arch[16] != 2 {
		t.Errorf("stored block level = %d, want 2", arch[16])
	}
	if !bytes.Contains(arch, []byte("plain")) {
		t.Error("stored block does not contain the data verbatim")
	}
}

func TestChecksumMismatchIsNotFatal(t *testing.T) {
	arch := writeArchive(t, 1, []segment{{"c", "", []byte("checksummed data")}})
	arch[len(arch)-2] ^= 0xFF // flip a byte of the stored digest

	d := NewDecompresser(bytes.NewReader(arch))
	d.SetSHA1(NewSHA1())
	if _, err := d.FindBlock(); err != nil {
		t.Fatalf("FindBlock failed: %v", err)
	}
	if _, err := d.FindFilename(); err != nil {
		t.Fatalf("FindFilename failed: %v", err)
	}
	if _, err := d.ReadComment(); err != nil {
		t.Fatalf("ReadComment failed: %v", err)
	}
	if _, err := d.Decompress(-1); err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	check, err := d.ReadSegmentEnd()
	if err != nil {
		t.Fatalf("ReadSegmentEnd failed: %v", err)
	}
	if !check.Mismatch() {
		t.Error("corrupted digest not detected")
	}
}

func TestSkipSegments(t *testing.T) {
	segs := []segment{
		{"first", "", bytes.Repeat([]byte("one "), 50)},
		{"second", "", bytes.Repeat([]byte("two "), 50)},
	}
	arch := writeArchive(t, 2, segs)

	// listing: skip both segments, reading only headers
	d := NewDecompresser(bytes.NewReader(arch))
	if _, err := d.FindBlock(); err != nil {
		t.Fatalf("FindBlock failed: %v", err)
	}
	for _, want := range []string{"first", "second"} {
		name, err := d.FindFilename()
		if err != nil {
			t.Fatalf("FindFilename failed: %v", err)
		}
		if name != want {
			t.Errorf("name = %q, want %q", name, want)
		}
		if _, err := d.ReadComment(); err != nil {
			t.Fatalf("ReadComment failed: %v", err)
		}
		check, err := d.ReadSegmentEnd()
		if err != nil {
			t.Fatalf("ReadSegmentEnd failed: %v", err)
		}
		if check.Computed != nil {
			t.Error("skipped segment claims a computed digest")
		}
	}
	if _, err := d.FindFilename(); err != io.EOF {
		t.Fatalf("expected end of block, got %v", err)
	}
	if _, err := d.FindBlock(); err != io.EOF {
		t.Fatalf("expected end of archive, got %v", err)
	}
}

func TestDecompressAfterSkip(t *testing.T) {
	arch := writeArchive(t, 1, []segment{
		{"a", "", []byte("skipped segment")},
		{"b", "", []byte("wanted segment")},
	})
	d := NewDecompresser(bytes.NewReader(arch))
	if _, err := d.FindBlock(); err != nil {
		t.Fatalf("FindBlock failed: %v", err)
	}
	if _, err := d.FindFilename(); err != nil {
		t.Fatalf("FindFilename failed: %v", err)
	}
	if _, err := d.ReadComment(); err != nil {
		t.Fatalf("ReadComment failed: %v", err)
	}
	if _, err := d.ReadSegmentEnd(); err != nil { // skip
		t.Fatalf("ReadSegmentEnd failed: %v", err)
	}
	if _, err := d.FindFilename(); err != nil {
		t.Fatalf("FindFilename failed: %v", err)
	}
	if _, err := d.ReadComment(); err != nil {
		t.Fatalf("ReadComment failed: %v", err)
	}
	if _, err := d.Decompress(-1); err == nil {
		t.Error("decompression allowed after a skipped segment")
	}
}

func TestPostProcessingRoundTrip(t *testing.T) {
	// the program undoes a byte-wise decrement preprocessor
	src := `
comp 0 0 0 0 0
hcomp
  halt
pcomp ;
  a> 255 if halt endif
  a+= 1 out halt
end
`
	prog, err := zpaql.Compile(src)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if prog.PComp == nil {
		t.Fatal("no PCOMP program compiled")
	}

	original := []byte("postprocessed segment data, postprocessed segment data")
	pre := make([]byte, len(original))
	for i, c := range original {
		pre[i] = c - 1
	}

	sha := NewSHA1()
	sha.Write(original)
	digest := sha.Sum()

	var buf bytes.Buffer
	c := NewCompressor(&buf)
	if err := c.StartBlock(prog.HComp); err != nil {
		t.Fatalf("StartBlock failed: %v", err)
	}
	if err := c.StartSegment("p", ""); err != nil {
		t.Fatalf("StartSegment failed: %v", err)
	}
	if err := c.PostProcess(prog.PComp); err != nil {
		t.Fatalf("PostProcess failed: %v", err)
	}
	if _, err := c.Compress(bytes.NewReader(pre)); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if err := c.EndSegment(digest); err != nil {
		t.Fatalf("EndSegment failed: %v", err)
	}
	if err := c.EndBlock(); err != nil {
		t.Fatalf("EndBlock failed: %v", err)
	}

	segs := readArchive(t, buf.Bytes())
	if len(segs) != 1 {
		t.Fatalf("%d segments", len(segs))
	}
	if !bytes.Equal(segs[0].data, original) {
		t.Errorf("postprocessed output = %q, want %q", segs[0].data, original)
	}
}

func TestCompressorStateErrors(t *testing.T) {
	var buf bytes.Buffer
	c := NewCompressor(&buf)
	if err := c.StartSegment("x", ""); err == nil {
		t.Error("StartSegment without a block succeeded")
	}
	if err := c.EndBlock(); err == nil {
		t.Error("EndBlock without a block succeeded")
	}
	prog, _ := zpaql.Level(1)
	if err := c.StartBlock(prog.HComp); err != nil {
		t.Fatalf("StartBlock failed: %v", err)
	}
	if err := c.WriteTag(); err == nil {
		t.Error("WriteTag inside a block succeeded")
	}
	if err := c.StartBlock(prog.HComp); err == nil {
		t.Error("nested StartBlock succeeded")
	}
}

func TestModelAccess(t *testing.T) {
	arch := writeArchive(t, 2, []segment{{"m", "", []byte("x")}})
	d := NewDecompresser(bytes.NewReader(arch))
	mem, err := d.FindBlock()
	if err != nil {
		t.Fatalf("FindBlock failed: %v", err)
	}
	if mem <= 0 {
		t.Errorf("memory estimate = %d", mem)
	}
	z := d.Model()
	if z == nil || z.NumComponents() != 8 {
		t.Fatalf("Model() = %v", z)
	}
	if len(z.DisasmHComp()) == 0 {
		t.Error("no disassembly")
	}
}
