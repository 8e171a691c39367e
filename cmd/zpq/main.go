// Command zpq creates, extracts, lists and tests ZPAQ archives.
//
// Usage:
//
//	zpq [-m method] [-d dir] [-qvfs] command archive [file...]
//
// Commands are c (create), a (append), x (extract), l (list) and
// t (test). A method is a built-in level 0-4 or a configuration file,
// optionally followed by comma-separated numeric arguments, e.g.
// "-m max.cfg,1".
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cheggaaa/pb"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ha1tch/zpq/pkg/archive"
	"github.com/ha1tch/zpq/pkg/detect"
	"github.com/ha1tch/zpq/pkg/zpaql"
)

var (
	method  = flag.String("m", "2", "compression method: level 0-4, auto, or a config file")
	outDir  = flag.String("d", "", "extract into this directory")
	quiet   = flag.Bool("q", false, "quiet operation")
	verbose = flag.Bool("v", false, "verbose operation")
	force   = flag.Bool("f", false, "overwrite existing files on extraction")
	split   = flag.Bool("s", false, "start a new block for every file")
	help    = flag.Bool("h", false, "display this help")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *help {
		usage()
		os.Exit(0)
	}
	if flag.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "zpq: missing command or archive argument")
		fmt.Fprintln(os.Stderr, "Try 'zpq -h' for more information.")
		os.Exit(1)
	}

	setupLogger()

	command := flag.Arg(0)
	archivePath := flag.Arg(1)
	files := flag.Args()[2:]

	var err error
	switch command {
	case "c":
		err = addFiles(archivePath, files, true)
	case "a":
		err = addFiles(archivePath, files, false)
	case "x":
		err = extract(archivePath)
	case "l":
		err = list(archivePath)
	case "t":
		err = testArchive(archivePath)
	default:
		fatal("unknown command '%s' (expected c, a, x, l or t)", command)
	}
	if err != nil {
		fatal("%v", err)
	}
}

func setupLogger() {
	level := zerolog.InfoLevel
	if *quiet {
		level = zerolog.WarnLevel
	}
	if *verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// loadMethod resolves -m into a compiled model. A single digit selects
// a built-in level; anything else is read as a config file with
// optional ",n,n" arguments.
func loadMethod(m string) (*zpaql.Program, error) {
	if m == "auto" {
		return nil, pkgerrors.New("method auto resolves per file")
	}
	if n, err := strconv.Atoi(m); err == nil {
		prog, err := zpaql.Level(n)
		return prog, pkgerrors.Wrapf(err, "method %q", m)
	}
	parts := strings.Split(m, ",")
	src, err := os.ReadFile(parts[0])
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "method %q", m)
	}
	args := make([]int, len(parts)-1)
	for i, p := range parts[1:] {
		if args[i], err = strconv.Atoi(p); err != nil {
			return nil, pkgerrors.Wrapf(err, "method argument %q", p)
		}
	}
	prog, err := zpaql.CompileCached(string(src), args...)
	return prog, pkgerrors.Wrapf(err, "config %q", parts[0])
}

func addFiles(archivePath string, files []string, create bool) error {
	if len(files) == 0 {
		return pkgerrors.New("no files to add")
	}
	auto := *method == "auto"
	var prog *zpaql.Program
	if !auto {
		var err error
		if prog, err = loadMethod(*method); err != nil {
			return err
		}
	}

	mode := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if create {
		mode = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(archivePath, mode, 0644)
	if err != nil {
		return pkgerrors.Wrap(err, "open archive")
	}
	defer f.Close()
	out := bufio.NewWriter(f)

	c := archive.NewCompressor(out)
	if create {
		if err := c.WriteTag(); err != nil {
			return err
		}
	}

	var totalIn int64
	start := time.Now()
	inBlock := false
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return pkgerrors.Wrapf(err, "cannot access '%s'", path)
		}
		if info.IsDir() {
			log.Warn().Str("file", path).Msg("skipping directory")
			continue
		}
		if auto {
			// model choice is per block, so every file gets its own
			level, err := detectLevel(path)
			if err != nil {
				return pkgerrors.Wrapf(err, "cannot sample '%s'", path)
			}
			log.Debug().Str("file", path).Int("level", level).Msg("selected model")
			if prog, err = zpaql.Level(level); err != nil {
				return err
			}
		}
		if !inBlock || *split || auto {
			if inBlock {
				if err := c.EndBlock(); err != nil {
					return err
				}
			}
			if err := c.StartBlock(prog.HComp); err != nil {
				return err
			}
			inBlock = true
		}
		n, err := addSegment(c, path, info.Size())
		if err != nil {
			return pkgerrors.Wrapf(err, "compressing '%s'", path)
		}
		totalIn += n
	}
	if !inBlock {
		return pkgerrors.New("no files added")
	}
	if err := c.EndBlock(); err != nil {
		return err
	}
	if err := out.Flush(); err != nil {
		return pkgerrors.Wrap(err, "write archive")
	}

	if info, err := f.Stat(); err == nil {
		log.Info().
			Int64("in", totalIn).
			Int64("out", info.Size()).
			Str("elapsed", time.Since(start).Round(time.Millisecond).String()).
			Msg("done")
	}
	return nil
}

// detectLevel samples the head of a file and picks a level for it.
func detectLevel(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sample := make([]byte, 8192)
	n, err := io.ReadFull(f, sample)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return 0, err
	}
	return detect.Detect(sample[:n]).Level(), nil
}

// addSegment compresses one file as a segment with its size as the
// comment and a SHA-1 trailer.
func addSegment(c *archive.Compressor, path string, size int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sha := archive.NewSHA1()
	if _, err := io.Copy(sha, f); err != nil {
		return 0, err
	}
	digest := sha.Sum()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	// store names without a leading slash so extraction stays relative
	name := strings.TrimLeft(filepath.ToSlash(path), "/")
	if err := c.StartSegment(name, strconv.FormatInt(size, 10)); err != nil {
		return 0, err
	}

	var in io.Reader = f
	var bar *pb.ProgressBar
	if !*quiet {
		bar = pb.New(0)
		bar.Total = size
		bar.SetUnits(pb.U_BYTES)
		bar.Output = os.Stderr
		bar.Prefix(name + " ")
		bar.Start()
		in = bar.NewProxyReader(f)
	}
	n, err := c.Compress(bufio.NewReader(in))
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return n, err
	}
	return n, c.EndSegment(digest)
}

// extractSink tracks the file an unnamed segment continues into.
type extractSink struct {
	f    *os.File
	path string
}

func (s *extractSink) open(name string) error {
	s.close()
	path, err := safePath(name)
	if err != nil {
		return err
	}
	if !*force {
		if _, err := os.Stat(path); err == nil {
			return pkgerrors.Errorf("'%s' exists (use -f to overwrite)", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if s.f, err = os.Create(path); err != nil {
		return err
	}
	s.path = path
	return nil
}

func (s *extractSink) close() {
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
}

// safePath rejects names that would escape the output directory.
func safePath(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", pkgerrors.Errorf("unsafe path '%s' in archive", name)
	}
	return filepath.Join(*outDir, clean), nil
}

func extract(archivePath string) error {
	_, err := scanArchive(archivePath, true)
	return err
}

func testArchive(archivePath string) error {
	mismatches, err := scanArchive(archivePath, false)
	if err != nil {
		return err
	}
	if mismatches > 0 {
		return pkgerrors.Errorf("%d segment(s) failed verification", mismatches)
	}
	log.Info().Msg("archive ok")
	return nil
}

// scanArchive decompresses every segment, verifying checksums. With
// write set it also recreates the files.
func scanArchive(archivePath string, write bool) (mismatches int, err error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "open archive")
	}
	defer f.Close()

	d := archive.NewDecompresser(bufio.NewReader(f))
	d.SetSHA1(archive.NewSHA1())
	sink := &extractSink{}
	defer sink.close()

	blocks := 0
	for {
		mem, err := d.FindBlock()
		if err == io.EOF {
			break
		}
		if err != nil {
			return mismatches, pkgerrors.Wrapf(err, "block %d", blocks+1)
		}
		blocks++
		log.Debug().Int("block", blocks).Int64("memory", mem).Msg("found block")

		for {
			name, err := d.FindFilename()
			if err == io.EOF {
				break
			}
			if err != nil {
				return mismatches, err
			}
			comment, err := d.ReadComment()
			if err != nil {
				return mismatches, err
			}

			var out io.Writer = io.Discard
			if write {
				if name != "" {
					if err := sink.open(name); err != nil {
						return mismatches, err
					}
					log.Info().Str("file", sink.path).Str("size", comment).Msg("extracting")
				} else if sink.f == nil {
					return mismatches, pkgerrors.New("archive starts with an unnamed segment")
				}
				out = sink.f
			}
			d.SetOutput(out)
			if _, err := d.Decompress(-1); err != nil {
				return mismatches, err
			}
			check, err := d.ReadSegmentEnd()
			if err != nil {
				return mismatches, err
			}
			if check.Mismatch() {
				mismatches++
				log.Warn().Str("file", name).Msg("checksum mismatch")
			} else if check.Stored == nil {
				log.Debug().Str("file", name).Msg("no checksum to verify")
			}
		}
	}
	if blocks == 0 {
		return mismatches, pkgerrors.New("no blocks found")
	}
	return mismatches, nil
}

func list(archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return pkgerrors.Wrap(err, "open archive")
	}
	defer f.Close()

	d := archive.NewDecompresser(bufio.NewReader(f))
	blocks := 0
	for {
		mem, err := d.FindBlock()
		if err == io.EOF {
			break
		}
		if err != nil {
			return pkgerrors.Wrapf(err, "block %d", blocks+1)
		}
		blocks++
		z := d.Model()
		fmt.Printf("block %d: %d components, %.2f MiB memory\n",
			blocks, z.NumComponents(), float64(mem)/(1<<20))
		if *verbose {
			for i := 0; i < z.NumComponents(); i++ {
				fmt.Printf("  comp %-2d %s\n", i, z.DescribeComp(i))
			}
			for _, line := range z.DisasmHComp() {
				fmt.Printf("  %s\n", line)
			}
		}
		for {
			name, err := d.FindFilename()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			comment, err := d.ReadComment()
			if err != nil {
				return err
			}
			check, err := d.ReadSegmentEnd()
			if err != nil {
				return err
			}
			mark := "    "
			if check.Stored != nil {
				mark = "sha1"
			}
			if name == "" {
				name = "(continued)"
			}
			fmt.Printf("  %s %10s  %s\n", mark, comment, name)
		}
	}
	if blocks == 0 {
		return pkgerrors.New("no blocks found")
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: zpq [-m method] [-d dir] [-qvfs] command archive [file...]

Commands:
  c         create archive from files
  a         append files to archive
  x         extract files from archive
  l         list archive contents
  t         test archive integrity

Options:
  -m method compression method: 0 (store), 1 (fast), 2 (mid, default),
            3 (max), 4 (max, double memory), auto (pick per file),
            or a configuration file with optional arguments,
            e.g. "-m model.cfg,1,2"
  -d dir    extract into dir instead of the current directory
  -q        quiet operation
  -v        verbose operation (with l: disassemble the model)
  -f        overwrite existing files on extraction
  -s        start a new block for every file (independent extraction)
  -h        display this help

Examples:
  zpq c books.zpq *.txt             Compress with the mid model
  zpq -m 3 c books.zpq *.txt        Compress with the max model
  zpq -m auto c mixed.zpq *         Pick a model per file
  zpq -m my.cfg,1 c out.zpq in.dat  Compress with a custom model
  zpq a books.zpq more.txt          Append to an existing archive
  zpq x books.zpq                   Extract everything
  zpq -v l books.zpq                List with model disassembly
  zpq t books.zpq                   Verify all checksums

`)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "zpq: "+format+"\n", args...)
	os.Exit(1)
}
