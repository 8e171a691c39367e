// Command benchmark compares the built-in compression levels across
// content types and sizes, producing a console table and a JSON report.
//
// Usage:
//
//	benchmark [-o output_dir] [-sizes 2,8,32,128] [file...]
//
// With file arguments the given files are measured instead of the
// generated content corpus. Level results are verified by
// decompressing in memory, and a raw DEFLATE size is included as a
// baseline.
package main

import (
	"bytes"
	"compress/flate"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ha1tch/zpq/pkg/archive"
	"github.com/ha1tch/zpq/pkg/detect"
	"github.com/ha1tch/zpq/pkg/zpaql"
)

// ContentType is one synthetic corpus entry.
type ContentType struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var contentTypes = []ContentType{
	{ID: "text", Name: "English-like text"},
	{ID: "log", Name: "Repetitive log lines"},
	{ID: "binary", Name: "Structured binary"},
	{ID: "random", Name: "Incompressible random"},
}

// LevelResult holds one level's outcome on one input.
type LevelResult struct {
	Level      int     `json:"level"`
	Size       int     `json:"size"`
	Ratio      float64 `json:"ratio"` // compressed/original, lower is better
	CompressMS float64 `json:"compress_ms"`
	ExpandMS   float64 `json:"expand_ms"`
}

// BenchmarkResult holds results for a single input.
type BenchmarkResult struct {
	ContentType string        `json:"content_type"`
	Detected    string        `json:"detected"`
	OriginalB   int           `json:"original_bytes"`
	Levels      []LevelResult `json:"levels"`
	DeflateSize int           `json:"deflate_size"`
	BestLevel   int           `json:"best_level"`
}

// Report holds the complete benchmark report.
type Report struct {
	Generated time.Time         `json:"generated"`
	GoVersion string            `json:"go_version"`
	Platform  string            `json:"platform"`
	Results   []BenchmarkResult `json:"results"`
}

func main() {
	outputDir := flag.String("o", ".", "Output directory for the report")
	sizesFlag := flag.String("sizes", "4,32,256", "Comma-separated sizes in KB")
	flag.Parse()

	var sizes []int
	for _, s := range strings.Split(*sizesFlag, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid size: %s\n", s)
			os.Exit(1)
		}
		sizes = append(sizes, n)
	}
	sort.Ints(sizes)

	var results []BenchmarkResult
	if flag.NArg() > 0 {
		for _, path := range flag.Args() {
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Cannot read %s: %v\n", path, err)
				os.Exit(1)
			}
			fmt.Printf("Testing %s (%d bytes)...\n", path, len(data))
			results = append(results, runBenchmark(filepath.Base(path), data))
		}
	} else {
		total := len(contentTypes) * len(sizes)
		done := 0
		for _, ct := range contentTypes {
			for _, sizeKB := range sizes {
				done++
				fmt.Printf("\r[%d/%d] Testing %s at %d KB...", done, total, ct.Name, sizeKB)
				data := generateContent(ct.ID, sizeKB*1024)
				results = append(results, runBenchmark(fmt.Sprintf("%s/%dKB", ct.ID, sizeKB), data))
			}
		}
		fmt.Printf("\r[%d/%d] Complete!                              \n", total, total)
	}

	report := Report{
		Generated: time.Now().UTC(),
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		Results:   results,
	}

	jsonPath := filepath.Join(*outputDir, "report.json")
	jsonData, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(jsonPath, jsonData, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing JSON: %v\n", err)
		os.Exit(1)
	}

	printTable(results)
	fmt.Printf("\nWritten: %s\n", jsonPath)
}

func runBenchmark(name string, data []byte) BenchmarkResult {
	result := BenchmarkResult{
		ContentType: name,
		Detected:    detect.Detect(data).Type.String(),
		OriginalB:   len(data),
		DeflateSize: len(deflateBytes(data)),
		BestLevel:   -1,
	}

	best := -1
	for level := 0; level <= zpaql.MaxLevel; level++ {
		lr, err := runLevel(level, data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "level %d on %s: %v\n", level, name, err)
			continue
		}
		result.Levels = append(result.Levels, lr)
		if best < 0 || lr.Size < best {
			best = lr.Size
			result.BestLevel = level
		}
	}
	return result
}

// runLevel compresses data at the given level and verifies it
// round-trips before reporting sizes and timings.
func runLevel(level int, data []byte) (LevelResult, error) {
	prog, err := zpaql.Level(level)
	if err != nil {
		return LevelResult{}, err
	}

	var buf bytes.Buffer
	start := time.Now()
	c := archive.NewCompressor(&buf)
	if err := c.StartBlock(prog.HComp); err != nil {
		return LevelResult{}, err
	}
	if err := c.StartSegment("", ""); err != nil {
		return LevelResult{}, err
	}
	if _, err := c.Compress(bytes.NewReader(data)); err != nil {
		return LevelResult{}, err
	}
	if err := c.EndSegment(nil); err != nil {
		return LevelResult{}, err
	}
	if err := c.EndBlock(); err != nil {
		return LevelResult{}, err
	}
	compressMS := float64(time.Since(start).Microseconds()) / 1000

	start = time.Now()
	out, err := expand(buf.Bytes())
	if err != nil {
		return LevelResult{}, err
	}
	if !bytes.Equal(out, data) {
		return LevelResult{}, fmt.Errorf("level %d: roundtrip mismatch", level)
	}
	expandMS := float64(time.Since(start).Microseconds()) / 1000

	ratio := 1.0
	if len(data) > 0 {
		ratio = float64(buf.Len()) / float64(len(data))
	}
	return LevelResult{
		Level:      level,
		Size:       buf.Len(),
		Ratio:      ratio,
		CompressMS: compressMS,
		ExpandMS:   expandMS,
	}, nil
}

func expand(arch []byte) ([]byte, error) {
	d := archive.NewDecompresser(bytes.NewReader(arch))
	if _, err := d.FindBlock(); err != nil {
		return nil, err
	}
	if _, err := d.FindFilename(); err != nil {
		return nil, err
	}
	if _, err := d.ReadComment(); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	d.SetOutput(&out)
	if _, err := d.Decompress(-1); err != nil {
		return nil, err
	}
	if _, err := d.ReadSegmentEnd(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func deflateBytes(data []byte) []byte {
	var buf bytes.Buffer
	w, _ := flate.NewWriter(&buf, flate.BestCompression)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

var benchWords = strings.Fields(`the of and to a in is was he for it with as his
on be at by had not are but from or have an they which one you were all her she
there would their we him been has when who will no more if out so up said what
its about than into them can only other time new some could these two may first
then do any like my now over such our man me even most made after also did many
before must through years where much your way down`)

func generateContent(id string, targetSize int) []byte {
	rng := rand.New(rand.NewSource(int64(targetSize)))
	var buf bytes.Buffer
	switch id {
	case "text":
		for buf.Len() < targetSize {
			n := 5 + rng.Intn(10)
			for i := 0; i < n; i++ {
				buf.WriteString(benchWords[rng.Intn(len(benchWords))])
				buf.WriteByte(' ')
			}
			buf.WriteString("\n")
		}
	case "log":
		for buf.Len() < targetSize {
			fmt.Fprintf(&buf, "2026-08-31T10:%02d:%02d INFO request id=%d status=200 bytes=%d\n",
				rng.Intn(60), rng.Intn(60), rng.Intn(100000), rng.Intn(65536))
		}
	case "binary":
		// fixed-size records with a few noisy fields
		record := make([]byte, 32)
		for buf.Len() < targetSize {
			record[0] = byte(rng.Intn(4))
			record[5] = byte(rng.Intn(256))
			record[6] = byte(rng.Intn(16))
			buf.Write(record)
		}
	case "random":
		data := make([]byte, targetSize)
		rng.Read(data)
		return data
	}
	return buf.Bytes()[:targetSize]
}

func printTable(results []BenchmarkResult) {
	w := io.Writer(os.Stdout)
	fmt.Fprintf(w, "\n%-18s %-11s %10s %8s", "input", "detected", "original", "deflate")
	for level := 0; level <= zpaql.MaxLevel; level++ {
		fmt.Fprintf(w, " %9s", fmt.Sprintf("level %d", level))
	}
	fmt.Fprintln(w)
	for _, r := range results {
		fmt.Fprintf(w, "%-18s %-11s %10d %8d", r.ContentType, r.Detected, r.OriginalB, r.DeflateSize)
		for _, lr := range r.Levels {
			fmt.Fprintf(w, " %9d", lr.Size)
		}
		fmt.Fprintf(w, "   best: %d\n", r.BestLevel)
	}
}
