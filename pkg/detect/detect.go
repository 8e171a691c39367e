// Package detect provides automatic detection of data types for
// selecting a compression model.
package detect

import (
	"math"
)

// Type represents the detected type of input data.
type Type int

const (
	TypeText       Type = iota // Natural language or source text
	TypeBinary                 // General binary
	TypeRepetitive             // Highly repetitive data
	TypeLowEntropy             // Low entropy (restricted byte range)
	TypeRandom                 // High entropy, incompressible
)

func (t Type) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeBinary:
		return "binary"
	case TypeRepetitive:
		return "repetitive"
	case TypeLowEntropy:
		return "low-entropy"
	case TypeRandom:
		return "random"
	default:
		return "unknown"
	}
}

// Profile contains statistics about input data.
type Profile struct {
	Type           Type
	Entropy        float64 // bits per byte (0-8)
	ASCIIRatio     float64 // fraction of printable ASCII
	UniqueBytes    int     // number of distinct byte values
	RepetitionRate float64 // estimated repetition (0-1)
}

// Detect analyzes data and returns its profile.
// Uses first 8KB for analysis if data is larger.
func Detect(data []byte) Profile {
	if len(data) == 0 {
		return Profile{Type: TypeRandom}
	}

	sampleSize := len(data)
	if sampleSize > 8192 {
		sampleSize = 8192
	}
	sample := data[:sampleSize]

	var freq [256]int
	for _, b := range sample {
		freq[b]++
	}

	uniqueBytes := 0
	for _, f := range freq {
		if f > 0 {
			uniqueBytes++
		}
	}

	entropy := 0.0
	n := float64(len(sample))
	for _, f := range freq {
		if f > 0 {
			p := float64(f) / n
			entropy -= p * math.Log2(p)
		}
	}

	// printable ASCII plus \t, \n, \r
	asciiCount := 0
	for _, b := range sample {
		if (b >= 0x20 && b <= 0x7E) || b == '\t' || b == '\n' || b == '\r' {
			asciiCount++
		}
	}
	asciiRatio := float64(asciiCount) / float64(len(sample))

	profile := Profile{
		Entropy:        entropy,
		ASCIIRatio:     asciiRatio,
		UniqueBytes:    uniqueBytes,
		RepetitionRate: estimateRepetition(sample),
	}

	switch {
	case asciiRatio > 0.85:
		profile.Type = TypeText
	case profile.RepetitionRate > 0.3:
		profile.Type = TypeRepetitive
	case entropy > 7.5 && uniqueBytes > 250:
		profile.Type = TypeRandom
	case entropy < 5.0:
		profile.Type = TypeLowEntropy
	default:
		profile.Type = TypeBinary
	}

	return profile
}

// estimateRepetition estimates how repetitive the data is by counting
// 4-byte sequences that recur within the sample.
func estimateRepetition(data []byte) float64 {
	if len(data) < 8 {
		return 0
	}

	seen := make(map[uint32]int)
	repeats := 0
	total := 0

	for i := 0; i <= len(data)-4; i += 2 {
		hash := uint32(data[i]) | uint32(data[i+1])<<8 |
			uint32(data[i+2])<<16 | uint32(data[i+3])<<24

		if seen[hash] > 0 {
			repeats++
		}
		seen[hash]++
		total++
	}

	if total == 0 {
		return 0
	}
	return float64(repeats) / float64(total)
}

// Level maps a profile to the compression level likely to do best on
// it. Random data is stored, text gets the full word model, and the
// match model handles repetitive input well at a fraction of the cost.
func (p Profile) Level() int {
	switch p.Type {
	case TypeRandom:
		return 0
	case TypeText:
		return 3
	case TypeRepetitive:
		return 2
	default:
		return 2
	}
}
