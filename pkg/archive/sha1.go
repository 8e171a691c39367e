package archive

import (
	"crypto/sha1"
	"hash"
)

// SHA1 wraps the standard digest with a byte count and result-with-reset
// semantics: Sum returns the digest of everything written since the
// last Sum and starts a fresh one, matching per-segment checksumming.
type SHA1 struct {
	h hash.Hash
	n int64
}

func NewSHA1() *SHA1 {
	return &SHA1{h: sha1.New()}
}

func (s *SHA1) Write(p []byte) (int, error) {
	s.n += int64(len(p))
	return s.h.Write(p)
}

func (s *SHA1) WriteByte(c byte) error {
	_, err := s.Write([]byte{c})
	return err
}

// Len is the number of bytes written since the last Sum.
func (s *SHA1) Len() int64 { return s.n }

// Sum returns the 20-byte digest and resets.
func (s *SHA1) Sum() []byte {
	d := s.h.Sum(nil)
	s.h.Reset()
	s.n = 0
	return d
}
