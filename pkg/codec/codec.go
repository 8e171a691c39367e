// Package codec implements the binary arithmetic coder that turns bit
// predictions into a compressed byte stream and back. A coder works in
// one of two modes: modeled, where a Model supplies a probability for
// every bit, or stored, where bytes pass through in counted chunks.
// Either way a segment's data ends at four zero bytes, which the coder
// never emits inside a well-formed stream.
package codec

import "errors"

// ErrCorrupt reports compressed data inconsistent with the coder state.
var ErrCorrupt = errors.New("codec: archive corrupted")

// Model predicts and learns one bit at a time. Predict returns the
// probability that the next bit is 1, scaled to 0..32767; Update trains
// on the bit actually coded.
type Model interface {
	Predict() int
	Update(bit int) error
}

// storedChunk caps how many bytes a stored-mode count covers.
const storedChunk = 1 << 16

// range split shared by encoder and decoder: p is a 16-bit probability
// that the next bit is 1.
func mid(low, high, p uint32) uint32 {
	r := high - low
	return low + (r>>16)*p + ((r&0xffff)*p)>>16
}
