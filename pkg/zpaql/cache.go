package zpaql

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Compiled programs are immutable once built, so identical sources can
// share one Program. Keyed by a hash of source plus arguments; useful
// when many blocks are written with the same config.
var progCache, _ = lru.New[uint64, *Program](64)

// CompileCached is Compile behind a small LRU of compiled programs.
// Callers must not modify the returned Program.
func CompileCached(src string, args ...int) (*Program, error) {
	h := xxhash.New()
	h.WriteString(src)
	var buf [8]byte
	for _, a := range args {
		binary.LittleEndian.PutUint64(buf[:], uint64(a))
		h.Write(buf[:])
	}
	key := h.Sum64()

	if p, ok := progCache.Get(key); ok {
		return p, nil
	}
	p, err := Compile(src, args...)
	if err != nil {
		return nil, err
	}
	progCache.Add(key, p)
	return p, nil
}
