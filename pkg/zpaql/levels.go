package zpaql

import "fmt"

// Canned model sources. Levels 1..3 trade compression for speed the
// usual way: fast is a 2-component icm/isse chain, mid an 8-component
// order-5 mixing model, max a 22-component model with word, sparse and
// nibble contexts. Level 3 and 4 share a source, level 4 doubles the
// memory of the context models through $1.

const storeCfg = `
comp 0 0 0 0 0
hcomp
  halt
post 0
end
`

const fastCfg = `
comp 1 2 0 0 2
  0 icm 16    (order 2)
  1 isse 19 0 (order 4)
hcomp
  *b=a a=0 (save byte in rotating buffer)
  d=0 hash b-- hash *d=a
  d++ b-- hash b-- hash *d=a
  halt
post 0
end
`

const midCfg = `
comp 3 3 0 0 8
  0 icm 5        (orders 0..5 chain)
  1 isse 13 0
  2 isse $1+17 1
  3 isse $1+18 2
  4 isse $1+18 3
  5 isse $1+19 4
  6 match $1+22 $1+24 (order 7)
  7 mix 16 0 7 24 255 (order 1 selector)
hcomp
  c++ *c=a b=c a=0 (save byte in rotating buffer)
  d= 1 hash *d=a   (orders 1..5 for the isse chain)
  b-- d++ hash *d=a
  b-- d++ hash *d=a
  b-- d++ hash *d=a
  b-- d++ hash *d=a
  b-- d++ hash b-- hash *d=a (order 7 for match)
  d++ a=*c a<<= 8 *d=a       (order 1 for mix)
  halt
post 0
end
`

const maxCfg = `
comp 5 9 0 0 22
  0 const 160
  1 icm 5      (orders 0..6 chain)
  2 isse 13 1
  3 isse $1+16 2
  4 isse $1+18 3
  5 isse $1+19 4
  6 isse $1+19 5
  7 isse $1+20 6
  8 match $1+22 $1+24 (order 8)
  9 icm $1+17  (word model)
  10 isse $1+19 9
  11 icm 13    (sparse, gaps 2..4)
  12 icm 13
  13 icm 13
  14 icm 14    (high nibbles)
  15 mix 16 0 15 24 255 (order 1 selector)
  16 mix 8 0 16 10 255
  17 mix2 0 15 16 24 0
  18 sse 8 17 32 255
  19 mix2 8 17 18 16 255
  20 sse 16 19 32 255   (order 1)
  21 mix2 0 19 20 16 255
hcomp
  c++ *c=a b=c a=0 (save byte in rotating buffer)
  d= 2 hash *d=a b--   (orders 1..6)
  d++ hash *d=a b--
  d++ hash *d=a b--
  d++ hash *d=a b--
  d++ hash *d=a b--
  d++ hash *d=a b--
  d++ hash b-- hash *d=a b-- (order 8 for match)

  (word model: case-folded letters accumulate in the order 0 word
   hash, a finished word is promoted to the order 1 context)
  d++ a=*c a&~ 32
  a-= 65 a< 26 if
    a=*c a&~ 32 hashd
    d++ hashd d--
  else
    a=*d a== 0 ifnot
      d++ *d=a d--
      *d=0
    endif
  endif

  d++ d++ b=c b-- b-- a=0 hash *d=a (sparse gap 2)
  d++ b-- a=0 hash *d=a         (gap 3)
  d++ b-- a=0 hash *d=a         (gap 4)

  d++ a=*c a>>= 4 hashd (high nibbles of last 2 bytes)
  b=c b-- a=*b a>>= 4 hashd

  d++ a=*c a<<= 8 *d=a (order 1 for the main mix)
  d++ d++ d++ d++ d++
  a=*c a<<= 8 *d=a     (order 1 for sse)
  halt
post 0
end
`

// MaxLevel is the highest canned compression level.
const MaxLevel = 4

// Level compiles the canned model for compression level n. Level 0
// selects stored (uncompressed) blocks, 1..4 increasingly strong
// context models. Compiled programs are cached.
func Level(n int) (*Program, error) {
	switch n {
	case 0:
		return CompileCached(storeCfg)
	case 1:
		return CompileCached(fastCfg)
	case 2:
		return CompileCached(midCfg)
	case 3:
		return CompileCached(maxCfg)
	case 4:
		return CompileCached(maxCfg, 1)
	}
	return nil, fmt.Errorf("%w: no such level %d", ErrConfig, n)
}
