// Package bitmap implements the free-block map: a bit vector stored
// in 32-bit chunks that can be saved to and loaded from disk, with a
// forward scan for set bits and a population count.  An optional
// minimum index lets the map cover a non-zero-based range, so bit n
// can stand directly for block number n.
package bitmap

import (
	"errors"

	"github.com/goose-lang/std"
)

var ErrIndexOutOfRange = errors.New("bitmap: index out of range")

const bitsPerChunk = 32

// bytelsb[v] is the index of the lowest set bit of byte v, or -1.
var bytelsb = func() [256]int8 {
	var t [256]int8
	t[0] = -1
	for v := 1; v < 256; v++ {
		b := int8(0)
		for v&(1<<b) == 0 {
			b++
		}
		t[v] = b
	}
	return t
}()

var bytepop = func() [256]uint8 {
	var t [256]uint8
	for v := 1; v < 256; v++ {
		t[v] = t[v>>1] + uint8(v&1)
	}
	return t
}()

type Bitmap struct {
	nbits  uint32
	chunks []uint32
	zero   uint32 // minimum valid index
}

// New creates a zero-filled bitmap covering [minIndex, maxIndex).
func New(maxIndex uint32, minIndex uint32) *Bitmap {
	nbits := maxIndex - minIndex
	nchunks := (nbits + bitsPerChunk - 1) / bitsPerChunk
	return &Bitmap{
		nbits:  nbits,
		chunks: make([]uint32, nchunks),
		zero:   minIndex,
	}
}

func (bm *Bitmap) MinIndex() uint32 { return bm.zero }
func (bm *Bitmap) MaxIndex() uint32 { return bm.zero + bm.nbits }

func (bm *Bitmap) check(n uint32) (uint32, error) {
	n -= bm.zero
	if n >= bm.nbits {
		return 0, ErrIndexOutOfRange
	}
	return n, nil
}

func (bm *Bitmap) At(n uint32) (bool, error) {
	i, err := bm.check(n)
	if err != nil {
		return false, err
	}
	return bm.chunks[i/bitsPerChunk]&(1<<(i%bitsPerChunk)) != 0, nil
}

func (bm *Bitmap) Set(n uint32, v bool) error {
	i, err := bm.check(n)
	if err != nil {
		return err
	}
	if v {
		bm.chunks[i/bitsPerChunk] |= 1 << (i % bitsPerChunk)
	} else {
		bm.chunks[i/bitsPerChunk] &^= 1 << (i % bitsPerChunk)
	}
	return nil
}

func lsb(v uint32) int {
	if v == 0 {
		return -1
	}
	if low := v & 0xffff; low != 0 {
		if b := low & 0xff; b != 0 {
			return int(bytelsb[b])
		}
		return 8 + int(bytelsb[low>>8])
	}
	high := v >> 16
	if b := high & 0xff; b != 0 {
		return 16 + int(bytelsb[b])
	}
	return 24 + int(bytelsb[high>>8])
}

// FindFirstSet returns the index of the first 1 bit at or after start,
// or -1 if no bit is set there or beyond.
func (bm *Bitmap) FindFirstSet(start uint32) int {
	if start < bm.zero {
		start = bm.zero
	}
	n := start - bm.zero
	if n >= bm.nbits {
		return -1
	}
	ci := n / bitsPerChunk
	// Mask off bits below start in the first chunk.
	c := bm.chunks[ci] &^ (1<<(n%bitsPerChunk) - 1)
	for {
		if c != 0 {
			return int(bm.zero) + int(ci*bitsPerChunk) + lsb(c)
		}
		ci++
		if ci >= uint32(len(bm.chunks)) {
			return -1
		}
		c = bm.chunks[ci]
	}
}

// Popcount counts the 1 bits in the map.
func (bm *Bitmap) Popcount() int {
	n := 0
	for _, c := range bm.chunks {
		n += int(bytepop[c&0xff]) + int(bytepop[c>>8&0xff]) +
			int(bytepop[c>>16&0xff]) + int(bytepop[c>>24])
	}
	return n
}

// Datasize is the number of bytes Serialize produces, a whole number
// of 32-bit chunks and possibly a little larger than nbits/8.
func (bm *Bitmap) Datasize() uint32 {
	return uint32(len(bm.chunks)) * 4
}

// Serialize copies the raw chunk bytes, little-endian.
func (bm *Bitmap) Serialize() []byte {
	b := make([]byte, bm.Datasize())
	for i, c := range bm.chunks {
		b[4*i] = byte(c)
		b[4*i+1] = byte(c >> 8)
		b[4*i+2] = byte(c >> 16)
		b[4*i+3] = byte(c >> 24)
	}
	return b
}

// Load restores the map from serialized bytes.  Extra source bytes
// are ignored; the caller should Tidy afterwards if the source may
// carry stale bits above MaxIndex.
func (bm *Bitmap) Load(b []byte) {
	for i := range bm.chunks {
		if 4*i+4 > len(b) {
			break
		}
		bm.chunks[i] = uint32(b[4*i]) | uint32(b[4*i+1])<<8 |
			uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
	}
}

// Tidy zeroes bits above the maximum valid bit number, which would
// otherwise mess up FindFirstSet and Popcount.
func (bm *Bitmap) Tidy() {
	if bm.nbits%bitsPerChunk != 0 && len(bm.chunks) > 0 {
		bm.chunks[len(bm.chunks)-1] &= 1<<(bm.nbits%bitsPerChunk) - 1
	}
}

// Fill sets every valid bit.
func (bm *Bitmap) Fill() {
	for i := range bm.chunks {
		bm.chunks[i] = ^uint32(0)
	}
	bm.Tidy()
}

func (bm *Bitmap) Equal(other *Bitmap) bool {
	return bm.zero == other.zero && bm.nbits == other.nbits &&
		std.BytesEqual(bm.Serialize(), other.Serialize())
}

// Clone copies the map.
func (bm *Bitmap) Clone() *Bitmap {
	c := New(bm.MaxIndex(), bm.MinIndex())
	copy(c.chunks, bm.chunks)
	return c
}
