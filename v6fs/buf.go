package v6fs

import (
	"github.com/mit-pdos/go-v6fs/cache"
	"github.com/mit-pdos/go-v6fs/layout"
)

// Buffer caches one sector of a volume.
type Buffer struct {
	cache.EntryBase
	Mem [layout.SectorSize]byte
}

func (bp *Buffer) Hdr() *cache.EntryBase {
	return &bp.EntryBase
}

func (bp *Buffer) Blockno() layout.Bnum {
	return layout.Bnum(bp.ID())
}

func (bp *Buffer) fs() *V6FS {
	return bp.Vol().(*V6FS)
}

// Bwrite writes the buffer immediately.
func (bp *Buffer) Bwrite() error {
	err := bp.fs().writeblock(bp.Mem[:], uint32(bp.Blockno()))
	if err == nil {
		bp.Dirty = false
	}
	return err
}

// Bdwrite schedules the buffer for a later write (delayed write).
func (bp *Buffer) Bdwrite() {
	bp.Initialized = true
	bp.Dirty = true
}

func (bp *Buffer) Writeback() error {
	return bp.fs().writeblock(bp.Mem[:], uint32(bp.Blockno()))
}

// GetU16 reads the i-th 16-bit word of the sector.
func (bp *Buffer) GetU16(i uint32) uint16 {
	if i >= layout.SectorSize/2 {
		panic("Buffer.GetU16: index out of range")
	}
	return layout.GetU16(bp.Mem[2*i:])
}

func (bp *Buffer) PutU16(i uint32, v uint16) {
	if i >= layout.SectorSize/2 {
		panic("Buffer.PutU16: index out of range")
	}
	layout.PutU16(bp.Mem[2*i:], v)
}
