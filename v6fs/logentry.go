package v6fs

import (
	"fmt"
	"strings"

	"github.com/mit-pdos/go-v6fs/dev"
	"github.com/mit-pdos/go-v6fs/layout"
)

// Log record variants.  A record is framed on disk as
// [lsn u32 | tag u8 | body | crc u32 | lsn u32], little-endian, with
// the CRC covering header and body, seeded with layout.LogCRCSeed.
const (
	TagBegin uint8 = iota
	TagPatch
	TagBlockAlloc
	TagBlockFree
	TagCommit
	TagRewind
)

type Record interface {
	Tag() uint8
	// appendBody appends the record's body encoding.
	appendBody(b []byte) []byte
	// readBody reads the body through the CRC-accumulating reader.
	readBody(r *crcReader) error
	show() string
}

// RecBegin marks the start of a transaction.  Every change to the
// file system sits between a RecBegin and its matching RecCommit; a
// transaction missing its commit must not be applied.
type RecBegin struct{}

func (*RecBegin) Tag() uint8                 { return TagBegin }
func (*RecBegin) appendBody(b []byte) []byte { return b }
func (*RecBegin) readBody(*crcReader) error  { return nil }
func (*RecBegin) show() string               { return "  LogBegin\n" }

// RecPatch carries bytes that must change on disk, addressed by block
// number and offset within the block.  Patches never span sector
// boundaries.
type RecPatch struct {
	Blockno uint16
	Offset  uint16
	Bytes   []byte // at most 255 bytes
}

func (*RecPatch) Tag() uint8 { return TagPatch }

func (e *RecPatch) appendBody(b []byte) []byte {
	if len(e.Bytes) > 0xff {
		panic("RecPatch: maximum byte vector size exceeded")
	}
	var w [4]byte
	layout.PutU16(w[0:], e.Blockno)
	layout.PutU16(w[2:], e.Offset)
	b = append(b, w[:]...)
	b = append(b, uint8(len(e.Bytes)))
	return append(b, e.Bytes...)
}

func (e *RecPatch) readBody(r *crcReader) error {
	b, err := r.read(5)
	if err != nil {
		return err
	}
	e.Blockno = layout.GetU16(b[0:])
	e.Offset = layout.GetU16(b[2:])
	n := int(b[4])
	bytes, err := r.read(n)
	if err != nil {
		return err
	}
	e.Bytes = append([]byte(nil), bytes...)
	return nil
}

func (e *RecPatch) show() string {
	return fmt.Sprintf("  LogPatch\n    blockno: %d\n    offset_in_block: %d\n    bytes: %s\n",
		e.Blockno, e.Offset, hexdump(e.Bytes))
}

// RecBlockAlloc records that a free block was allocated.  Metadata
// blocks (indirect blocks, directory contents) have all their updates
// journaled, so a freshly allocated one is zeroed on replay.  A data
// block may hold unlogged writes that reached disk before the crash
// and is left alone.
type RecBlockAlloc struct {
	Blockno      uint16
	ZeroOnReplay uint8
}

func (*RecBlockAlloc) Tag() uint8 { return TagBlockAlloc }

func (e *RecBlockAlloc) appendBody(b []byte) []byte {
	var w [2]byte
	layout.PutU16(w[:], e.Blockno)
	b = append(b, w[:]...)
	return append(b, e.ZeroOnReplay)
}

func (e *RecBlockAlloc) readBody(r *crcReader) error {
	b, err := r.read(3)
	if err != nil {
		return err
	}
	e.Blockno = layout.GetU16(b)
	e.ZeroOnReplay = b[2]
	return nil
}

func (e *RecBlockAlloc) show() string {
	return fmt.Sprintf("  LogBlockAlloc\n    blockno: %d\n    zero_on_replay: %d\n",
		e.Blockno, e.ZeroOnReplay)
}

// RecBlockFree records that a block became free.
type RecBlockFree struct {
	Blockno uint16
}

func (*RecBlockFree) Tag() uint8 { return TagBlockFree }

func (e *RecBlockFree) appendBody(b []byte) []byte {
	var w [2]byte
	layout.PutU16(w[:], e.Blockno)
	return append(b, w[:]...)
}

func (e *RecBlockFree) readBody(r *crcReader) error {
	b, err := r.read(2)
	if err != nil {
		return err
	}
	e.Blockno = layout.GetU16(b)
	return nil
}

func (e *RecBlockFree) show() string {
	return fmt.Sprintf("  LogBlockFree\n    blockno: %d\n", e.Blockno)
}

// RecCommit ends the transaction whose RecBegin has LSN Sequence.
type RecCommit struct {
	Sequence layout.Lsn
}

func (*RecCommit) Tag() uint8 { return TagCommit }

func (e *RecCommit) appendBody(b []byte) []byte {
	var w [4]byte
	layout.PutU32(w[:], e.Sequence)
	return append(b, w[:]...)
}

func (e *RecCommit) readBody(r *crcReader) error {
	b, err := r.read(4)
	if err != nil {
		return err
	}
	e.Sequence = layout.GetU32(b)
	return nil
}

func (e *RecCommit) show() string {
	return fmt.Sprintf("  LogCommit\n    sequence: %d\n", e.Sequence)
}

// RecRewind says the next record was written at the start of the log
// area.  It is the only record that may sit outside a transaction.
type RecRewind struct{}

func (*RecRewind) Tag() uint8                 { return TagRewind }
func (*RecRewind) appendBody(b []byte) []byte { return b }
func (*RecRewind) readBody(*crcReader) error  { return nil }
func (*RecRewind) show() string               { return "  LogRewind\n" }

const (
	recHeaderSize = 5
	recFooterSize = 8
	// rewindNbytes is the space reserved at the end of the log area
	// so a RecRewind always fits.
	rewindNbytes = recHeaderSize + recFooterSize
)

// RecordNbytes is the encoded size of a record.
func RecordNbytes(rec Record) uint32 {
	return uint32(recHeaderSize+recFooterSize) + uint32(len(rec.appendBody(nil)))
}

// EncodeRecord frames a record for the log.
func EncodeRecord(lsn layout.Lsn, rec Record) []byte {
	b := make([]byte, recHeaderSize, RecordNbytes(rec))
	layout.PutU32(b[0:], lsn)
	b[4] = rec.Tag()
	b = rec.appendBody(b)
	crc := Crc32(b, layout.LogCRCSeed)
	var f [recFooterSize]byte
	layout.PutU32(f[0:], crc)
	layout.PutU32(f[4:], lsn)
	return append(b, f[:]...)
}

// crcReader pulls bytes from a dev.Reader while accumulating the
// record checksum.  A short read means the log ends here.
type crcReader struct {
	r   *dev.Reader
	crc uint32
	buf [layout.SectorSize]byte
}

func (cr *crcReader) read(n int) ([]byte, error) {
	b := cr.buf[:n]
	ok, err := cr.r.TryRead(b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("premature EOF: %w", ErrLogCorrupt)
	}
	cr.crc = Crc32(b, cr.crc)
	return b, nil
}

func mkRecord(tag uint8) (Record, error) {
	switch tag {
	case TagBegin:
		return &RecBegin{}, nil
	case TagPatch:
		return &RecPatch{}, nil
	case TagBlockAlloc:
		return &RecBlockAlloc{}, nil
	case TagBlockFree:
		return &RecBlockFree{}, nil
	case TagCommit:
		return &RecCommit{}, nil
	case TagRewind:
		return &RecRewind{}, nil
	}
	return nil, fmt.Errorf("invalid variant index: %w", ErrLogCorrupt)
}

// DecodeRecord reads and verifies one framed record.  Any mismatch
// (truncation, unknown tag, CRC or sequence disagreement) reports
// ErrLogCorrupt, which readers treat as the end of the log.
func DecodeRecord(r *dev.Reader) (layout.Lsn, Record, error) {
	cr := &crcReader{r: r, crc: layout.LogCRCSeed}
	h, err := cr.read(recHeaderSize)
	if err != nil {
		return 0, nil, err
	}
	lsn := layout.GetU32(h)
	rec, err := mkRecord(h[4])
	if err != nil {
		return 0, nil, err
	}
	if err := rec.readBody(cr); err != nil {
		return 0, nil, err
	}
	crc := cr.crc
	var f [recFooterSize]byte
	ok, err := r.TryRead(f[:])
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, fmt.Errorf("premature EOF: %w", ErrLogCorrupt)
	}
	if layout.GetU32(f[4:]) != lsn {
		return 0, nil, fmt.Errorf("sequence number mismatch: %w", ErrLogCorrupt)
	}
	if layout.GetU32(f[0:]) != crc {
		return 0, nil, fmt.Errorf("bad checksum: %w", ErrLogCorrupt)
	}
	return lsn, rec, nil
}

func hexdump(b []byte) string {
	const hexdigits = "0123456789abcdef"
	var sb strings.Builder
	for _, c := range b {
		sb.WriteByte(hexdigits[c>>4])
		sb.WriteByte(hexdigits[c&0xf])
	}
	return sb.String()
}

// ShowRecord renders a record for the log dumper, classifying
// patches by what they touch when the superblock is available.
func ShowRecord(lsn layout.Lsn, rec Record, sb *layout.Superblock) string {
	s := fmt.Sprintf("* LSN %d\n%s", lsn, rec.show())
	if sb != nil {
		if ep, ok := rec.(*RecPatch); ok {
			s += "  " + whatPatch(sb, ep) + "\n"
		}
	}
	return s
}

func whatPatch(sb *layout.Superblock, e *RecPatch) string {
	if layout.Bnum(e.Blockno) >= sb.Datastart() {
		return whatDataPatch(e)
	}
	if e.Blockno >= layout.InodeStartSector {
		return whatInodePatch(e)
	}
	return "superblock/bootblock patch?"
}

func whatDataPatch(e *RecPatch) string {
	switch {
	case len(e.Bytes) == layout.DirentSize:
		return fmt.Sprintf("dirent (%d, %q)",
			layout.DirentInum(e.Bytes), layout.DirentName(e.Bytes))
	case len(e.Bytes) == 2:
		return fmt.Sprintf("block pointer %d", layout.GetU16(e.Bytes))
	case e.Offset == 0 && len(e.Bytes) == 2*layout.IAddrSize+1:
		// The extra byte is how MakeLarge marks a copied pointer
		// array so it is not mistaken for a directory entry.
		var sbld strings.Builder
		sbld.WriteString("block pointers")
		for i := 0; i < layout.IAddrSize; i++ {
			fmt.Fprintf(&sbld, " %d", layout.GetU16(e.Bytes[2*i:]))
		}
		return sbld.String()
	}
	return "unknown data patch"
}

var inodeFieldNames = []struct {
	off  int
	name string
}{
	{layout.DiModeOff, "i_mode"},
	{layout.DiNlinkOff, "i_nlink"},
	{layout.DiUidOff, "i_uid"},
	{layout.DiGidOff, "i_gid"},
	{layout.DiSize0Off, "i_size0"},
	{layout.DiSize1Off, "i_size1"},
	{layout.DiAddrOff, "i_addr"},
	{layout.DiAtimeOff, "i_atime"},
	{layout.DiMtimeOff, "i_mtime"},
}

func whatInodePatch(e *RecPatch) string {
	inum := 1 + uint32(e.Blockno-layout.InodeStartSector)*layout.InodesPerBlock +
		uint32(e.Offset)/layout.InodeSize
	s := fmt.Sprintf("inode #%d (", inum)
	if len(e.Bytes) >= layout.InodeSize {
		return s + "whole inode)"
	}
	off := int(e.Offset) % layout.InodeSize
	if len(e.Bytes) == 2 && off%2 == 0 && off >= layout.DiAddrOff &&
		off < layout.DiAddrOff+2*layout.IAddrSize {
		return s + fmt.Sprintf("i_addr[%d] = block pointer %d)",
			(off-layout.DiAddrOff)/2, layout.GetU16(e.Bytes))
	}
	var fields []string
	for i, f := range inodeFieldNames {
		end := layout.InodeSize
		if i+1 < len(inodeFieldNames) {
			end = inodeFieldNames[i+1].off
		}
		if f.off < off+len(e.Bytes) && off < end {
			fields = append(fields, f.name)
		}
	}
	return s + strings.Join(fields, ", ") + ")"
}
