package v6fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/mit-pdos/go-v6fs/dev"
	"github.com/mit-pdos/go-v6fs/layout"
)

func writeRecords(t *testing.T, storage []byte, recs []Record) {
	w := dev.NewWriter(bytesextra.NewReadWriteSeeker(storage))
	for i, rec := range recs {
		require.NoError(t, w.Write(EncodeRecord(layout.Lsn(100+i), rec)))
	}
	require.NoError(t, w.Flush())
}

func TestRecordRoundTrip(t *testing.T) {
	recs := []Record{
		&RecBegin{},
		&RecPatch{Blockno: 40, Offset: 128, Bytes: []byte{1, 2, 3, 4}},
		&RecBlockAlloc{Blockno: 77, ZeroOnReplay: 1},
		&RecBlockFree{Blockno: 78},
		&RecCommit{Sequence: 100},
		&RecRewind{},
	}
	storage := make([]byte, 4096)
	writeRecords(t, storage, recs)

	r := dev.NewReader(bytesextra.NewReadWriteSeeker(storage))
	for i, want := range recs {
		lsn, got, err := DecodeRecord(r)
		require.NoError(t, err, "record %d", i)
		assert.Equal(t, layout.Lsn(100+i), lsn)
		assert.Equal(t, want, got)
	}
}

func TestRecordNbytes(t *testing.T) {
	assert.Equal(t, uint32(13), RecordNbytes(&RecBegin{}))
	assert.Equal(t, uint32(13), RecordNbytes(&RecRewind{}))
	assert.Equal(t, uint32(17), RecordNbytes(&RecCommit{}))
	assert.Equal(t, uint32(13+5+3), RecordNbytes(&RecPatch{Bytes: []byte{1, 2, 3}}))
	b := EncodeRecord(1, &RecPatch{Bytes: []byte{1, 2, 3}})
	assert.Equal(t, int(RecordNbytes(&RecPatch{Bytes: []byte{1, 2, 3}})), len(b))
}

func TestDecodeDetectsCorruption(t *testing.T) {
	storage := make([]byte, 4096)
	writeRecords(t, storage, []Record{&RecPatch{Blockno: 7, Offset: 0, Bytes: []byte{9}}})

	// Flip a byte of the body.
	storage[6] ^= 0xff
	r := dev.NewReader(bytesextra.NewReadWriteSeeker(storage))
	_, _, err := DecodeRecord(r)
	assert.ErrorIs(t, err, ErrLogCorrupt)
}

func TestDecodeDetectsBadTag(t *testing.T) {
	storage := make([]byte, 4096)
	writeRecords(t, storage, []Record{&RecBegin{}})
	storage[4] = 42
	r := dev.NewReader(bytesextra.NewReadWriteSeeker(storage))
	_, _, err := DecodeRecord(r)
	assert.ErrorIs(t, err, ErrLogCorrupt)
}

func TestDecodeDetectsFooterMismatch(t *testing.T) {
	storage := make([]byte, 4096)
	writeRecords(t, storage, []Record{&RecBegin{}})
	// Corrupt the trailing LSN copy.
	storage[9] ^= 1
	r := dev.NewReader(bytesextra.NewReadWriteSeeker(storage))
	_, _, err := DecodeRecord(r)
	assert.ErrorIs(t, err, ErrLogCorrupt)
}

func TestDecodeTruncated(t *testing.T) {
	rec := EncodeRecord(5, &RecCommit{Sequence: 4})
	storage := rec[:len(rec)-3]
	r := dev.NewReader(bytesextra.NewReadWriteSeeker(storage))
	_, _, err := DecodeRecord(r)
	assert.ErrorIs(t, err, ErrLogCorrupt)
}

func TestShowRecordClassifiesPatches(t *testing.T) {
	var sb layout.Superblock
	sb.Isize = 8
	sb.Fsize = 2000

	dirent := make([]byte, layout.DirentSize)
	layout.PutDirent(dirent, 3, "passwd")
	s := ShowRecord(9, &RecPatch{Blockno: 50, Offset: 0, Bytes: dirent}, &sb)
	assert.Contains(t, s, "LSN 9")
	assert.Contains(t, s, `dirent (3, "passwd")`)

	// A two-byte data patch is a block pointer.
	ptr := []byte{0x34, 0x12}
	s = ShowRecord(10, &RecPatch{Blockno: 50, Offset: 8, Bytes: ptr}, &sb)
	assert.Contains(t, s, "block pointer 4660")

	// Inode-region patch names the fields.
	s = ShowRecord(11, &RecPatch{Blockno: 2, Offset: layout.DiNlinkOff, Bytes: []byte{2}}, &sb)
	assert.Contains(t, s, "inode #1")
	assert.Contains(t, s, "i_nlink")
}
