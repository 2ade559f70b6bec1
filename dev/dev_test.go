package dev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/mit-pdos/go-v6fs/layout"
)

func mkDevice(size int) (Device, []byte) {
	storage := make([]byte, size)
	return bytesextra.NewReadWriteSeeker(storage), storage
}

func TestBlockReadWrite(t *testing.T) {
	d, storage := mkDevice(10 * int(layout.SectorSize))
	b := make([]byte, layout.SectorSize)
	for i := range b {
		b[i] = byte(i)
	}
	require.NoError(t, WriteBlock(d, 3, b))
	assert.Equal(t, byte(1), storage[3*512+1])

	got := make([]byte, layout.SectorSize)
	require.NoError(t, ReadBlock(d, 3, got))
	assert.Equal(t, b, got)
}

func TestBlockSizeChecked(t *testing.T) {
	d, _ := mkDevice(1024)
	assert.Panics(t, func() { ReadBlock(d, 0, make([]byte, 100)) })
	assert.Panics(t, func() { WriteBlock(d, 0, make([]byte, 100)) })
}

func TestWriterCoalesces(t *testing.T) {
	d, storage := mkDevice(3 * bufSize)
	w := NewWriter(d)
	require.NoError(t, w.Write([]byte("hello")))
	// Nothing reaches the device before a flush.
	assert.Equal(t, byte(0), storage[0])
	require.NoError(t, w.Flush())
	assert.Equal(t, []byte("hello"), storage[:5])
	assert.Equal(t, uint32(5), w.Tell())
}

func TestWriterCrossesPages(t *testing.T) {
	d, storage := mkDevice(3 * bufSize)
	w := NewWriter(d)
	big := make([]byte, bufSize+100)
	for i := range big {
		big[i] = byte(i % 251)
	}
	require.NoError(t, w.Write(big))
	// The first aligned page auto-flushed.
	assert.Equal(t, big[:bufSize], storage[:bufSize])
	require.NoError(t, w.Flush())
	assert.Equal(t, big, storage[:len(big)])
}

func TestWriterSeekFlushes(t *testing.T) {
	d, storage := mkDevice(3 * bufSize)
	w := NewWriter(d)
	require.NoError(t, w.Write([]byte("abc")))
	require.NoError(t, w.Seek(100))
	assert.Equal(t, []byte("abc"), storage[:3])
	require.NoError(t, w.Write([]byte("xyz")))
	require.NoError(t, w.Flush())
	assert.Equal(t, []byte("xyz"), storage[100:103])
}

func TestReaderExactAndEOF(t *testing.T) {
	d, storage := mkDevice(bufSize + 10)
	for i := range storage {
		storage[i] = byte(i % 256)
	}
	r := NewReader(d)

	b := make([]byte, 100)
	ok, err := r.TryRead(b)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage[:100], b)
	assert.Equal(t, uint32(100), r.Tell())

	// Span the page boundary.
	r.Seek(bufSize - 5)
	b = make([]byte, 10)
	ok, err = r.TryRead(b)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage[bufSize-5:bufSize+5], b)

	// Run off the end: short read reports EOF, not an error.
	r.Seek(uint32(len(storage) - 3))
	b = make([]byte, 10)
	ok, err = r.TryRead(b)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReaderSeekWithinWindow(t *testing.T) {
	d, storage := mkDevice(2 * bufSize)
	for i := range storage {
		storage[i] = byte(i % 256)
	}
	r := NewReader(d)
	b := make([]byte, 10)
	ok, _ := r.TryRead(b)
	require.True(t, ok)

	// Re-read earlier bytes in the same window.
	r.Seek(2)
	ok, err := r.TryRead(b)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage[2:12], b)
}

func TestCrashInjection(t *testing.T) {
	d, _ := mkDevice(4 * int(layout.SectorSize))
	crashed := false
	old := CrashFn
	CrashFn = func() { crashed = true }
	defer func() { CrashFn = old; SetCrashAfter(0) }()

	SetCrashAfter(2)
	b := make([]byte, layout.SectorSize)
	require.NoError(t, WriteBlock(d, 0, b))
	assert.False(t, crashed)
	require.NoError(t, WriteBlock(d, 1, b))
	assert.True(t, crashed)
}
