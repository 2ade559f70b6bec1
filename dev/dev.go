// Package dev provides byte-level access to a disk image.  A Device
// is any seekable byte store: an *os.File for real images, or an
// in-memory buffer (bytesextra.NewReadWriteSeeker) in tests.
package dev

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-v6fs/layout"
	"github.com/mit-pdos/go-v6fs/util"
)

type Device interface {
	io.ReadWriteSeeker
}

// crashAfter counts down physical block writes when the CRASH_AT
// environment variable is set; hitting zero aborts the process.
var crashAfter int64 = func() int64 {
	if s := os.Getenv("CRASH_AT"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return 0
}()

// CrashFn runs when the CRASH_AT countdown expires.  Tests may
// replace it to simulate a crash without killing the process.
var CrashFn = func() {
	fmt.Fprintln(os.Stderr, "Crashing because of CRASH_AT environment variable")
	os.Exit(1)
}

// SetCrashAfter arms (or with n=0 disarms) the write countdown.
func SetCrashAfter(n int64) {
	atomic.StoreInt64(&crashAfter, n)
}

func shouldCrash() bool {
	if atomic.LoadInt64(&crashAfter) <= 0 {
		return false
	}
	return atomic.AddInt64(&crashAfter, -1) == 0
}

// ReadAt fills b from the device at byte offset pos.
func ReadAt(d Device, pos int64, b []byte) error {
	if _, err := d.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(d, b)
	return err
}

// WriteAt writes b at byte offset pos.
func WriteAt(d Device, pos int64, b []byte) error {
	if _, err := d.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	_, err := d.Write(b)
	return err
}

// ReadBlock reads sector blockno into b, which must be one sector.
func ReadBlock(d Device, blockno uint32, b []byte) error {
	if uint32(len(b)) != layout.SectorSize {
		panic("dev: ReadBlock wants exactly one sector")
	}
	return ReadAt(d, int64(blockno)*int64(layout.SectorSize), b)
}

// WriteBlock writes sector blockno from b.  This is the fault
// injection point for crash testing.
func WriteBlock(d Device, blockno uint32, b []byte) error {
	if uint32(len(b)) != layout.SectorSize {
		panic("dev: WriteBlock wants exactly one sector")
	}
	if shouldCrash() {
		CrashFn()
	}
	util.DPrintf(10, "writeblock %d", blockno)
	return WriteAt(d, int64(blockno)*int64(layout.SectorSize), b)
}

// Truncate resizes the device if it supports it; in-memory devices
// are fixed-size and are left alone.
func Truncate(d Device, size int64) error {
	if t, ok := d.(interface{ Truncate(int64) error }); ok {
		return t.Truncate(size)
	}
	return nil
}

// Barrier forces file-backed devices to stable storage.
func Barrier(d Device) error {
	if f, ok := d.(*os.File); ok {
		return unix.Fsync(int(f.Fd()))
	}
	return nil
}

const bufSize = 8192

// Reader buffers an aligned page of the device.  TryRead returns
// false only on end-of-file; otherwise it delivers exactly len(dst)
// bytes.
type Reader struct {
	d      Device
	bufEnd uint32
	pos    uint32
	buf    [bufSize]byte
}

func NewReader(d Device) *Reader {
	return &Reader{d: d}
}

func lowerBound(pos uint32) uint32 { return pos - pos%bufSize }

func (r *Reader) TryRead(dst []byte) (bool, error) {
	for len(dst) > 0 {
		if r.pos >= r.bufEnd {
			start := lowerBound(r.pos)
			n, err := r.fill(start)
			if err != nil {
				return false, err
			}
			if n <= r.pos-start {
				return false, nil // EOF
			}
			r.bufEnd = start + n
		}
		off := r.pos - lowerBound(r.pos)
		n := copy(dst, r.buf[off:r.bufEnd-lowerBound(r.pos)])
		r.pos += uint32(n)
		dst = dst[n:]
	}
	return true, nil
}

func (r *Reader) fill(start uint32) (uint32, error) {
	if _, err := r.d.Seek(int64(start), io.SeekStart); err != nil {
		return 0, err
	}
	total := 0
	for total < bufSize {
		n, err := r.d.Read(r.buf[total:])
		total += n
		if err == io.EOF || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	return uint32(total), nil
}

// Seek flushes the internal buffer if pos leaves its window.
func (r *Reader) Seek(pos uint32) {
	if pos < lowerBound(r.pos) || pos >= r.bufEnd {
		r.bufEnd = 0
	}
	r.pos = pos
}

func (r *Reader) Tell() uint32 { return r.pos }

// Writer coalesces writes within an aligned page.  Seeking flushes.
type Writer struct {
	d        Device
	bufStart uint32
	pos      uint32
	buf      [bufSize]byte
}

func NewWriter(d Device) *Writer {
	return &Writer{d: d}
}

func (w *Writer) Write(p []byte) error {
	for len(p) > 0 {
		end := lowerBound(w.bufStart) + bufSize
		n := copy(w.buf[w.pos-w.bufStart:end-w.bufStart], p)
		w.pos += uint32(n)
		p = p[n:]
		if w.pos%bufSize == 0 {
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) Flush() error {
	if w.pos <= w.bufStart {
		return nil
	}
	if err := WriteAt(w.d, int64(w.bufStart), w.buf[:w.pos-w.bufStart]); err != nil {
		return err
	}
	w.bufStart = w.pos
	return nil
}

func (w *Writer) Seek(pos uint32) error {
	if err := w.Flush(); err != nil {
		return err
	}
	w.pos = pos
	w.bufStart = pos
	return nil
}

func (w *Writer) Tell() uint32 { return w.pos }
