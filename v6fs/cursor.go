package v6fs

import (
	"fmt"

	"github.com/mit-pdos/go-v6fs/layout"
)

// Cursor is a typed iterator over an inode's contents.  It keeps a
// reference to the buffer holding the bytes it last returned, so
// zero-copy spans from ReadRef/WriteRef stay valid until the next
// call.
type Cursor struct {
	ip  *Inode
	bp  *Buffer
	pos uint32
}

func MkCursor(ip *Inode) *Cursor {
	return &Cursor{ip: ip}
}

func (c *Cursor) fs() *V6FS {
	return c.ip.fs()
}

func (c *Cursor) Tell() uint32 {
	return c.pos
}

// Close drops the cursor's buffer reference.
func (c *Cursor) Close() {
	c.dropBuf()
}

func (c *Cursor) dropBuf() {
	if c.bp != nil {
		c.fs().Brelse(c.bp)
		c.bp = nil
	}
}

// Seek repositions the cursor.  Seeking past the maximum file size
// fails; seeking within the current sector keeps the buffer.
func (c *Cursor) Seek(pos uint32) error {
	if pos > layout.MaxFileSize {
		return fmt.Errorf("seek: %w", ErrFileTooLarge)
	}
	if (pos-1)/layout.SectorSize != (c.pos-1)/layout.SectorSize {
		c.dropBuf()
	}
	c.pos = pos
	return nil
}

// ReadRef returns the next n bytes in place, which must fit within an
// aligned sector.  Returns nil at end of file.  Holes in sparse files
// are skipped entirely.
func (c *Cursor) ReadRef(n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if n > layout.SectorSize || (c.pos+n-1)/layout.SectorSize != c.pos/layout.SectorSize {
		panic("Cursor.ReadRef: alignment error")
	}
	filesize := c.ip.Size()
	for {
		if c.pos >= filesize || n > filesize-c.pos {
			return nil, nil
		}
		offset := c.pos % layout.SectorSize
		if c.bp == nil || offset == 0 {
			c.dropBuf()
			bp, err := c.ip.GetBlock(c.pos/layout.SectorSize, false)
			if err != nil {
				return nil, err
			}
			if bp == nil {
				// Sparse hole: skip to the next block.
				c.pos = c.pos - offset + layout.SectorSize
				continue
			}
			c.bp = bp
		}
		c.pos += n
		return c.bp.Mem[offset : offset+n], nil
	}
}

// WriteRef is like ReadRef but allocates blocks to fill holes and
// extends the file as needed.
func (c *Cursor) WriteRef(n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if n > layout.SectorSize || (c.pos+n-1)/layout.SectorSize != c.pos/layout.SectorSize {
		panic("Cursor.WriteRef: alignment error")
	}
	if n > layout.MaxFileSize-c.pos {
		return nil, fmt.Errorf("writeref: %w", ErrFileTooLarge)
	}

	c.dropBuf()
	bp, err := c.ip.GetBlock(c.pos/layout.SectorSize, true)
	if err != nil {
		return nil, err
	}
	c.bp = bp
	offset := c.pos % layout.SectorSize
	c.pos += n
	if c.pos > c.ip.Size() {
		c.ip.SetSizeLogged(c.pos)
		c.ip.MTouch(Log)
	}
	bp.Bdwrite()
	return bp.Mem[offset : offset+n], nil
}

// Read copies file contents at the cursor into buf, returning the
// number of bytes read.  Holes read as zeros.
func (c *Cursor) Read(buf []byte) (int, error) {
	nread := 0
	filesize := c.ip.Size()
	for len(buf) > 0 && c.pos < filesize {
		start := c.pos % layout.SectorSize
		if start == 0 {
			c.dropBuf()
		}
		toRead := layout.SectorSize - start
		if toRead > uint32(len(buf)) {
			toRead = uint32(len(buf))
		}
		if remain := filesize - c.pos; toRead > remain {
			toRead = remain
		}
		if c.bp == nil {
			bp, err := c.ip.GetBlock(c.pos/layout.SectorSize, false)
			if err != nil {
				return nread, err
			}
			c.bp = bp
		}
		if c.bp != nil {
			copy(buf[:toRead], c.bp.Mem[start:start+toRead])
		} else {
			for i := uint32(0); i < toRead; i++ {
				buf[i] = 0
			}
		}
		nread += int(toRead)
		buf = buf[toRead:]
		c.pos += toRead
	}
	if nread > 0 {
		c.ip.ATouch()
	}
	if c.pos%layout.SectorSize == 0 {
		c.dropBuf()
	}
	return nread, nil
}

// Write copies buf into the file at the cursor, allocating blocks and
// extending the file as needed.  The mtime update is journaled only
// when the file grew; in-place writes just mark the inode dirty.
func (c *Cursor) Write(buf []byte) (int, error) {
	if uint32(len(buf)) > layout.MaxFileSize-c.pos {
		return 0, fmt.Errorf("write: %w", ErrFileTooLarge)
	}

	nwritten := 0
	for len(buf) > 0 {
		start := c.pos % layout.SectorSize
		if start == 0 {
			c.dropBuf()
		}
		toWrite := layout.SectorSize - start
		if toWrite > uint32(len(buf)) {
			toWrite = uint32(len(buf))
		}
		if c.bp == nil {
			bp, err := c.ip.GetBlock(c.pos/layout.SectorSize, true)
			if err != nil {
				return nwritten, err
			}
			c.bp = bp
		}
		copy(c.bp.Mem[start:start+toWrite], buf[:toWrite])
		c.pos += toWrite
		nwritten += int(toWrite)
		buf = buf[toWrite:]
		c.bp.Bdwrite()
	}
	if nwritten > 0 {
		if c.pos > c.ip.Size() {
			c.ip.SetSizeLogged(c.pos)
			c.ip.MTouch(Log)
		} else {
			c.ip.MTouch(NoLog)
		}
	}
	if c.pos%layout.SectorSize == 0 {
		c.dropBuf()
	}
	return nwritten, nil
}
