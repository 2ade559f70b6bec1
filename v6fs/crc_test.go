package v6fs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-v6fs/layout"
)

func TestCrc32EmptyReturnsSeed(t *testing.T) {
	assert.Equal(t, layout.LogCRCSeed, Crc32(nil, layout.LogCRCSeed))
	assert.Equal(t, uint32(0xdeadbeef), Crc32([]byte{}, 0xdeadbeef))
}

func TestCrc32CheckValue(t *testing.T) {
	// CRC-32/MPEG-2: same polynomial and feedback order, seed
	// 0xFFFFFFFF, check value for "123456789".
	assert.Equal(t, uint32(0x0376E6E7), Crc32([]byte("123456789"), 0xFFFFFFFF))
}

func TestCrc32Chains(t *testing.T) {
	full := Crc32([]byte("hello world"), layout.LogCRCSeed)
	half := Crc32([]byte("hello "), layout.LogCRCSeed)
	assert.Equal(t, full, Crc32([]byte("world"), half))
}

func TestCrc32Sensitivity(t *testing.T) {
	a := Crc32([]byte("abc"), layout.LogCRCSeed)
	b := Crc32([]byte("abd"), layout.LogCRCSeed)
	assert.NotEqual(t, a, b)
}
