package util

import (
	"log"
	"os"
	"strconv"
)

var Debug uint64 = debugLevel()

func debugLevel() uint64 {
	if s := os.Getenv("V6_DEBUG"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		log.Printf(format, a...)
	}
}

// RoundUp is the number of sz-sized units needed to hold n bytes.
func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}
