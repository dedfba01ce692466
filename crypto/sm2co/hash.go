package sm2co

import (
	"encoding/binary"

	"github.com/emmansun/gmsm/sm3"
)

// HashSize is the SM3 digest width.
const HashSize = sm3.Size

// Hash returns SM3(b).
func Hash(b []byte) [HashSize]byte {
	return sm3.Sum(b)
}

// KDF derives outLen bytes as SM3(seed||ct) for ct = 1, 2, ... with a 32-bit
// big-endian counter, truncated to outLen.
func KDF(seed []byte, outLen int) []byte {
	if outLen <= 0 {
		return []byte{}
	}
	out := make([]byte, 0, outLen+HashSize)
	md := sm3.New()
	var ct [4]byte
	for i := uint32(1); len(out) < outLen; i++ {
		binary.BigEndian.PutUint32(ct[:], i)
		md.Reset()
		md.Write(seed)
		md.Write(ct[:])
		out = md.Sum(out)
	}
	return out[:outLen]
}

func allZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
