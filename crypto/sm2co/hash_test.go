package sm2co

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHash(t *testing.T) {
	for in, want := range map[string]string{
		"abc":           "66c7f0f462eeedd9d1f2d46bdc10e4e24167c4875cf2f7a2297da02b8f4ba8e0",
		"hello world":   "44f0061e69fa6fdfc290c494654a05dc0c053da7e5c52b84ef93a9d67d3fff88",
		"hello world\n": "4cc2036b86431b5d2685a04d289dfe140a36baa854b01cb39fcd6009638e4e7a",
	} {
		sum := Hash([]byte(in))
		assert.Equal(t, want, hex.EncodeToString(sum[:]), "%q", in)
		assert.Equal(t, want, hex.EncodeToString(MessageHash([]byte(in))))
	}
}

func TestKDF(t *testing.T) {
	assert := assert.New(t)
	seed := []byte("sm2 co-sign kdf seed")

	out := KDF(seed, 97)
	assert.Len(out, 97)
	assert.Equal("e8d2010ee38174f9f4155e683186ed699263523a33ace64a67127fb232ce29b2"+
		"fcb145bac5c7a1b7153951bbf9d95273c6eb9dd6da8e2bba97da3aca8a2184341"+
		"0c96439e5f02d329e25a2ecd395079e5a5e7ad6691544dc4f229888aee9123a1d", hex.EncodeToString(out))

	assert.Equal("e8d2010ee3", hex.EncodeToString(KDF(seed, 5)))
	assert.Equal(out[:HashSize], KDF(seed, HashSize))
	assert.Empty(KDF(seed, 0))
	assert.Empty(KDF(seed, -1))
}
