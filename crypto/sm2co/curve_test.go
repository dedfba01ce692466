package sm2co

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hexD1 = "6fcba2ef9ae0ab902bc3bde3ff915d44ba4cc78f88e2f8e7f8996d3b8cceedee"
	hexP1 = "26f1f3ef122785d17d3870c2434650363fdf4b2f450e8ed1b60fdc1fc6f019ab" +
		"d9198bdbefa58476ec8225125b8ce3e10a100dc6976cc189d96da6889ebcd37a"
	hex2G = "56cefd60d7c87c000d58ef57fa73ba4d9c0dfa08c08a7331495c2e1da3f2bd52" +
		"31b7e7e6cc8189f668535ce0f8eaf1bd6de84c182f6c8e716f780d3a970a23c3"
)

func mustHex(t testing.TB, s string) []byte {
	t.Helper()
	b, e := hex.DecodeString(s)
	require.NoError(t, e)
	return b
}

func mustInt(t testing.TB, s string) *big.Int {
	t.Helper()
	return new(big.Int).SetBytes(mustHex(t, s))
}

func TestDoubleGenerator(t *testing.T) {
	c := SM2()

	p, e := c.Double(c.Generator())
	require.NoError(t, e)
	enc, e := c.EncodePoint(p)
	require.NoError(t, e)
	assert.Equal(t, hex2G, hex.EncodeToString(enc))

	q, e := c.Add(c.Generator(), c.Generator())
	require.NoError(t, e)
	assert.True(t, p.Equal(q))

	r, e := c.ScalarBaseMult(big.NewInt(2))
	require.NoError(t, e)
	assert.True(t, p.Equal(r))
}

func TestCommitVector(t *testing.T) {
	d1, e := NewShare(mustHex(t, hexD1))
	require.NoError(t, e)
	p1, e := d1.CommitBytes()
	require.NoError(t, e)
	assert.Equal(t, hexP1, hex.EncodeToString(p1))

	again, e := d1.CommitBytes()
	require.NoError(t, e)
	assert.Equal(t, p1, again)
}

func TestPointRoundTrip(t *testing.T) {
	assert := assert.New(t)
	c := SM2()
	for range 20 {
		k, e := c.RandomScalar(nil)
		require.NoError(t, e)
		p, e := c.ScalarBaseMult(k)
		require.NoError(t, e)

		enc, e := c.EncodePoint(p)
		require.NoError(t, e)
		assert.Len(enc, PointSize)
		q, e := c.DecodePoint(enc)
		require.NoError(t, e)
		assert.True(p.Equal(q))

		unc, e := c.EncodeUncompressed(p)
		require.NoError(t, e)
		assert.Equal(byte(0x04), unc[0])
		q, e = c.DecodePublicKey(unc)
		require.NoError(t, e)
		assert.True(p.Equal(q))
	}
}

func TestDecodePointRejects(t *testing.T) {
	c := SM2()
	valid := mustHex(t, hex2G)

	offCurve := bytes.Clone(valid)
	offCurve[PointSize-1] ^= 0x01

	tooBig := bytes.Repeat([]byte{0xff}, PointSize)

	for name, b := range map[string][]byte{
		"short":     valid[:PointSize-1],
		"long":      append(bytes.Clone(valid), 0),
		"off-curve": offCurve,
		"infinity":  make([]byte, PointSize),
		"above p":   tooBig,
	} {
		t.Run(name, func(t *testing.T) {
			_, e := c.DecodePoint(b)
			assert.ErrorIs(t, e, ErrInvalidEncoding)
		})
	}

	_, e := c.DecodePoint(offCurve)
	assert.ErrorIs(t, e, ErrInvalidPoint)
	assert.ErrorIs(t, e, ErrCrypto)

	_, e = c.DecodeUncompressed(append([]byte{0x02}, valid...))
	assert.ErrorIs(t, e, ErrInvalidEncoding)
}

func TestScalarMultRejectsInvalidPoint(t *testing.T) {
	c := SM2()
	g := c.Generator()
	bad := Point{X: g.X, Y: new(big.Int).Add(g.Y, big.NewInt(1))}

	_, e := c.ScalarMult(big.NewInt(3), bad)
	assert.ErrorIs(t, e, ErrInvalidPoint)

	_, e = c.ScalarMult(big.NewInt(3), Point{})
	assert.ErrorIs(t, e, ErrInvalidPoint)

	_, e = c.Add(g, bad)
	assert.ErrorIs(t, e, ErrInvalidPoint)
}

func TestInfinity(t *testing.T) {
	assert := assert.New(t)
	c := SM2()
	g := c.Generator()

	p, e := c.Add(Point{}, g)
	require.NoError(t, e)
	assert.True(p.Equal(g))

	minusG, e := c.ScalarBaseMult(c.Order().Sub(big.NewInt(0), big.NewInt(1)))
	require.NoError(t, e)
	sum, e := c.Add(g, minusG)
	require.NoError(t, e)
	assert.True(sum.IsInfinity())

	_, e = c.EncodePoint(sum)
	assert.ErrorIs(e, ErrInvalidPoint)

	zero, e := c.ScalarBaseMult(c.Order().N())
	require.NoError(t, e)
	assert.True(zero.IsInfinity())
}

func TestScalarEncoding(t *testing.T) {
	assert := assert.New(t)

	b, e := EncodeScalar(big.NewInt(1))
	require.NoError(t, e)
	assert.Len(b, ScalarSize)
	assert.Equal(byte(1), b[ScalarSize-1])
	assert.True(allZero(b[:ScalarSize-1]))

	k, e := DecodeScalar(b)
	require.NoError(t, e)
	assert.Equal(int64(1), k.Int64())

	n := SM2().Order().N()
	nb, e := EncodeScalar(new(big.Int).Sub(n, big.NewInt(1)))
	require.NoError(t, e)
	back, e := DecodeScalar(nb)
	require.NoError(t, e)
	assert.Equal(0, back.Cmp(new(big.Int).Sub(n, big.NewInt(1))))

	_, e = DecodeScalar(make([]byte, 31))
	assert.ErrorIs(e, ErrInvalidEncoding)
	_, e = EncodeScalar(new(big.Int).Lsh(big.NewInt(1), 256))
	assert.ErrorIs(e, ErrInvalidEncoding)
	_, e = EncodeScalar(big.NewInt(-1))
	assert.ErrorIs(e, ErrInvalidEncoding)
}

func TestModulusWrap(t *testing.T) {
	assert := assert.New(t)
	m := NewModulus(big.NewInt(17))

	assert.Equal(int64(10), m.Sub(big.NewInt(3), big.NewInt(10)).Int64())
	assert.Equal(int64(7), m.Sub(big.NewInt(10), big.NewInt(3)).Int64())
	assert.Equal(int64(0), m.Sub(big.NewInt(5), big.NewInt(22)).Int64())
	assert.Equal(int64(3), m.Add(big.NewInt(10), big.NewInt(10)).Int64())
	assert.Equal(int64(13), m.Mul(big.NewInt(5), big.NewInt(6)).Int64())
	assert.Equal(int64(16), m.Reduce(big.NewInt(-1)).Int64())

	inv, e := m.Inverse(big.NewInt(3))
	require.NoError(t, e)
	assert.Equal(int64(6), inv.Int64())

	_, e = m.Inverse(big.NewInt(34))
	assert.ErrorIs(e, ErrCrypto)

	assert.Panics(func() { NewModulus(big.NewInt(1)) })
}

func TestRandomScalarRange(t *testing.T) {
	c := SM2()
	// all-ones is above n and must be resampled
	src := bytes.NewReader(append(bytes.Repeat([]byte{0xff}, ScalarSize), mustHex(t, hexD1)...))
	k, e := c.RandomScalar(src)
	require.NoError(t, e)
	assert.Equal(t, hexD1, hex.EncodeToString(k.FillBytes(make([]byte, ScalarSize))))

	zeros := bytes.NewReader(make([]byte, ScalarSize*maxSampleAttempts))
	_, e = c.RandomScalar(zeros)
	assert.ErrorIs(t, e, ErrCrypto)

	_, e = c.RandomScalar(bytes.NewReader(nil))
	assert.ErrorIs(t, e, ErrCrypto)
	assert.False(t, errors.Is(e, ErrInvalidPoint))
}
