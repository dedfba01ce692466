package sm2co

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

// testPeer knows both halves of the key so it can answer protocol rounds.
type testPeer struct {
	d1, d2 *big.Int
}

func newTestPeer(t testing.TB) (*testPeer, *Share) {
	t.Helper()
	c := SM2()
	d1, e := GenerateShare(nil)
	require.NoError(t, e)
	d2, e := c.RandomScalar(nil)
	require.NoError(t, e)
	return &testPeer{d1: new(big.Int).Set(d1.d), d2: d2}, d1
}

// publicKey returns Pa = d2·P1 - G.
func (s *testPeer) publicKey(t testing.TB, p1 Point) Point {
	t.Helper()
	c := SM2()
	q, e := c.ScalarMult(s.d2, p1)
	require.NoError(t, e)
	minusG, e := c.ScalarBaseMult(c.Order().Sub(big.NewInt(0), big.NewInt(1)))
	require.NoError(t, e)
	pa, e := c.Add(q, minusG)
	require.NoError(t, e)
	return pa
}

// sign answers a signing round so that the combined signature verifies
// under Pa = (d1·d2 - 1)·G.
func (s *testPeer) sign(t testing.TB, q1, digest []byte) (r, s2, s3 []byte) {
	t.Helper()
	c := SM2()
	m := c.Order()
	one := big.NewInt(1)

	alpha, e := m.Inverse(m.Mul(s.d1, s.d2))
	require.NoError(t, e)
	d1inv, e := m.Inverse(s.d1)
	require.NoError(t, e)
	s2i := m.Mul(m.Sub(one, alpha), d1inv)
	s2inv, e := m.Inverse(s2i)
	require.NoError(t, e)

	q, e := c.DecodePoint(q1)
	require.NoError(t, e)
	k2, e := c.RandomScalar(nil)
	require.NoError(t, e)
	rp, e := c.ScalarMult(k2, q)
	require.NoError(t, e)
	ri := m.Add(new(big.Int).SetBytes(digest), rp.X)
	s3i := m.Mul(m.Mul(alpha, k2), s2inv)

	r, e = EncodeScalar(ri)
	require.NoError(t, e)
	s2, e = EncodeScalar(s2i)
	require.NoError(t, e)
	s3, e = EncodeScalar(s3i)
	require.NoError(t, e)
	return r, s2, s3
}

// decrypt returns T2 = d2·T1 - C1.
func (s *testPeer) decrypt(t testing.TB, t1 []byte, c1 Point) []byte {
	t.Helper()
	c := SM2()
	p, e := c.DecodePoint(t1)
	require.NoError(t, e)
	q, e := c.ScalarMult(s.d2, p)
	require.NoError(t, e)
	minusC1, e := c.ScalarMult(c.Order().Sub(big.NewInt(0), big.NewInt(1)), c1)
	require.NoError(t, e)
	t2, e := c.Add(q, minusC1)
	require.NoError(t, e)
	out, e := c.EncodePoint(t2)
	require.NoError(t, e)
	return out
}
