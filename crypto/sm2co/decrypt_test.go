package sm2co

import (
	"bytes"
	"crypto/subtle"
	"math/big"
	"testing"

	"github.com/emmansun/gmsm/sm2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollaborativeDecryption(t *testing.T) {
	peer, d1 := newTestPeer(t)
	pa := peer.publicKey(t, d1.Commit())

	ct, e := Encrypt(nil, pa, []byte("hello world"))
	require.NoError(t, e)

	t1, parsed, e := DecryptPrepare(d1, ct)
	require.NoError(t, e)
	require.Len(t, t1, PointSize)
	assert.Equal(t, ct, parsed.Bytes())

	t2 := peer.decrypt(t, t1, parsed.C1)
	msg, e := CompleteDecryption(t2, parsed, WithIntegrityCheck())
	require.NoError(t, e)
	assert.Equal(t, "hello world", string(msg))

	msg, e = CompleteDecryption(t2, parsed)
	require.NoError(t, e)
	assert.Equal(t, "hello world", string(msg))
}

func TestCompleteDecryptionIntegrity(t *testing.T) {
	peer, d1 := newTestPeer(t)
	pa := peer.publicKey(t, d1.Commit())
	plain := bytes.Repeat([]byte("0123456789abcdef"), 5)

	ct, e := Encrypt(nil, pa, plain)
	require.NoError(t, e)
	t1, parsed, e := DecryptPrepare(d1, ct)
	require.NoError(t, e)
	t2 := peer.decrypt(t, t1, parsed.C1)

	parsed.C3[0] ^= 0xff
	_, e = CompleteDecryption(t2, parsed, WithIntegrityCheck())
	assert.ErrorIs(t, e, ErrIntegrity)

	// without the check a bad C3 goes unnoticed
	msg, e := CompleteDecryption(t2, parsed)
	require.NoError(t, e)
	assert.Equal(t, plain, msg)

	parsed.C3[0] ^= 0xff
	parsed.C2[3] ^= 0x01
	_, e = CompleteDecryption(t2, parsed, WithIntegrityCheck())
	assert.ErrorIs(t, e, ErrIntegrity)
}

// xymCiphertext builds C1||C3||C2 by hand with C3 = SM3(x2||y2||M).
func xymCiphertext(t *testing.T, pub Point, k *big.Int, msg []byte) []byte {
	t.Helper()
	c := SM2()
	c1, e := c.ScalarBaseMult(k)
	require.NoError(t, e)
	p, e := c.ScalarMult(k, pub)
	require.NoError(t, e)
	z, e := c.EncodePoint(p)
	require.NoError(t, e)

	c2 := KDF(z, len(msg))
	subtle.XORBytes(c2, c2, msg)
	c3 := Hash(append(bytes.Clone(z), msg...))

	out, e := c.EncodeUncompressed(c1)
	require.NoError(t, e)
	out = append(out, c3[:]...)
	return append(out, c2...)
}

func TestC3Order(t *testing.T) {
	peer, d1 := newTestPeer(t)
	pa := peer.publicKey(t, d1.Commit())
	ct := xymCiphertext(t, pa, big.NewInt(0x5eed), []byte("hello world"))

	t1, parsed, e := DecryptPrepare(d1, ct)
	require.NoError(t, e)
	t2 := peer.decrypt(t, t1, parsed.C1)
	msg, e := CompleteDecryption(t2, parsed, WithIntegrityCheck())
	require.NoError(t, e)
	assert.Equal(t, "hello world", string(msg))
	_, e = CompleteDecryption(t2, parsed, WithIntegrityCheck(), WithC3Order(C3XMY))
	assert.ErrorIs(t, e, ErrIntegrity)

	d := d1.Commit()
	ct = xymCiphertext(t, d, big.NewInt(0x5eed), []byte("hello world"))
	msg, ok, e := Decrypt(d1, ct)
	require.NoError(t, e)
	assert.True(t, ok)
	assert.Equal(t, "hello world", string(msg))
	_, ok, e = Decrypt(d1, ct, WithC3Order(C3XMY))
	require.NoError(t, e)
	assert.False(t, ok)

	gb, e := Encrypt(nil, d, []byte("hello world"), WithC3Order(C3XMY))
	require.NoError(t, e)
	_, ok, e = Decrypt(d1, gb)
	require.NoError(t, e)
	assert.False(t, ok)
	msg, ok, e = Decrypt(d1, gb, WithC3Order(C3XMY))
	require.NoError(t, e)
	assert.True(t, ok)
	assert.Equal(t, "hello world", string(msg))

	priv, e := sm2.NewPrivateKeyFromInt(new(big.Int).Set(d1.d))
	require.NoError(t, e)
	msg, e = sm2.Decrypt(priv, gb)
	require.NoError(t, e)
	assert.Equal(t, "hello world", string(msg))

	ours, e := Encrypt(nil, d, []byte("hello world"))
	require.NoError(t, e)
	_, e = sm2.Decrypt(priv, ours)
	assert.Error(t, e)

	for _, name := range []string{"xym", "xmy"} {
		o, e := ParseC3Order(name)
		require.NoError(t, e)
		assert.Equal(t, name, o.String())
	}
	_, e = ParseC3Order("yxm")
	assert.ErrorIs(t, e, ErrInvalidParam)
}

func TestDecryptPrepareRejects(t *testing.T) {
	assert := assert.New(t)
	d1, e := GenerateShare(nil)
	require.NoError(t, e)
	ct, e := Encrypt(nil, d1.Commit(), []byte("x"))
	require.NoError(t, e)

	_, _, e = DecryptPrepare(d1, ct[:MinCiphertextSize-1])
	assert.ErrorIs(e, ErrInvalidParam)
	_, _, e = DecryptPrepare(d1, nil)
	assert.ErrorIs(e, ErrInvalidParam)

	badPrefix := bytes.Clone(ct)
	badPrefix[0] = 0x02
	_, _, e = DecryptPrepare(d1, badPrefix)
	assert.ErrorIs(e, ErrInvalidEncoding)

	offCurve := bytes.Clone(ct)
	offCurve[UncompressedPointSize-1] ^= 0x01
	_, _, e = DecryptPrepare(d1, offCurve)
	assert.ErrorIs(e, ErrInvalidEncoding)

	// C1||C3 with an empty C2 is well formed
	t1, parsed, e := DecryptPrepare(d1, ct[:MinCiphertextSize])
	require.NoError(t, e)
	assert.Len(t1, PointSize)
	assert.Empty(parsed.C2)
}

func TestCompleteDecryptionRejectsT2(t *testing.T) {
	d1, e := GenerateShare(nil)
	require.NoError(t, e)
	ct, e := Encrypt(nil, d1.Commit(), []byte("payload"))
	require.NoError(t, e)
	_, parsed, e := DecryptPrepare(d1, ct)
	require.NoError(t, e)

	_, e = CompleteDecryption(make([]byte, PointSize), parsed)
	assert.ErrorIs(t, e, ErrInvalidEncoding)
	_, e = CompleteDecryption(make([]byte, 10), parsed)
	assert.ErrorIs(t, e, ErrInvalidEncoding)
	_, e = CompleteDecryption(mustHex(t, hex2G), nil)
	assert.ErrorIs(t, e, ErrInvalidParam)
}

func TestStandaloneEncryption(t *testing.T) {
	assert := assert.New(t)
	d, e := GenerateShare(nil)
	require.NoError(t, e)
	pub := d.Commit()

	ct, e := Encrypt(nil, pub, []byte("hello world"))
	require.NoError(t, e)
	assert.Len(ct, MinCiphertextSize+len("hello world"))

	msg, ok, e := Decrypt(d, ct)
	require.NoError(t, e)
	assert.True(ok)
	assert.Equal("hello world", string(msg))

	tampered := bytes.Clone(ct)
	tampered[len(tampered)-1] ^= 0x01
	msg, ok, e = Decrypt(d, tampered)
	assert.NoError(e)
	assert.False(ok)
	assert.Nil(msg)

	_, ok, e = Decrypt(d, ct[:MinCiphertextSize-1])
	assert.NoError(e)
	assert.False(ok)

	badPrefix := bytes.Clone(ct)
	badPrefix[0] = 0x03
	_, ok, e = Decrypt(d, badPrefix)
	assert.NoError(e)
	assert.False(ok)

	offCurve := bytes.Clone(ct)
	offCurve[1] ^= 0x01
	_, ok, e = Decrypt(d, offCurve)
	assert.ErrorIs(e, ErrInvalidEncoding)
	assert.False(ok)

	other, e := GenerateShare(nil)
	require.NoError(t, e)
	_, ok, e = Decrypt(other, ct)
	assert.NoError(e)
	assert.False(ok)

	_, e = Encrypt(nil, pub, nil)
	assert.ErrorIs(e, ErrInvalidParam)
	_, e = Encrypt(nil, Point{}, []byte("x"))
	assert.ErrorIs(e, ErrInvalidPoint)
}

func TestStandaloneSignature(t *testing.T) {
	d, e := GenerateShare(nil)
	require.NoError(t, e)
	msg := []byte("standalone")

	sig, e := Sign(nil, d, msg)
	require.NoError(t, e)
	assert.True(t, VerifyMessage(d.Commit(), msg, sig))
	assert.False(t, VerifyMessage(d.Commit(), []byte("other"), sig))

	other, e := GenerateShare(nil)
	require.NoError(t, e)
	assert.False(t, VerifyMessage(other.Commit(), msg, sig))
	assert.False(t, Verify(d.Commit(), MessageHash(msg), nil))
}
