package sm2co

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/emmansun/gmsm/sm2"
)

// Encrypt produces a C1||C3||C2 ciphertext of msg under pub. C3 follows
// the order chosen with WithC3Order.
func Encrypt(r io.Reader, pub Point, msg []byte, opts ...CipherOption) ([]byte, error) {
	if len(msg) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidParam)
	}
	key, e := publicKey(pub)
	if e != nil {
		return nil, e
	}
	if r == nil {
		r = randReader
	}
	o := cipherOpts(opts)
	if o.order == C3XMY {
		ct, e := sm2.Encrypt(r, key, msg, nil)
		if e != nil {
			return nil, fmt.Errorf("%w: %v", ErrCrypto, e)
		}
		return ct, nil
	}

	c := SM2()
	for range maxSampleAttempts {
		k, e := c.RandomScalar(r)
		if e != nil {
			return nil, e
		}
		c1, e := c.ScalarBaseMult(k)
		if e != nil {
			return nil, e
		}
		x2y2, e := c.ScalarMult(k, pub)
		wipe(k)
		if e != nil {
			return nil, e
		}
		z, e := c.EncodePoint(x2y2)
		if e != nil {
			return nil, e
		}
		c2 := KDF(z, len(msg))
		if allZero(c2) {
			clear(z)
			continue
		}
		subtle.XORBytes(c2, c2, msg)
		c3 := o.order.sum(z, msg)
		clear(z)

		out, e := c.EncodeUncompressed(c1)
		if e != nil {
			return nil, e
		}
		out = append(out, c3...)
		return append(out, c2...), nil
	}
	return nil, fmt.Errorf("%w: keystream stays zero", ErrCrypto)
}

// Decrypt is the single party decryption with d used as the whole key.
// ok is false when the input is not a well formed ciphertext for d, which
// includes a failing C3 check. Invalid C1 coordinates are reported as errors.
func Decrypt(d *Share, ciphertext []byte, opts ...CipherOption) (msg []byte, ok bool, e error) {
	if len(ciphertext) < MinCiphertextSize || ciphertext[0] != uncompressed {
		return nil, false, nil
	}
	k, e := d.scalar()
	if e != nil {
		return nil, false, e
	}
	ct, e := ParseCiphertext(ciphertext)
	if e != nil {
		return nil, false, e
	}
	msg, e = decryptWith(k, ct, cipherOpts(opts))
	switch {
	case errors.Is(e, ErrIntegrity):
		return nil, false, nil
	case e != nil:
		return nil, false, e
	}
	return msg, true, nil
}

// Sign produces a single party signature over MessageHash(msg).
func Sign(r io.Reader, d *Share, msg []byte) (*Signature, error) {
	k, e := d.scalar()
	if e != nil {
		return nil, e
	}
	priv, e := sm2.NewPrivateKeyFromInt(k)
	if e != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParam, e)
	}
	if r == nil {
		r = randReader
	}
	rr, ss, e := sm2.Sign(r, &priv.PrivateKey, MessageHash(msg))
	if e != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, e)
	}
	return NewSignature(rr, ss)
}

// VerifyMessage checks sig over MessageHash(msg) under pub.
func VerifyMessage(pub Point, msg []byte, sig *Signature) bool {
	return Verify(pub, MessageHash(msg), sig)
}
