package sm2co

import (
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/emmansun/gmsm/sm3"
)

// MinCiphertextSize is the length of C1||C3 with an empty C2.
const MinCiphertextSize = UncompressedPointSize + HashSize

// Ciphertext is an SM2 ciphertext in C1||C3||C2 order.
type Ciphertext struct {
	C1 Point
	C3 []byte
	C2 []byte
}

// ParseCiphertext splits b into C1 (65 bytes), C3 (32 bytes) and C2. The
// length is checked before any curve arithmetic.
func ParseCiphertext(b []byte) (*Ciphertext, error) {
	if len(b) < MinCiphertextSize {
		return nil, fmt.Errorf("%w: ciphertext needs at least %d bytes, got %d", ErrInvalidParam, MinCiphertextSize, len(b))
	}
	c1, e := SM2().DecodeUncompressed(b[:UncompressedPointSize])
	if e != nil {
		return nil, fmt.Errorf("c1: %w", e)
	}
	return &Ciphertext{
		C1: c1,
		C3: append([]byte(nil), b[UncompressedPointSize:MinCiphertextSize]...),
		C2: append([]byte(nil), b[MinCiphertextSize:]...),
	}, nil
}

func (s *Ciphertext) Bytes() []byte {
	c1, e := SM2().EncodeUncompressed(s.C1)
	if e != nil {
		return nil
	}
	out := make([]byte, 0, MinCiphertextSize+len(s.C2))
	out = append(out, c1...)
	out = append(out, s.C3...)
	return append(out, s.C2...)
}

// DecryptPrepare computes T1 = d1·C1 for the peer.
func DecryptPrepare(d1 *Share, ciphertext []byte) (t1 []byte, ct *Ciphertext, e error) {
	if ct, e = ParseCiphertext(ciphertext); e != nil {
		return nil, nil, e
	}
	d, e := d1.scalar()
	if e != nil {
		return nil, nil, e
	}
	c := SM2()
	p, e := c.ScalarMult(d, ct.C1)
	if e != nil {
		return nil, nil, e
	}
	if t1, e = c.EncodePoint(p); e != nil {
		return nil, nil, e
	}
	return t1, ct, nil
}

// C3Order selects how the C3 digest lays out its input.
type C3Order int

const (
	// C3XYM hashes x2||y2||M. It is the default.
	C3XYM C3Order = iota
	// C3XMY hashes x2||M||y2 as GB/T 32918.4 does.
	C3XMY
)

func (o C3Order) String() string {
	if o == C3XMY {
		return "xmy"
	}
	return "xym"
}

// ParseC3Order accepts "xym" and "xmy".
func ParseC3Order(s string) (C3Order, error) {
	switch s {
	case "xym", "":
		return C3XYM, nil
	case "xmy":
		return C3XMY, nil
	}
	return C3XYM, fmt.Errorf("%w: unknown C3 order %q", ErrInvalidParam, s)
}

// sum computes C3 from z = x2||y2 and the plaintext.
func (o C3Order) sum(z, msg []byte) []byte {
	md := sm3.New()
	md.Write(z[:ScalarSize])
	if o == C3XMY {
		md.Write(msg)
		md.Write(z[ScalarSize:])
	} else {
		md.Write(z[ScalarSize:])
		md.Write(msg)
	}
	return md.Sum(nil)
}

type cipherOptions struct {
	integrity bool
	order     C3Order
}

// CipherOption tunes Encrypt, Decrypt and CompleteDecryption.
type CipherOption func(*cipherOptions)

func cipherOpts(opts []CipherOption) cipherOptions {
	var o cipherOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithIntegrityCheck makes CompleteDecryption recompute C3 and fail with
// ErrIntegrity on mismatch.
func WithIntegrityCheck() CipherOption {
	return func(o *cipherOptions) { o.integrity = true }
}

// WithC3Order selects the C3 layout. The default is C3XYM.
func WithC3Order(order C3Order) CipherOption {
	return func(o *cipherOptions) { o.order = order }
}

// CompleteDecryption recovers the plaintext from the peer's T2 = (x2, y2).
func CompleteDecryption(t2 []byte, ct *Ciphertext, opts ...CipherOption) ([]byte, error) {
	if ct == nil {
		return nil, fmt.Errorf("%w: nil ciphertext", ErrInvalidParam)
	}
	o := cipherOpts(opts)
	p, e := SM2().DecodePoint(t2)
	if e != nil {
		return nil, fmt.Errorf("t2: %w", e)
	}
	return recoverPlaintext(p, ct, o)
}

func recoverPlaintext(x2y2 Point, ct *Ciphertext, o cipherOptions) ([]byte, error) {
	z := make([]byte, PointSize)
	x2y2.X.FillBytes(z[:ScalarSize])
	x2y2.Y.FillBytes(z[ScalarSize:])
	defer clear(z)

	msg := KDF(z, len(ct.C2))
	if len(msg) > 0 && allZero(msg) {
		return nil, fmt.Errorf("%w: zero keystream", ErrCrypto)
	}
	subtle.XORBytes(msg, msg, ct.C2)

	if o.integrity && subtle.ConstantTimeCompare(o.order.sum(z, msg), ct.C3) != 1 {
		clear(msg)
		return nil, ErrIntegrity
	}
	return msg, nil
}

// decryptWith performs a single party decryption with the full key d. C3
// is always checked.
func decryptWith(d *big.Int, ct *Ciphertext, o cipherOptions) ([]byte, error) {
	p, e := SM2().ScalarMult(d, ct.C1)
	if e != nil {
		return nil, e
	}
	o.integrity = true
	return recoverPlaintext(p, ct, o)
}
