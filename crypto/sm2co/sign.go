package sm2co

import (
	"crypto/ecdsa"
	"fmt"
	"io"
	"math/big"

	"github.com/emmansun/gmsm/sm2"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// SignatureSize is the width of the raw r||s form.
const SignatureSize = 2 * ScalarSize

// Signature is a standard SM2 signature.
type Signature struct {
	R, S [ScalarSize]byte
}

// NewSignature builds a signature from integer components in [0, 2^256).
func NewSignature(r, s *big.Int) (*Signature, error) {
	rb, e := EncodeScalar(r)
	if e != nil {
		return nil, e
	}
	sb, e := EncodeScalar(s)
	if e != nil {
		return nil, e
	}
	sig := new(Signature)
	copy(sig.R[:], rb)
	copy(sig.S[:], sb)
	return sig, nil
}

// Bytes returns r||s.
func (s *Signature) Bytes() []byte {
	out := make([]byte, 0, SignatureSize)
	out = append(out, s.R[:]...)
	return append(out, s.S[:]...)
}

func (s *Signature) Ints() (r, ss *big.Int) {
	return new(big.Int).SetBytes(s.R[:]), new(big.Int).SetBytes(s.S[:])
}

// MarshalASN1 returns the DER SEQUENCE { r INTEGER, s INTEGER } form.
func (s *Signature) MarshalASN1() ([]byte, error) {
	r, ss := s.Ints()
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(ss)
	})
	return b.Bytes()
}

// ParseSignature accepts the raw 64 byte form or DER.
func ParseSignature(b []byte) (*Signature, error) {
	if len(b) == SignatureSize {
		sig := new(Signature)
		copy(sig.R[:], b[:ScalarSize])
		copy(sig.S[:], b[ScalarSize:])
		return sig, nil
	}
	var (
		inner cryptobyte.String
		r     = new(big.Int)
		s     = new(big.Int)
	)
	input := cryptobyte.String(b)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, fmt.Errorf("%w: malformed signature", ErrInvalidEncoding)
	}
	return NewSignature(r, s)
}

// SignPrepare draws the nonce k1 and returns it with the 64 byte Q1 = k1·G.
func SignPrepare(r io.Reader) (k1 *Nonce, q1 []byte, e error) {
	c := SM2()
	k, e := c.RandomScalar(r)
	if e != nil {
		return nil, nil, e
	}
	p, e := c.ScalarBaseMult(k)
	if e == nil {
		q1, e = c.EncodePoint(p)
	}
	if e != nil {
		wipe(k)
		return nil, nil, e
	}
	return &Nonce{k: k}, q1, nil
}

// MessageHash returns e = SM3(msg), the digest the peer signs.
func MessageHash(msg []byte) []byte {
	sum := Hash(msg)
	return sum[:]
}

// MessageHashZA returns the standard SM3(ZA||msg) digest bound to the
// combined public key pa and the signer id uid. A nil uid selects the
// default id 1234567812345678.
func MessageHashZA(pa Point, uid, msg []byte) ([]byte, error) {
	pub, e := publicKey(pa)
	if e != nil {
		return nil, e
	}
	h, e := sm2.CalculateSM2Hash(pub, msg, uid)
	if e != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, e)
	}
	return h, nil
}

// CombineSignature evaluates s = ((k1·s3 - r·d1) mod n)·s2 mod n.
func CombineSignature(m *Modulus, k1, d1, r, s2, s3 *big.Int) *big.Int {
	s1 := m.Sub(m.Mul(k1, s3), m.Mul(r, d1))
	return m.Mul(s1, s2)
}

// CompleteSignature combines the peer's partial signature (r, s2, s3) with
// the local k1 and d1. k1 is destroyed whether or not the call succeeds.
func CompleteSignature(k1 *Nonce, d1 *Share, r, s2, s3 []byte) (sig *Signature, e error) {
	if k1.Used() {
		return nil, fmt.Errorf("%w: nonce already used", ErrInvalidParam)
	}
	defer k1.Destroy()

	d, e := d1.scalar()
	if e != nil {
		return nil, e
	}
	ri, e := DecodeScalar(r)
	if e != nil {
		return nil, fmt.Errorf("r: %w", e)
	}
	s2i, e := DecodeScalar(s2)
	if e != nil {
		return nil, fmt.Errorf("s2: %w", e)
	}
	s3i, e := DecodeScalar(s3)
	if e != nil {
		return nil, fmt.Errorf("s3: %w", e)
	}
	s := CombineSignature(SM2().Order(), k1.k, d, ri, s2i, s3i)
	return NewSignature(ri, s)
}

// Verify checks sig against the digest e under the combined key pa.
func Verify(pa Point, e []byte, sig *Signature) bool {
	if sig == nil {
		return false
	}
	pub, err := publicKey(pa)
	if err != nil {
		return false
	}
	r, s := sig.Ints()
	return sm2.Verify(pub, e, r, s)
}

func publicKey(p Point) (*ecdsa.PublicKey, error) {
	c := SM2()
	if !c.IsOnCurve(p) {
		return nil, ErrInvalidPoint
	}
	return &ecdsa.PublicKey{Curve: c.ec, X: p.X, Y: p.Y}, nil
}
