package sm2co

import (
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/emmansun/gmsm/sm2"
)

const (
	// ScalarSize is the width of an encoded scalar.
	ScalarSize = 32
	// PointSize is the width of an encoded x||y point.
	PointSize = 2 * ScalarSize
	// UncompressedPointSize is the width of a 0x04||x||y point.
	UncompressedPointSize = 1 + PointSize

	uncompressed byte = 0x04

	maxSampleAttempts = 64
)

var randReader io.Reader = rand.Reader

// Point is an affine curve point. The zero value and (0, 0) stand for the
// point at infinity.
type Point struct {
	X, Y *big.Int
}

// IsInfinity reports whether p is the identity element.
func (p Point) IsInfinity() bool {
	return (p.X == nil || p.X.Sign() == 0) && (p.Y == nil || p.Y.Sign() == 0)
}

// Affine returns copies of the affine coordinates of p.
func (p Point) Affine() (x, y *big.Int) {
	if p.IsInfinity() {
		return new(big.Int), new(big.Int)
	}
	return new(big.Int).Set(p.X), new(big.Int).Set(p.Y)
}

func (p Point) Equal(q Point) bool {
	if p.IsInfinity() || q.IsInfinity() {
		return p.IsInfinity() == q.IsInfinity()
	}
	return p.X.Cmp(q.X) == 0 && p.Y.Cmp(q.Y) == 0
}

// Curve is the SM2 recommended curve together with its group order.
// It is immutable and safe for concurrent use.
type Curve struct {
	ec     elliptic.Curve
	params *elliptic.CurveParams
	order  *Modulus
}

var (
	sm2Once  sync.Once
	sm2Curve *Curve
)

// SM2 returns the shared curve context.
func SM2() *Curve {
	sm2Once.Do(func() {
		ec := sm2.P256()
		sm2Curve = &Curve{ec: ec, params: ec.Params(), order: NewModulus(ec.Params().N)}
	})
	return sm2Curve
}

func (s *Curve) Params() *elliptic.CurveParams { return s.params }

// Order is the arithmetic modulo the group order n.
func (s *Curve) Order() *Modulus { return s.order }

func (s *Curve) Generator() Point {
	return Point{X: new(big.Int).Set(s.params.Gx), Y: new(big.Int).Set(s.params.Gy)}
}

// RandomScalar draws a uniform scalar in [1, n-1] from r, or from
// crypto/rand when r is nil.
func (s *Curve) RandomScalar(r io.Reader) (k *big.Int, e error) {
	if r == nil {
		r = randReader
	}
	var buf [ScalarSize]byte
	defer clear(buf[:])
	for range maxSampleAttempts {
		if _, e = io.ReadFull(r, buf[:]); e != nil {
			return nil, fmt.Errorf("%w: read random: %v", ErrCrypto, e)
		}
		k = new(big.Int).SetBytes(buf[:])
		if k.Sign() > 0 && k.Cmp(s.params.N) < 0 {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: random source keeps producing out of range scalars", ErrCrypto)
}

// IsOnCurve reports whether p is a finite point of the curve.
func (s *Curve) IsOnCurve(p Point) bool {
	if p.IsInfinity() || p.X.Sign() < 0 || p.Y.Sign() < 0 {
		return false
	}
	if p.X.Cmp(s.params.P) >= 0 || p.Y.Cmp(s.params.P) >= 0 {
		return false
	}
	return s.ec.IsOnCurve(p.X, p.Y)
}

func (s *Curve) ScalarBaseMult(k *big.Int) (Point, error) {
	kb, e := s.scalarBytes(k)
	if e != nil {
		return Point{}, e
	}
	x, y := s.ec.ScalarBaseMult(kb)
	return Point{X: x, Y: y}, nil
}

// ScalarMult computes k·p. p must be a finite curve point.
func (s *Curve) ScalarMult(k *big.Int, p Point) (Point, error) {
	if !s.IsOnCurve(p) {
		return Point{}, ErrInvalidPoint
	}
	kb, e := s.scalarBytes(k)
	if e != nil {
		return Point{}, e
	}
	x, y := s.ec.ScalarMult(p.X, p.Y, kb)
	return Point{X: x, Y: y}, nil
}

// Add computes p+q. Either operand may be the point at infinity.
func (s *Curve) Add(p, q Point) (Point, error) {
	if !p.IsInfinity() && !s.IsOnCurve(p) || !q.IsInfinity() && !s.IsOnCurve(q) {
		return Point{}, ErrInvalidPoint
	}
	switch {
	case p.IsInfinity():
		x, y := q.Affine()
		return Point{X: x, Y: y}, nil
	case q.IsInfinity():
		x, y := p.Affine()
		return Point{X: x, Y: y}, nil
	}
	x, y := s.ec.Add(p.X, p.Y, q.X, q.Y)
	return Point{X: x, Y: y}, nil
}

func (s *Curve) Double(p Point) (Point, error) {
	if p.IsInfinity() {
		return Point{X: new(big.Int), Y: new(big.Int)}, nil
	}
	if !s.IsOnCurve(p) {
		return Point{}, ErrInvalidPoint
	}
	x, y := s.ec.Double(p.X, p.Y)
	return Point{X: x, Y: y}, nil
}

// scalarBytes reduces k modulo n and returns its fixed width encoding.
func (s *Curve) scalarBytes(k *big.Int) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("%w: nil scalar", ErrInvalidParam)
	}
	return s.order.Reduce(k).FillBytes(make([]byte, ScalarSize)), nil
}

// EncodePoint returns the 64 byte x||y form of p.
func (s *Curve) EncodePoint(p Point) ([]byte, error) {
	if !s.IsOnCurve(p) {
		return nil, ErrInvalidPoint
	}
	buf := make([]byte, PointSize)
	p.X.FillBytes(buf[:ScalarSize])
	p.Y.FillBytes(buf[ScalarSize:])
	return buf, nil
}

// DecodePoint parses the 64 byte x||y form and checks the curve equation.
func (s *Curve) DecodePoint(b []byte) (Point, error) {
	if len(b) != PointSize {
		return Point{}, fmt.Errorf("%w: point must be %d bytes, got %d", ErrInvalidEncoding, PointSize, len(b))
	}
	p := Point{
		X: new(big.Int).SetBytes(b[:ScalarSize]),
		Y: new(big.Int).SetBytes(b[ScalarSize:]),
	}
	if !s.IsOnCurve(p) {
		return Point{}, fmt.Errorf("%w: %w", ErrInvalidEncoding, ErrInvalidPoint)
	}
	return p, nil
}

func (s *Curve) EncodeUncompressed(p Point) ([]byte, error) {
	xy, e := s.EncodePoint(p)
	if e != nil {
		return nil, e
	}
	return append([]byte{uncompressed}, xy...), nil
}

func (s *Curve) DecodeUncompressed(b []byte) (Point, error) {
	if len(b) != UncompressedPointSize {
		return Point{}, fmt.Errorf("%w: point must be %d bytes, got %d", ErrInvalidEncoding, UncompressedPointSize, len(b))
	}
	if b[0] != uncompressed {
		return Point{}, fmt.Errorf("%w: unsupported point prefix 0x%02x", ErrInvalidEncoding, b[0])
	}
	return s.DecodePoint(b[1:])
}

// DecodePublicKey accepts both the 64 byte and the 65 byte point forms.
func (s *Curve) DecodePublicKey(b []byte) (Point, error) {
	if len(b) == UncompressedPointSize {
		return s.DecodeUncompressed(b)
	}
	return s.DecodePoint(b)
}

// EncodeScalar returns k as 32 big-endian bytes.
func EncodeScalar(k *big.Int) ([]byte, error) {
	if k == nil || k.Sign() < 0 || k.BitLen() > 8*ScalarSize {
		return nil, fmt.Errorf("%w: scalar out of range", ErrInvalidEncoding)
	}
	return k.FillBytes(make([]byte, ScalarSize)), nil
}

func DecodeScalar(b []byte) (*big.Int, error) {
	if len(b) != ScalarSize {
		return nil, fmt.Errorf("%w: scalar must be %d bytes, got %d", ErrInvalidEncoding, ScalarSize, len(b))
	}
	return new(big.Int).SetBytes(b), nil
}
