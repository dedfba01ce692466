package sm2co

import (
	"fmt"
	"math/big"
)

// Modulus performs arithmetic modulo a fixed positive integer. Every result
// is reduced into [0, n).
type Modulus struct {
	n *big.Int
}

// NewModulus panics if n < 2.
func NewModulus(n *big.Int) *Modulus {
	if n == nil || n.Cmp(big.NewInt(2)) < 0 {
		panic("sm2co: modulus must be at least 2")
	}
	return &Modulus{n: new(big.Int).Set(n)}
}

func (s *Modulus) N() *big.Int { return new(big.Int).Set(s.n) }

// Reduce returns a mod n. Negative inputs are mapped into [0, n).
func (s *Modulus) Reduce(a *big.Int) *big.Int {
	return new(big.Int).Mod(a, s.n)
}

func (s *Modulus) Add(a, b *big.Int) *big.Int {
	r := new(big.Int).Add(s.Reduce(a), s.Reduce(b))
	if r.Cmp(s.n) >= 0 {
		r.Sub(r, s.n)
	}
	return r
}

// Sub returns (a - b) mod n. When a < b the modulus is added before the
// subtraction so the intermediate value never goes negative.
func (s *Modulus) Sub(a, b *big.Int) *big.Int {
	x, y := s.Reduce(a), s.Reduce(b)
	if x.Cmp(y) < 0 {
		x.Add(x, s.n)
	}
	return s.Reduce(x.Sub(x, y))
}

func (s *Modulus) Mul(a, b *big.Int) *big.Int {
	return s.Reduce(new(big.Int).Mul(a, b))
}

// Inverse returns a^-1 mod n.
func (s *Modulus) Inverse(a *big.Int) (*big.Int, error) {
	r := new(big.Int).ModInverse(s.Reduce(a), s.n)
	if r == nil {
		return nil, fmt.Errorf("%w: scalar is not invertible", ErrCrypto)
	}
	return r, nil
}
