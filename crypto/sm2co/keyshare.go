package sm2co

import (
	"fmt"
	"io"
	"log/slog"
	"math/big"
)

const redacted = "[REDACTED]"

// Share is the client half d1 of a collaborative key. Its value never
// leaves the process through fmt or slog.
type Share struct {
	d *big.Int
}

// GenerateShare draws a fresh d1 from r (crypto/rand when nil).
func GenerateShare(r io.Reader) (*Share, error) {
	d, e := SM2().RandomScalar(r)
	if e != nil {
		return nil, e
	}
	return &Share{d: d}, nil
}

// NewShare restores a share previously exported with Bytes.
func NewShare(b []byte) (*Share, error) {
	d, e := DecodeScalar(b)
	if e != nil {
		return nil, e
	}
	if d.Sign() == 0 || d.Cmp(SM2().Params().N) >= 0 {
		return nil, fmt.Errorf("%w: share out of range", ErrInvalidParam)
	}
	return &Share{d: d}, nil
}

// Bytes exports d1 for caller managed storage.
func (s *Share) Bytes() []byte {
	if s.destroyed() {
		return nil
	}
	b, _ := EncodeScalar(s.d)
	return b
}

// Commit returns P1 = d1·G. A destroyed share commits to the point at infinity.
func (s *Share) Commit() Point {
	if s.destroyed() {
		return Point{}
	}
	p, _ := SM2().ScalarBaseMult(s.d)
	return p
}

// CommitBytes returns the 64 byte encoding of P1.
func (s *Share) CommitBytes() ([]byte, error) {
	if s.destroyed() {
		return nil, fmt.Errorf("%w: share destroyed", ErrInvalidParam)
	}
	return SM2().EncodePoint(s.Commit())
}

// Destroy zeroes the share. Later uses fail with ErrInvalidParam.
func (s *Share) Destroy() {
	if s == nil {
		return
	}
	wipe(s.d)
	s.d = nil
}

func (s *Share) scalar() (*big.Int, error) {
	if s.destroyed() {
		return nil, fmt.Errorf("%w: share destroyed", ErrInvalidParam)
	}
	return s.d, nil
}

func (s *Share) destroyed() bool { return s == nil || s.d == nil }

func (s *Share) String() string             { return redacted }
func (s *Share) GoString() string           { return redacted }
func (s *Share) LogValue() slog.Value       { return slog.StringValue(redacted) }
func (s *Share) Format(f fmt.State, _ rune) { f.Write([]byte(redacted)) }

// Nonce is the single use signing nonce k1 held between SignPrepare and
// CompleteSignature.
type Nonce struct {
	k *big.Int
}

func (s *Nonce) Destroy() {
	if s == nil {
		return
	}
	wipe(s.k)
	s.k = nil
}

// Used reports whether the nonce has already been consumed or destroyed.
func (s *Nonce) Used() bool { return s == nil || s.k == nil }

func (s *Nonce) String() string             { return redacted }
func (s *Nonce) GoString() string           { return redacted }
func (s *Nonce) LogValue() slog.Value       { return slog.StringValue(redacted) }
func (s *Nonce) Format(f fmt.State, _ rune) { f.Write([]byte(redacted)) }

func wipe(v *big.Int) {
	if v == nil {
		return
	}
	w := v.Bits()
	for i := range w {
		w[i] = 0
	}
	v.SetInt64(0)
}
