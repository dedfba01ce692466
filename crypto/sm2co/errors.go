package sm2co

import (
	"errors"
	"fmt"
)

var (
	// ErrCrypto covers invalid curve points, out of range scalars and failures
	// of the underlying curve arithmetic.
	ErrCrypto = errors.New("sm2co: crypto error")
	// ErrInvalidPoint is an ErrCrypto raised for points that are not on the curve.
	ErrInvalidPoint = fmt.Errorf("%w: invalid point", ErrCrypto)
	// ErrInvalidEncoding reports a malformed fixed-width buffer.
	ErrInvalidEncoding = errors.New("sm2co: invalid encoding")
	// ErrInvalidParam reports a caller supplied value of the wrong shape,
	// e.g. a ciphertext shorter than C1||C3.
	ErrInvalidParam = errors.New("sm2co: invalid parameter")
	// ErrIntegrity is returned by the optional C3 check of a collaborative decryption.
	ErrIntegrity = errors.New("sm2co: integrity check failed")
)
