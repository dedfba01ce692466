package cosign

import (
	"time"

	"github.com/opentoys/sm2cosign/crypto/sm2co"
)

type Session struct {
	Token  string
	UserID string
	// ExpiresAt is zero when neither the peer nor the token carry an expiry.
	ExpiresAt time.Time
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// KeyPair is the client's view of a collaborative key.
type KeyPair struct {
	UserID    string
	Share     *sm2co.Share
	PublicKey sm2co.Point
}

// PublicKeyBytes returns the 64 byte encoding of Pa.
func (s KeyPair) PublicKeyBytes() []byte {
	b, _ := sm2co.SM2().EncodePoint(s.PublicKey)
	return b
}

type UserInfo struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
	Status    int32  `json:"status"`
	CreatedAt string `json:"createdAt"`
}

type envelope[T any] struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
	Data    *T     `json:"data"`
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	P1       string `json:"p1"`
}

type registerResponse struct {
	UserID    string `json:"userId"`
	P2        string `json:"p2"`
	PublicKey string `json:"publicKey"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	ExpiresAt string `json:"expiresAt"`
}

type keyInitRequest struct {
	UserID string `json:"user_id"`
	P1     string `json:"p1"`
}

type keyInitResponse struct {
	P2        string `json:"p2"`
	PublicKey string `json:"publicKey"`
}

type signRequest struct {
	UserID string `json:"user_id"`
	Q1     string `json:"q1"`
	E      string `json:"e"`
}

type signResponse struct {
	R  string `json:"r"`
	S2 string `json:"s2"`
	S3 string `json:"s3"`
}

type decryptRequest struct {
	UserID string `json:"user_id"`
	T1     string `json:"t1"`
}

type decryptResponse struct {
	T2 string `json:"t2"`
}
