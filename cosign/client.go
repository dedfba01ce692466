package cosign

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/opentoys/sm2cosign/crypto/sm2co"
	"github.com/opentoys/sm2cosign/gopool"
	"github.com/opentoys/sm2cosign/logx"
	"github.com/opentoys/sm2cosign/net/httpx"
)

const (
	pathRegister = "/api/register"
	pathLogin    = "/api/login"
	pathLogout   = "/api/logout"
	pathKeyInit  = "/api/key/init"
	pathSign     = "/api/sign"
	pathDecrypt  = "/api/decrypt"
	pathUserInfo = "/api/user/info"
	pathHealth   = "/mapi/health"

	// HeaderRequestID carries a fresh id on every call to the peer.
	HeaderRequestID = "X-Request-Id"
)

var b64 = base64.StdEncoding

// Client drives the two-party protocol against a remote peer. It is safe
// for concurrent use.
type Client struct {
	cfg  Config
	http httpx.Request
	log  *slog.Logger
	rand io.Reader

	limit      rate.Limit
	burst      int
	attempts   uint
	delay      time.Duration
	za         bool
	uid        []byte
	checkSig   bool
	checkPlain bool
	c3         sm2co.C3Order
	transport  http.RoundTripper

	mu      sync.RWMutex
	session *Session
	keys    *KeyPair
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if e := cfg.validate(); e != nil {
		return nil, e
	}
	s := &Client{
		cfg:      cfg,
		log:      logx.NewLogger(io.Discard),
		attempts: 1,
		delay:    200 * time.Millisecond,
	}
	for _, fn := range opts {
		fn(s)
	}
	if s.attempts < 1 {
		s.attempts = 1
	}

	hops := []httpx.Option{
		httpx.WithBaseURL(cfg.ServerURL),
		httpx.WithTimeout(cfg.Timeout),
		httpx.WithLogger(func(ctx context.Context, msg string, kv ...any) {
			s.log.DebugContext(ctx, msg, kv...)
		}),
		httpx.WithBeforeRequest(func(_ *http.Client, r *http.Request) error {
			r.Header.Set(HeaderRequestID, uuid.NewString())
			return nil
		}),
	}
	if s.transport != nil {
		hops = append(hops, httpx.WithTransport(s.transport))
	}
	if !cfg.VerifyTLS {
		hops = append(hops, httpx.WithInsecureSkipVerify(true))
	}
	if s.limit > 0 {
		hops = append(hops, httpx.WithRateLimit(s.limit, s.burst))
	}
	s.http = httpx.New(hops...)
	return s, nil
}

// NewWithServerURL is New with the default config pointed at url.
func NewWithServerURL(url string, opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.ServerURL = url
	return New(cfg, opts...)
}

func (s *Client) Config() Config { return s.cfg }

// call performs one exchange and unwraps the {code, message, data} envelope.
func call[T any](ctx context.Context, s *Client, method, path, token string, body any) (*T, error) {
	var env envelope[T]
	req := s.http.R().SetResult(&env)
	if token != "" {
		req.SetBearer(token)
	}
	if body != nil {
		req.SetJSON(body)
	}
	if _, e := req.Do(ctx, method, path); e != nil {
		var se *httpx.StatusError
		if errors.As(e, &se) && json.Unmarshal(se.Body, &env) == nil && env.Code != 0 {
			return nil, &APIError{Code: env.Code, Message: env.Message}
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, e)
	}
	if env.Code != 0 {
		return nil, &APIError{Code: env.Code, Message: env.Message}
	}
	if env.Data == nil {
		return nil, fmt.Errorf("%w: no data in %s response", ErrInvalidState, path)
	}
	return env.Data, nil
}

// retryable reports whether an exchange may be repeated. Peer verdicts and
// local crypto failures are final.
func retryable(e error) bool {
	var ae *APIError
	if errors.As(e, &ae) {
		return false
	}
	if errors.Is(e, context.Canceled) || errors.Is(e, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(e, ErrNetwork)
}

func withRetry[T any](ctx context.Context, s *Client, op string, fn func() (T, error)) (T, error) {
	return retry.DoWithData(fn,
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, e error) {
			s.log.WarnContext(ctx, "retrying peer call", "op", op, "attempt", n+1, "error", e)
		}),
	)
}

func decodeField(name, v string) ([]byte, error) {
	b, e := b64.DecodeString(v)
	if e != nil {
		return nil, fmt.Errorf("%s: %w: %v", name, sm2co.ErrInvalidEncoding, e)
	}
	return b, nil
}

func (s *Client) currentSession() (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return Session{}, ErrNotAuthenticated
	}
	if s.session.Expired(time.Now()) {
		return Session{}, fmt.Errorf("%w: session expired at %s", ErrNotAuthenticated, s.session.ExpiresAt.Format(time.RFC3339))
	}
	return *s.session, nil
}

func (s *Client) currentKeys() (KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil {
		return KeyPair{}, fmt.Errorf("%w: no key pair available", ErrInvalidState)
	}
	return *s.keys, nil
}

// Register creates a user and a collaborative key. The session is not
// touched; call Login afterwards.
func (s *Client) Register(ctx context.Context, username, password string) (kp *KeyPair, e error) {
	s.log.InfoContext(ctx, "registering user", "username", username)

	d1, e := sm2co.GenerateShare(s.rand)
	if e != nil {
		return
	}
	p1, e := d1.CommitBytes()
	if e != nil {
		return
	}
	data, e := call[registerResponse](ctx, s, http.MethodPost, pathRegister, "", registerRequest{
		Username: username,
		Password: password,
		P1:       b64.EncodeToString(p1),
	})
	if e != nil {
		return
	}
	if kp, e = s.installKey(data.UserID, d1, data.P2, data.PublicKey); e != nil {
		return
	}
	s.log.InfoContext(ctx, "user registered", "user_id", data.UserID)
	return
}

func (s *Client) installKey(userID string, d1 *sm2co.Share, p2, publicKey string) (*KeyPair, error) {
	c := sm2co.SM2()
	raw, e := decodeField("p2", p2)
	if e != nil {
		return nil, e
	}
	if _, e = c.DecodePublicKey(raw); e != nil {
		return nil, fmt.Errorf("p2: %w", e)
	}
	if raw, e = decodeField("publicKey", publicKey); e != nil {
		return nil, e
	}
	pa, e := c.DecodePublicKey(raw)
	if e != nil {
		return nil, fmt.Errorf("publicKey: %w", e)
	}
	kp := &KeyPair{UserID: userID, Share: d1, PublicKey: pa}
	s.mu.Lock()
	s.keys = kp
	s.mu.Unlock()
	out := *kp
	return &out, nil
}

func (s *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	s.log.InfoContext(ctx, "logging in", "username", username)
	data, e := call[loginResponse](ctx, s, http.MethodPost, pathLogin, "", loginRequest{
		Username: username,
		Password: password,
	})
	if e != nil {
		return nil, e
	}
	if data.Token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidState)
	}
	sess := Session{Token: data.Token, UserID: data.UserID, ExpiresAt: expiry(data.ExpiresAt, data.Token)}
	s.mu.Lock()
	s.session = &sess
	s.mu.Unlock()
	s.log.InfoContext(ctx, "logged in", "user_id", sess.UserID)
	out := sess
	return &out, nil
}

// expiry reads the peer's expiresAt (RFC 3339 or unix seconds) and falls
// back to the exp claim of the token.
func expiry(expiresAt, token string) time.Time {
	if expiresAt != "" {
		if t, e := time.Parse(time.RFC3339Nano, expiresAt); e == nil {
			return t
		}
		if sec, e := strconv.ParseInt(expiresAt, 10, 64); e == nil {
			return time.Unix(sec, 0)
		}
	}
	claims := jwt.MapClaims{}
	if _, _, e := jwt.NewParser().ParseUnverified(token, claims); e != nil {
		return time.Time{}
	}
	exp, e := claims.GetExpirationTime()
	if e != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// Logout ends the session. A failing peer call is logged and the local
// session is cleared anyway.
func (s *Client) Logout(ctx context.Context) (e error) {
	sess := s.Session()
	if sess == nil {
		return ErrNotAuthenticated
	}
	if _, e = s.http.R().SetBearer(sess.Token).Post(ctx, pathLogout); e != nil {
		s.log.WarnContext(ctx, "logout request failed, clearing session anyway", "error", e)
	}
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
	s.log.InfoContext(ctx, "logged out")
	return nil
}

// InitKey replaces the key pair of the logged in user with a fresh one.
func (s *Client) InitKey(ctx context.Context) (*KeyPair, error) {
	sess, e := s.currentSession()
	if e != nil {
		return nil, e
	}
	s.log.InfoContext(ctx, "initializing key", "user_id", sess.UserID)

	d1, e := sm2co.GenerateShare(s.rand)
	if e != nil {
		return nil, e
	}
	p1, e := d1.CommitBytes()
	if e != nil {
		return nil, e
	}
	data, e := withRetry(ctx, s, "key_init", func() (*keyInitResponse, error) {
		return call[keyInitResponse](ctx, s, http.MethodPost, pathKeyInit, sess.Token, keyInitRequest{
			UserID: sess.UserID,
			P1:     b64.EncodeToString(p1),
		})
	})
	if e != nil {
		d1.Destroy()
		return nil, e
	}
	return s.installKey(sess.UserID, d1, data.P2, data.PublicKey)
}

// Digest returns the value signed for msg under the client's hash mode.
func (s *Client) Digest(msg []byte) ([]byte, error) {
	if !s.za {
		return sm2co.MessageHash(msg), nil
	}
	kp, e := s.currentKeys()
	if e != nil {
		return nil, e
	}
	return sm2co.MessageHashZA(kp.PublicKey, s.uid, msg)
}

// Sign produces a standard SM2 signature of msg together with the peer.
func (s *Client) Sign(ctx context.Context, msg []byte) (*sm2co.Signature, error) {
	sess, e := s.currentSession()
	if e != nil {
		return nil, e
	}
	kp, e := s.currentKeys()
	if e != nil {
		return nil, e
	}
	digest, e := s.Digest(msg)
	if e != nil {
		return nil, e
	}
	s.log.DebugContext(ctx, "signing message", "size", len(msg))

	sig, e := withRetry(ctx, s, "sign", func() (*sm2co.Signature, error) {
		return s.signOnce(ctx, sess, kp, digest)
	})
	if e != nil {
		return nil, e
	}
	if s.checkSig && !sm2co.Verify(kp.PublicKey, digest, sig) {
		return nil, fmt.Errorf("%w: combined signature does not verify", sm2co.ErrCrypto)
	}
	return sig, nil
}

// SignBatch signs every message with up to workers rounds in flight. Each
// round draws its own nonce; the first failure cancels the rest.
func (s *Client) SignBatch(ctx context.Context, workers int, msgs ...[]byte) ([]*sm2co.Signature, error) {
	return gopool.Map(ctx, workers, msgs, s.Sign)
}

// signOnce runs a single round with its own nonce. The nonce is destroyed
// on every path.
func (s *Client) signOnce(ctx context.Context, sess Session, kp KeyPair, digest []byte) (*sm2co.Signature, error) {
	k1, q1, e := sm2co.SignPrepare(s.rand)
	if e != nil {
		return nil, e
	}
	defer k1.Destroy()

	data, e := call[signResponse](ctx, s, http.MethodPost, pathSign, sess.Token, signRequest{
		UserID: kp.UserID,
		Q1:     b64.EncodeToString(q1),
		E:      b64.EncodeToString(digest),
	})
	if e != nil {
		return nil, e
	}
	r, e := decodeField("r", data.R)
	if e != nil {
		return nil, e
	}
	s2, e := decodeField("s2", data.S2)
	if e != nil {
		return nil, e
	}
	s3, e := decodeField("s3", data.S3)
	if e != nil {
		return nil, e
	}
	return sm2co.CompleteSignature(k1, kp.Share, r, s2, s3)
}

// Decrypt recovers the plaintext of an SM2 C1||C3||C2 ciphertext together
// with the peer.
func (s *Client) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	sess, e := s.currentSession()
	if e != nil {
		return nil, e
	}
	kp, e := s.currentKeys()
	if e != nil {
		return nil, e
	}
	s.log.DebugContext(ctx, "decrypting", "size", len(ciphertext))

	t1, ct, e := sm2co.DecryptPrepare(kp.Share, ciphertext)
	if e != nil {
		return nil, e
	}
	data, e := withRetry(ctx, s, "decrypt", func() (*decryptResponse, error) {
		return call[decryptResponse](ctx, s, http.MethodPost, pathDecrypt, sess.Token, decryptRequest{
			UserID: kp.UserID,
			T1:     b64.EncodeToString(t1),
		})
	})
	if e != nil {
		return nil, e
	}
	t2, e := decodeField("t2", data.T2)
	if e != nil {
		return nil, e
	}
	opts := []sm2co.CipherOption{sm2co.WithC3Order(s.c3)}
	if s.checkPlain {
		opts = append(opts, sm2co.WithIntegrityCheck())
	}
	return sm2co.CompleteDecryption(t2, ct, opts...)
}

func (s *Client) UserInfo(ctx context.Context) (*UserInfo, error) {
	sess, e := s.currentSession()
	if e != nil {
		return nil, e
	}
	return withRetry(ctx, s, "user_info", func() (*UserInfo, error) {
		return call[UserInfo](ctx, s, http.MethodGet, pathUserInfo, sess.Token, nil)
	})
}

// Health reports whether the peer answers its health endpoint with 2xx.
func (s *Client) Health(ctx context.Context) (bool, error) {
	_, e := s.http.R().Get(ctx, pathHealth)
	var se *httpx.StatusError
	switch {
	case errors.As(e, &se):
		return false, nil
	case e != nil:
		return false, fmt.Errorf("%w: %w", ErrNetwork, e)
	}
	return true, nil
}

// Session returns a copy of the current session, or nil.
func (s *Client) Session() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil
	}
	out := *s.session
	return &out
}

// SetSession restores a session obtained earlier. The expiry is taken from
// the token when it carries one.
func (s *Client) SetSession(token, userID string) {
	sess := &Session{Token: token, UserID: userID, ExpiresAt: expiry("", token)}
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
}

// KeyPair returns a copy of the current key pair, or nil.
func (s *Client) KeyPair() *KeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil {
		return nil
	}
	out := *s.keys
	return &out
}

// SetKeyPair restores a key pair from an exported d1 and the 64 or 65 byte
// combined public key.
func (s *Client) SetKeyPair(d1, publicKey []byte, userID string) error {
	share, e := sm2co.NewShare(d1)
	if e != nil {
		return e
	}
	pa, e := sm2co.SM2().DecodePublicKey(publicKey)
	if e != nil {
		return e
	}
	s.mu.Lock()
	s.keys = &KeyPair{UserID: userID, Share: share, PublicKey: pa}
	s.mu.Unlock()
	return nil
}
