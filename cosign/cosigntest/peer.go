// Package cosigntest provides an in-process peer that speaks the co-signing
// HTTP protocol, for tests of clients and tools.
package cosigntest

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/opentoys/sm2cosign/crypto/sm2co"
)

// Envelope codes returned by the peer.
const (
	CodeOK           = 0
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeConflict     = 409
	CodeNoShare      = 4601
)

var b64 = base64.StdEncoding

type user struct {
	id       string
	name     string
	password string
	d1       *big.Int
	d2       *big.Int
	pa       sm2co.Point
	created  time.Time
}

// Peer holds the second share d2 of every registered user. The combined key
// is Pa = d1·d2·G, so T2 = d2·T1 = d·C1 during decryption.
//
// Signing needs the client's d1, which a real peer never sees; tests hand it
// over with Reveal.
type Peer struct {
	URL string

	srv    *httptest.Server
	secret []byte

	mu        sync.Mutex
	ttl       time.Duration
	omitExpAt bool
	users     map[string]*user
	names     map[string]string
	calls     map[string]int
	failures  map[string]int
	nonces    map[string]struct{}
	reqIDs    []string
}

// NewServer starts a peer on a loopback listener.
func NewServer() *Peer {
	p := &Peer{
		ttl:      time.Hour,
		secret:   []byte(uuid.NewString()),
		users:    make(map[string]*user),
		names:    make(map[string]string),
		calls:    make(map[string]int),
		failures: make(map[string]int),
		nonces:   make(map[string]struct{}),
	}
	p.srv = httptest.NewServer(p.Handler())
	p.URL = p.srv.URL
	return p
}

func (p *Peer) Close() { p.srv.Close() }

func (p *Peer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(p.track)
	r.Get("/mapi/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/register", p.register)
	r.Post("/api/login", p.login)
	r.Group(func(r chi.Router) {
		r.Use(p.auth)
		r.Post("/api/logout", func(w http.ResponseWriter, _ *http.Request) {
			reply(w, http.StatusOK, CodeOK, "ok", struct{}{})
		})
		r.Post("/api/key/init", p.keyInit)
		r.Post("/api/sign", p.sign)
		r.Post("/api/decrypt", p.decrypt)
		r.Get("/api/user/info", p.userInfo)
	})
	return r
}

// SetTokenTTL sets the lifetime of tokens issued from now on.
func (p *Peer) SetTokenTTL(d time.Duration) {
	p.mu.Lock()
	p.ttl = d
	p.mu.Unlock()
}

// OmitExpiresAt leaves expiresAt out of login responses so clients have to
// read the token's exp claim.
func (p *Peer) OmitExpiresAt(omit bool) {
	p.mu.Lock()
	p.omitExpAt = omit
	p.mu.Unlock()
}

// Reveal gives the peer the client's d1 so it can answer signing rounds.
func (p *Peer) Reveal(userID string, d1 *sm2co.Share) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.users[userID]; ok {
		u.d1 = new(big.Int).SetBytes(d1.Bytes())
	}
}

// FailNext makes the next n calls to path answer 503.
func (p *Peer) FailNext(path string, n int) {
	p.mu.Lock()
	p.failures[path] = n
	p.mu.Unlock()
}

// Calls counts the requests received on path, including failed ones.
func (p *Peer) Calls(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[path]
}

// Nonces is the number of distinct Q1 values received.
func (p *Peer) Nonces() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nonces)
}

func (p *Peer) RequestIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.reqIDs...)
}

// PublicKey returns the combined key of a registered user.
func (p *Peer) PublicKey(userID string) (sm2co.Point, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return sm2co.Point{}, false
	}
	return u.pa, true
}

func (p *Peer) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.calls[r.URL.Path]++
		p.reqIDs = append(p.reqIDs, r.Header.Get("X-Request-Id"))
		fail := p.failures[r.URL.Path] > 0
		if fail {
			p.failures[r.URL.Path]--
		}
		p.mu.Unlock()
		if fail {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ctxKey struct{}

func contextWithUser(r *http.Request, id string) context.Context {
	return context.WithValue(r.Context(), ctxKey{}, id)
}

func userFromContext(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (p *Peer) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			reply(w, http.StatusUnauthorized, CodeUnauthorized, "missing token", nil)
			return
		}
		tok, e := jwt.Parse(raw, func(*jwt.Token) (any, error) { return p.secret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if e != nil {
			reply(w, http.StatusUnauthorized, CodeUnauthorized, "invalid token", nil)
			return
		}
		sub, e := tok.Claims.GetSubject()
		if e != nil || sub == "" {
			reply(w, http.StatusUnauthorized, CodeUnauthorized, "invalid subject", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithUser(r, sub)))
	})
}

func reply(w http.ResponseWriter, status, code int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": msg, "data": data})
}

func bind(w http.ResponseWriter, r *http.Request, v any) bool {
	if e := json.NewDecoder(r.Body).Decode(v); e != nil {
		reply(w, http.StatusOK, CodeBadRequest, "bad json: "+e.Error(), nil)
		return false
	}
	return true
}

func (p *Peer) owner(w http.ResponseWriter, r *http.Request, userID string) *user {
	sub := userFromContext(r)
	if userID != sub {
		reply(w, http.StatusOK, CodeForbidden, "user mismatch", nil)
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[sub]
	if !ok {
		reply(w, http.StatusOK, CodeForbidden, "unknown user", nil)
		return nil
	}
	return u
}

func decodePoint(w http.ResponseWriter, name, v string) (sm2co.Point, bool) {
	raw, e := b64.DecodeString(v)
	if e == nil {
		var pt sm2co.Point
		if pt, e = sm2co.SM2().DecodePublicKey(raw); e == nil {
			return pt, true
		}
	}
	reply(w, http.StatusOK, CodeBadRequest, fmt.Sprintf("bad %s: %v", name, e), nil)
	return sm2co.Point{}, false
}

func encodePoint(pt sm2co.Point) string {
	b, _ := sm2co.SM2().EncodePoint(pt)
	return b64.EncodeToString(b)
}

func encodeScalar(k *big.Int) string {
	b, _ := sm2co.EncodeScalar(k)
	return b64.EncodeToString(b)
}

// share draws d2 and derives P2 = d2·G and Pa = d2·P1.
func share(p1 sm2co.Point) (d2 *big.Int, p2, pa sm2co.Point, e error) {
	c := sm2co.SM2()
	if d2, e = c.RandomScalar(rand.Reader); e != nil {
		return
	}
	if p2, e = c.ScalarBaseMult(d2); e != nil {
		return
	}
	pa, e = c.ScalarMult(d2, p1)
	return
}

func (p *Peer) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		P1       string `json:"p1"`
	}
	if !bind(w, r, &req) {
		return
	}
	p1, ok := decodePoint(w, "p1", req.P1)
	if !ok {
		return
	}
	d2, p2, pa, e := share(p1)
	if e != nil {
		reply(w, http.StatusInternalServerError, 500, e.Error(), nil)
		return
	}

	p.mu.Lock()
	if _, dup := p.names[req.Username]; dup {
		p.mu.Unlock()
		reply(w, http.StatusOK, CodeConflict, "username taken", nil)
		return
	}
	u := &user{id: uuid.NewString(), name: req.Username, password: req.Password, d2: d2, pa: pa, created: time.Now()}
	p.users[u.id] = u
	p.names[u.name] = u.id
	p.mu.Unlock()

	reply(w, http.StatusOK, CodeOK, "ok", map[string]string{
		"userId":    u.id,
		"p2":        encodePoint(p2),
		"publicKey": encodePoint(pa),
	})
}

func (p *Peer) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !bind(w, r, &req) {
		return
	}
	p.mu.Lock()
	id, ok := p.names[req.Username]
	if ok {
		ok = p.users[id].password == req.Password
	}
	ttl, omit := p.ttl, p.omitExpAt
	p.mu.Unlock()
	if !ok {
		reply(w, http.StatusOK, CodeUnauthorized, "invalid username or password", nil)
		return
	}

	exp := time.Now().Add(ttl).Truncate(time.Second)
	token, e := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": id,
		"exp": exp.Unix(),
	}).SignedString(p.secret)
	if e != nil {
		reply(w, http.StatusInternalServerError, 500, e.Error(), nil)
		return
	}
	data := map[string]string{"token": token, "userId": id}
	if !omit {
		data["expiresAt"] = exp.UTC().Format(time.RFC3339)
	}
	reply(w, http.StatusOK, CodeOK, "ok", data)
}

func (p *Peer) keyInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		P1     string `json:"p1"`
	}
	if !bind(w, r, &req) {
		return
	}
	u := p.owner(w, r, req.UserID)
	if u == nil {
		return
	}
	p1, ok := decodePoint(w, "p1", req.P1)
	if !ok {
		return
	}
	d2, p2, pa, e := share(p1)
	if e != nil {
		reply(w, http.StatusInternalServerError, 500, e.Error(), nil)
		return
	}
	p.mu.Lock()
	u.d1, u.d2, u.pa = nil, d2, pa
	p.mu.Unlock()
	reply(w, http.StatusOK, CodeOK, "ok", map[string]string{
		"p2":        encodePoint(p2),
		"publicKey": encodePoint(pa),
	})
}

// sign answers with (r, s2, s3) such that s2·(k1·s3 - r·d1) equals the
// standard signature α·(k + r) - r with α = (1+d)^-1 and k = k1·k2.
func (p *Peer) sign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Q1     string `json:"q1"`
		E      string `json:"e"`
	}
	if !bind(w, r, &req) {
		return
	}
	u := p.owner(w, r, req.UserID)
	if u == nil {
		return
	}
	q1, ok := decodePoint(w, "q1", req.Q1)
	if !ok {
		return
	}
	digest, e := b64.DecodeString(req.E)
	if e != nil || len(digest) != sm2co.HashSize {
		reply(w, http.StatusOK, CodeBadRequest, "bad e", nil)
		return
	}

	p.mu.Lock()
	p.nonces[req.Q1] = struct{}{}
	d1, d2 := u.d1, u.d2
	p.mu.Unlock()
	if d1 == nil {
		reply(w, http.StatusOK, CodeNoShare, "client share not revealed", nil)
		return
	}

	c := sm2co.SM2()
	m := c.Order()
	one := big.NewInt(1)
	alpha, e := m.Inverse(m.Add(one, m.Mul(d1, d2)))
	if e != nil {
		reply(w, http.StatusInternalServerError, 500, e.Error(), nil)
		return
	}
	d1inv, _ := m.Inverse(d1)
	s2 := m.Mul(m.Sub(one, alpha), d1inv)
	s2inv, e := m.Inverse(s2)
	if e != nil {
		reply(w, http.StatusInternalServerError, 500, e.Error(), nil)
		return
	}
	var rr, s3 *big.Int
	for {
		k2, e := c.RandomScalar(rand.Reader)
		if e != nil {
			reply(w, http.StatusInternalServerError, 500, e.Error(), nil)
			return
		}
		pt, _ := c.ScalarMult(k2, q1)
		if pt.IsInfinity() {
			continue
		}
		rr = m.Add(new(big.Int).SetBytes(digest), pt.X)
		if rr.Sign() == 0 {
			continue
		}
		s3 = m.Mul(m.Mul(alpha, k2), s2inv)
		break
	}
	reply(w, http.StatusOK, CodeOK, "ok", map[string]string{
		"r":  encodeScalar(rr),
		"s2": encodeScalar(s2),
		"s3": encodeScalar(s3),
	})
}

func (p *Peer) decrypt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		T1     string `json:"t1"`
	}
	if !bind(w, r, &req) {
		return
	}
	u := p.owner(w, r, req.UserID)
	if u == nil {
		return
	}
	t1, ok := decodePoint(w, "t1", req.T1)
	if !ok {
		return
	}
	p.mu.Lock()
	d2 := u.d2
	p.mu.Unlock()
	t2, e := sm2co.SM2().ScalarMult(d2, t1)
	if e != nil {
		reply(w, http.StatusOK, CodeBadRequest, e.Error(), nil)
		return
	}
	reply(w, http.StatusOK, CodeOK, "ok", map[string]string{"t2": encodePoint(t2)})
}

func (p *Peer) userInfo(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	u, ok := p.users[userFromContext(r)]
	var info map[string]any
	if ok {
		info = map[string]any{
			"id":        u.id,
			"username":  u.name,
			"publicKey": encodePoint(u.pa),
			"status":    1,
			"createdAt": u.created.UTC().Format(time.RFC3339),
		}
	}
	p.mu.Unlock()
	if !ok {
		reply(w, http.StatusOK, CodeForbidden, "unknown user", nil)
		return
	}
	reply(w, http.StatusOK, CodeOK, "ok", info)
}
