package cosign

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/opentoys/sm2cosign/crypto/sm2co"
)

const (
	DefaultServerURL = "http://127.0.0.1:8080"
	DefaultTimeout   = 30 * time.Second
)

type Config struct {
	ServerURL string
	Timeout   time.Duration
	VerifyTLS bool
}

func DefaultConfig() Config {
	return Config{
		ServerURL: DefaultServerURL,
		Timeout:   DefaultTimeout,
		VerifyTLS: true,
	}
}

func (c Config) validate() error {
	u, e := url.Parse(c.ServerURL)
	if e != nil {
		return fmt.Errorf("%w: server url: %v", ErrInvalidConfig, e)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%w: server url %q must be http(s)://host", ErrInvalidConfig, c.ServerURL)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	return nil
}

type Option func(*Client)

func WithLogger(log *slog.Logger) Option {
	return func(s *Client) {
		if log != nil {
			s.log = log
		}
	}
}

// WithRateLimit bounds the calls made to the peer.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Client) {
		s.limit, s.burst = limit, burst
	}
}

// WithRetry retries exchanges that failed on the network. Each signing
// attempt draws a new nonce.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(s *Client) {
		s.attempts, s.delay = attempts, delay
	}
}

// WithUID switches the signed digest to SM3(ZA||M) with the given signer id.
// A nil uid selects the default id.
func WithUID(uid []byte) Option {
	return func(s *Client) {
		s.za = true
		s.uid = uid
	}
}

// WithSignatureCheck verifies every combined signature against the
// combined public key before returning it.
func WithSignatureCheck() Option {
	return func(s *Client) {
		s.checkSig = true
	}
}

// WithPlaintextCheck verifies C3 after every collaborative decryption.
func WithPlaintextCheck() Option {
	return func(s *Client) {
		s.checkPlain = true
	}
}

// WithC3Order selects the C3 layout checked by WithPlaintextCheck.
func WithC3Order(o sm2co.C3Order) Option {
	return func(s *Client) {
		s.c3 = o
	}
}

func WithTransport(rt http.RoundTripper) Option {
	return func(s *Client) {
		s.transport = rt
	}
}

// WithRandom replaces crypto/rand as the source for shares and nonces.
func WithRandom(r io.Reader) Option {
	return func(s *Client) {
		s.rand = r
	}
}
