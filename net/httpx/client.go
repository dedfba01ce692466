package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type Logger func(ctx context.Context, msg string, keyAndArgs ...any)
type BeforeRequest func(*http.Client, *http.Request) (e error)
type AfterResponse func(*http.Client, *http.Response) (e error)

type Request interface {
	R() Request
	SetHeader(k, v string) Request
	SetHeaders(headers map[string]string) Request
	SetBearer(token string) Request
	SetBody(v any) Request
	SetJSON(v any) Request
	SetResult(v any) Request
	SetQueryParam(k, v string) Request
	SetQueryParams(qs map[string]string) Request
	Get(ctx context.Context, url string) ([]byte, error)
	Post(ctx context.Context, url string) ([]byte, error)
	Do(ctx context.Context, method string, url string) (buf []byte, e error)
}

// StatusError is returned by Do for responses outside 2xx. Body holds the
// raw response so callers can decode an error envelope from it.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpx: %s %s: unexpected status %d", e.Method, e.URL, e.Code)
}

var ErrBodyFormat = errors.New("bad request. body format error")

type Option func(*client)

func WithTimeout(ts time.Duration) Option {
	return func(c *client) {
		c.c.Timeout = ts
	}
}

func WithTransport(ts http.RoundTripper) Option {
	return func(c *client) {
		c.c.Transport = ts
	}
}

// WithInsecureSkipVerify disables server certificate checks on the default
// transport. It has no effect after WithTransport.
func WithInsecureSkipVerify(skip bool) Option {
	return func(c *client) {
		if !skip {
			return
		}
		tr, ok := c.c.Transport.(*http.Transport)
		if !ok || tr == nil {
			return
		}
		tr = tr.Clone()
		if tr.TLSClientConfig == nil {
			tr.TLSClientConfig = &tls.Config{}
		}
		tr.TLSClientConfig.InsecureSkipVerify = true
		c.c.Transport = tr
	}
}

func WithBaseURL(base string) Option {
	return func(c *client) {
		c.r.base = strings.TrimRight(base, "/")
	}
}

// WithRateLimit bounds outgoing requests to limit per second with the given
// burst. Do waits for a token or for ctx to end.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *client) {
		if limit <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

func WithLogger(log Logger) Option {
	return func(s *client) {
		s.logger = log
	}
}

func WithAfterResponse(fn AfterResponse) Option {
	return func(s *client) {
		s.afterresp = append(s.afterresp, fn)
	}
}

func WithBeforeRequest(fn BeforeRequest) Option {
	return func(s *client) {
		s.beforerequest = append(s.beforerequest, fn)
	}
}

type request struct {
	body   any
	result any
	header http.Header
	qs     url.Values
	base   string
}

type client struct {
	c             *http.Client
	logger        Logger
	limiter       *rate.Limiter
	r             *request
	afterresp     []AfterResponse
	beforerequest []BeforeRequest
}

func New(ops ...Option) *client {
	s := &client{
		c: &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		r: &request{header: http.Header{}, qs: url.Values{}},
	}
	for _, v := range ops {
		v(s)
	}

	return s
}

// R returns a fresh request sharing the client's transport, hooks and limiter.
func (s *client) R() Request {
	var c = &client{
		c:       s.c,
		logger:  s.logger,
		limiter: s.limiter,
		r: &request{
			header: s.r.header.Clone(),
			qs:     cloneValues(s.r.qs),
			base:   s.r.base,
		},
		beforerequest: append([]BeforeRequest{}, s.beforerequest...),
		afterresp:     append([]AfterResponse{}, s.afterresp...),
	}
	return c
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vv := range v {
		out[k] = append([]string(nil), vv...)
	}
	return out
}

func (s *client) SetHeader(k, v string) Request {
	s.r.header.Set(k, v)
	return s
}

func (s *client) log(ctx context.Context, msg string, keyAndArgs ...any) {
	if s.logger == nil {
		return
	}
	s.logger(ctx, msg, keyAndArgs...)
}

func (s *client) SetHeaders(data map[string]string) Request {
	for k, v := range data {
		s.r.header.Set(k, v)
	}
	return s
}

func (s *client) SetBearer(token string) Request {
	s.r.header.Set("Authorization", "Bearer "+token)
	return s
}

func (s *client) SetBody(v any) Request {
	s.r.body = v
	return s
}

func (s *client) SetJSON(v any) Request {
	s.r.header.Set("Content-Type", "application/json")
	s.r.body = v
	return s
}

// SetResult makes Do decode a 2xx JSON response into v.
func (s *client) SetResult(v any) Request {
	s.r.result = v
	return s
}

func (s *client) SetQueryParam(k, v string) Request {
	s.r.qs.Add(k, v)
	return s
}

func (s *client) SetQueryParams(data map[string]string) Request {
	for k, v := range data {
		s.r.qs.Add(k, v)
	}
	return s
}

func (s *client) url(u string) string {
	if s.r.base != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = s.r.base + "/" + strings.TrimLeft(u, "/")
	}
	if len(s.r.qs) == 0 {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + s.r.qs.Encode()
}

func (s *client) request(ctx context.Context, method string, url string) (req *http.Request, e error) {
	url = s.url(url)
	var body io.Reader
	switch vv := s.r.body.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(vv)
	case string:
		body = strings.NewReader(vv)
	case io.Reader:
		body = vv
	default:
		rv := reflect.Indirect(reflect.ValueOf(s.r.body))
		if k := rv.Kind(); k != reflect.Struct && k != reflect.Map {
			e = ErrBodyFormat
			return
		}
		var buf []byte
		if buf, e = json.Marshal(s.r.body); e != nil {
			return
		}
		body = bytes.NewReader(buf)
	}
	if req, e = http.NewRequestWithContext(ctx, method, url, body); e != nil {
		return
	}
	req.Header = s.r.header.Clone()
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	return
}

func (s *client) Do(ctx context.Context, method string, url string) (buf []byte, e error) {
	req, e := s.request(ctx, method, url)
	if e != nil {
		return
	}

	for _, fn := range s.beforerequest {
		if e = fn(s.c, req); e != nil {
			return
		}
	}

	if s.limiter != nil {
		if e = s.limiter.Wait(ctx); e != nil {
			return
		}
	}

	var start = time.Now()
	var resp *http.Response
	defer func() {
		if resp == nil {
			s.log(ctx, "http response", "method", req.Method, "url", req.URL.Redacted(), "error", e, "latency", time.Since(start))
			return
		}
		s.log(ctx, "http response", "method", req.Method, "url", req.URL.Redacted(), "status", resp.StatusCode, "latency", time.Since(start))
	}()

	if resp, e = s.c.Do(req); e != nil {
		return
	}
	defer resp.Body.Close()

	for _, fn := range s.afterresp {
		if e = fn(s.c, resp); e != nil {
			return
		}
	}

	if buf, e = io.ReadAll(resp.Body); e != nil {
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e = &StatusError{Method: req.Method, URL: req.URL.Redacted(), Code: resp.StatusCode, Body: buf}
		return
	}
	if s.r.result != nil && len(bytes.TrimSpace(buf)) > 0 {
		e = json.Unmarshal(buf, s.r.result)
	}
	return
}

func (s *client) Get(ctx context.Context, url string) ([]byte, error) {
	return s.Do(ctx, http.MethodGet, url)
}

func (s *client) Post(ctx context.Context, url string) ([]byte, error) {
	return s.Do(ctx, http.MethodPost, url)
}
