package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/opentoys/sm2cosign/cosign"
	"github.com/opentoys/sm2cosign/crypto/sm2co"
	"github.com/opentoys/sm2cosign/logx"
	"github.com/opentoys/sm2cosign/runtimes"
)

const envPrefix = "SM2COSIGN_"

var (
	errUsage     = errors.New("usage")
	errMissing   = errors.New("missing flag")
	errUnhealthy = errors.New("peer is not healthy")
	errBadSig    = errors.New("signature does not verify")
)

// options is filled from defaults, then SM2COSIGN_* variables, then flags.
type options struct {
	Server    string  `json:"server"`
	Timeout   string  `json:"timeout"`
	VerifyTLS bool    `json:"verify-tls,string"`
	LogLevel  string  `json:"log-level"`
	Retry     uint    `json:"retry,string"`
	Rate      float64 `json:"rate,string"`
	Check     bool    `json:"check,string"`
	C3        string  `json:"c3"`

	Username  string `json:"username"`
	Password  string `json:"password"`
	Token     string `json:"token"`
	UserID    string `json:"user-id"`
	D1        string `json:"d1"`
	PublicKey string `json:"public-key"`
	ZA        bool   `json:"za,string"`
	UID       string `json:"uid"`

	Msg string `json:"msg"`
	In  string `json:"in"`
	CT  string `json:"ct"`
	Sig string `json:"sig"`
	DER bool   `json:"der,string"`

	timeout time.Duration
	level   slog.Level
	c3      sm2co.C3Order
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server":     cosign.DefaultServerURL,
		"timeout":    cosign.DefaultTimeout.String(),
		"verify-tls": "true",
		"log-level":  "warn",
		"retry":      "1",
		"rate":       "0",
		"check":      "false",
		"c3":         "xym",
		"za":         "false",
		"der":        "false",
	}
}

func parseOptions(args, environ []string) (*options, error) {
	data := runtimes.Merge(defaults(), runtimes.ParseEnvs(environ, envPrefix))
	data = runtimes.Merge(data, runtimes.ParseArgs(args))
	if rest := runtimes.Positional(data); len(rest) > 0 {
		return nil, fmt.Errorf("%w: unexpected argument %q", errUsage, rest[0])
	}
	delete(data, "")

	var o options
	if e := runtimes.JSON.Copy(&o, data); e != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, e)
	}
	var e error
	if o.timeout, e = time.ParseDuration(o.Timeout); e != nil {
		return nil, fmt.Errorf("%w: timeout: %v", errUsage, e)
	}
	if e = o.level.UnmarshalText([]byte(o.LogLevel)); e != nil {
		return nil, fmt.Errorf("%w: log-level: %v", errUsage, e)
	}
	if o.c3, e = sm2co.ParseC3Order(o.C3); e != nil {
		return nil, fmt.Errorf("%w: c3: %v", errUsage, e)
	}
	return &o, nil
}

type app struct {
	opts *options
	out  io.Writer
	log  *slog.Logger
}

type command struct {
	usage string
	run   func(ctx context.Context, s *app) error
}

var commands = map[string]command{
	"health":   {"", health},
	"register": {"-username U -password P", register},
	"login":    {"-username U -password P", login},
	"logout":   {"-token T -user-id ID", logout},
	"init-key": {"-token T -user-id ID", initKey},
	"info":     {"-token T -user-id ID", info},
	"sign":     {"-token T -user-id ID -d1 HEX -public-key HEX (-msg TEXT | -in FILE) [-za | -uid ID] [-der]", sign},
	"decrypt":  {"-token T -user-id ID -d1 HEX -public-key HEX (-ct HEX | -in FILE)", decrypt},
	"encrypt":  {"-public-key HEX (-msg TEXT | -in FILE)", encrypt},
	"verify":   {"-public-key HEX -sig HEX (-msg TEXT | -in FILE) [-za | -uid ID]", verify},
}

func usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for k := range commands {
		names = append(names, k)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "usage: sm2cosign <command> [flags]")
	for _, k := range names {
		fmt.Fprintf(w, "  %-9s %s\n", k, commands[k].usage)
	}
	fmt.Fprintln(w, "common: -server URL -timeout 30s -verify-tls=false -log-level debug -retry N -rate R -check -c3 xym|xmy")
}

func run(ctx context.Context, args, environ []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		usage(stderr)
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "sm2cosign: unknown command %q\n", args[0])
		usage(stderr)
		return 2
	}
	opts, e := parseOptions(args[1:], environ)
	if e != nil {
		fmt.Fprintln(stderr, "sm2cosign:", e)
		return 2
	}

	s := &app{
		opts: opts,
		out:  stdout,
		log:  logx.NewLogger(stderr, logx.WithLevel(opts.level)),
	}
	if e = cmd.run(ctx, s); e != nil {
		s.log.DebugContext(ctx, "command failed", "command", args[0], "error", e)
		fmt.Fprintf(stderr, "sm2cosign %s: %v\n", args[0], e)
		if errors.Is(e, errMissing) {
			return 2
		}
		return 1
	}
	return 0
}

func (s *app) client() (*cosign.Client, error) {
	cfg := cosign.DefaultConfig()
	cfg.ServerURL = s.opts.Server
	cfg.Timeout = s.opts.timeout
	cfg.VerifyTLS = s.opts.VerifyTLS

	opts := []cosign.Option{
		cosign.WithLogger(s.log),
		cosign.WithRetry(s.opts.Retry, 200*time.Millisecond),
		cosign.WithC3Order(s.opts.c3),
	}
	if s.opts.Rate > 0 {
		opts = append(opts, cosign.WithRateLimit(rate.Limit(s.opts.Rate), 1))
	}
	if s.opts.Check {
		opts = append(opts, cosign.WithSignatureCheck(), cosign.WithPlaintextCheck())
	}
	if uid := s.uid(); uid != nil || s.opts.ZA {
		opts = append(opts, cosign.WithUID(uid))
	}
	return cosign.New(cfg, opts...)
}

func (s *app) uid() []byte {
	if s.opts.UID == "" {
		return nil
	}
	return []byte(s.opts.UID)
}

func need(flags ...string) func(vals ...string) error {
	return func(vals ...string) error {
		for i, v := range vals {
			if v == "" {
				return fmt.Errorf("%w -%s", errMissing, flags[i])
			}
		}
		return nil
	}
}

// session returns a client holding the session given on the command line,
// and the key pair too when withKeys is set.
func (s *app) session(withKeys bool) (*cosign.Client, error) {
	if e := need("token", "user-id")(s.opts.Token, s.opts.UserID); e != nil {
		return nil, e
	}
	c, e := s.client()
	if e != nil {
		return nil, e
	}
	c.SetSession(s.opts.Token, s.opts.UserID)
	if !withKeys {
		return c, nil
	}
	if e = need("d1", "public-key")(s.opts.D1, s.opts.PublicKey); e != nil {
		return nil, e
	}
	d1, e := hex.DecodeString(s.opts.D1)
	if e != nil {
		return nil, fmt.Errorf("d1: %w", e)
	}
	defer clear(d1)
	pa, e := hex.DecodeString(s.opts.PublicKey)
	if e != nil {
		return nil, fmt.Errorf("public-key: %w", e)
	}
	if e = c.SetKeyPair(d1, pa, s.opts.UserID); e != nil {
		return nil, e
	}
	return c, nil
}

func (s *app) message() ([]byte, error) {
	switch {
	case s.opts.In != "":
		return runtimes.ReadInput(s.opts.In)
	case s.opts.Msg != "":
		return []byte(s.opts.Msg), nil
	}
	return nil, fmt.Errorf("%w -msg or -in", errMissing)
}

func (s *app) publicKey() (sm2co.Point, error) {
	if e := need("public-key")(s.opts.PublicKey); e != nil {
		return sm2co.Point{}, e
	}
	b, e := hex.DecodeString(s.opts.PublicKey)
	if e != nil {
		return sm2co.Point{}, fmt.Errorf("public-key: %w", e)
	}
	return sm2co.SM2().DecodePublicKey(b)
}

func (s *app) print(v interface{}) error {
	_, e := fmt.Fprintln(s.out, runtimes.JSON.Stringify(v))
	return e
}

type keyOutput struct {
	UserID    string `json:"user_id"`
	D1        string `json:"d1"`
	PublicKey string `json:"public_key"`
}

func (s *app) printKey(kp *cosign.KeyPair) error {
	defer kp.Share.Destroy()
	return s.print(keyOutput{
		UserID:    kp.UserID,
		D1:        hex.EncodeToString(kp.Share.Bytes()),
		PublicKey: hex.EncodeToString(kp.PublicKeyBytes()),
	})
}

func health(ctx context.Context, s *app) error {
	c, e := s.client()
	if e != nil {
		return e
	}
	ok, e := c.Health(ctx)
	if e != nil {
		return e
	}
	if !ok {
		return errUnhealthy
	}
	_, e = fmt.Fprintln(s.out, "ok")
	return e
}

func register(ctx context.Context, s *app) error {
	if e := need("username", "password")(s.opts.Username, s.opts.Password); e != nil {
		return e
	}
	c, e := s.client()
	if e != nil {
		return e
	}
	kp, e := c.Register(ctx, s.opts.Username, s.opts.Password)
	if e != nil {
		return e
	}
	return s.printKey(kp)
}

func login(ctx context.Context, s *app) error {
	if e := need("username", "password")(s.opts.Username, s.opts.Password); e != nil {
		return e
	}
	c, e := s.client()
	if e != nil {
		return e
	}
	sess, e := c.Login(ctx, s.opts.Username, s.opts.Password)
	if e != nil {
		return e
	}
	out := map[string]string{"token": sess.Token, "user_id": sess.UserID}
	if !sess.ExpiresAt.IsZero() {
		out["expires_at"] = sess.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return s.print(out)
}

func logout(ctx context.Context, s *app) error {
	c, e := s.session(false)
	if e != nil {
		return e
	}
	return c.Logout(ctx)
}

func initKey(ctx context.Context, s *app) error {
	c, e := s.session(false)
	if e != nil {
		return e
	}
	kp, e := c.InitKey(ctx)
	if e != nil {
		return e
	}
	return s.printKey(kp)
}

func info(ctx context.Context, s *app) error {
	c, e := s.session(false)
	if e != nil {
		return e
	}
	u, e := c.UserInfo(ctx)
	if e != nil {
		return e
	}
	return s.print(u)
}

func sign(ctx context.Context, s *app) error {
	msg, e := s.message()
	if e != nil {
		return e
	}
	c, e := s.session(true)
	if e != nil {
		return e
	}
	defer c.KeyPair().Share.Destroy()
	sig, e := c.Sign(ctx, msg)
	if e != nil {
		return e
	}
	out := sig.Bytes()
	if s.opts.DER {
		if out, e = sig.MarshalASN1(); e != nil {
			return e
		}
	}
	_, e = fmt.Fprintln(s.out, hex.EncodeToString(out))
	return e
}

func decrypt(ctx context.Context, s *app) (e error) {
	var ct []byte
	switch {
	case s.opts.CT != "":
		if ct, e = hex.DecodeString(s.opts.CT); e != nil {
			return fmt.Errorf("ct: %w", e)
		}
	case s.opts.In != "":
		if ct, e = runtimes.ReadInput(s.opts.In); e != nil {
			return e
		}
	default:
		return fmt.Errorf("%w -ct or -in", errMissing)
	}
	c, e := s.session(true)
	if e != nil {
		return e
	}
	defer c.KeyPair().Share.Destroy()
	msg, e := c.Decrypt(ctx, ct)
	if e != nil {
		return e
	}
	_, e = s.out.Write(msg)
	return e
}

func encrypt(_ context.Context, s *app) error {
	pa, e := s.publicKey()
	if e != nil {
		return e
	}
	msg, e := s.message()
	if e != nil {
		return e
	}
	ct, e := sm2co.Encrypt(nil, pa, msg, sm2co.WithC3Order(s.opts.c3))
	if e != nil {
		return e
	}
	_, e = fmt.Fprintln(s.out, hex.EncodeToString(ct))
	return e
}

func verify(_ context.Context, s *app) error {
	pa, e := s.publicKey()
	if e != nil {
		return e
	}
	if e = need("sig")(s.opts.Sig); e != nil {
		return e
	}
	msg, e := s.message()
	if e != nil {
		return e
	}
	raw, e := hex.DecodeString(s.opts.Sig)
	if e != nil {
		return fmt.Errorf("sig: %w", e)
	}
	sig, e := sm2co.ParseSignature(raw)
	if e != nil {
		return e
	}
	digest := sm2co.MessageHash(msg)
	if s.opts.ZA || s.opts.UID != "" {
		if digest, e = sm2co.MessageHashZA(pa, s.uid(), msg); e != nil {
			return e
		}
	}
	if !sm2co.Verify(pa, digest, sig) {
		return errBadSig
	}
	_, e = fmt.Fprintln(s.out, "valid")
	return e
}
