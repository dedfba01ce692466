package logx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// Redacted replaces the value of every attribute whose key is redacted.
const Redacted = "[REDACTED]"

// DefaultRedactKeys are always masked unless replaced with WithRedact.
var DefaultRedactKeys = []string{"password", "token", "d1", "k1"}

type jsonhandler struct {
	Out    io.Writer
	Err    io.Writer
	Option *slog.HandlerOptions
	redact map[string]struct{}
	attrs  []boundAttr
	groups []string
	mu     *sync.Mutex
}

var _ slog.Handler = &jsonhandler{}

type boundAttr struct {
	groups []string
	attr   slog.Attr
}

type Option func(*jsonhandler)

func WithErrorWriter(w io.Writer) Option {
	return func(h *jsonhandler) {
		h.Err = w
	}
}

func WithLevel(level slog.Leveler) Option {
	return func(h *jsonhandler) {
		h.Option.Level = level
	}
}

func WithAddSource(add bool) Option {
	return func(h *jsonhandler) {
		h.Option.AddSource = add
	}
}

func WithReplaceAttr(fn func(groups []string, a slog.Attr) slog.Attr) Option {
	return func(h *jsonhandler) {
		h.Option.ReplaceAttr = fn
	}
}

// WithRedact sets the attribute keys whose values are masked. Keys are
// matched case-insensitively against the last path element.
func WithRedact(keys ...string) Option {
	return func(h *jsonhandler) {
		h.redact = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			h.redact[strings.ToLower(k)] = struct{}{}
		}
	}
}

func New(o io.Writer, opts ...Option) *jsonhandler {
	if o == nil {
		o = io.Discard
	}
	var s jsonhandler
	s.Option = &slog.HandlerOptions{}
	s.Out = o
	s.mu = new(sync.Mutex)
	WithRedact(DefaultRedactKeys...)(&s)
	for _, v := range opts {
		v(&s)
	}
	if s.Err == nil {
		s.Err = s.Out
	}
	return &s
}

// NewLogger wraps New in a *slog.Logger.
func NewLogger(o io.Writer, opts ...Option) *slog.Logger {
	return slog.New(New(o, opts...))
}

func (s *jsonhandler) clone() *jsonhandler {
	return &jsonhandler{
		Out:    s.Out,
		Err:    s.Err,
		Option: s.Option,
		redact: s.redact,
		attrs:  s.attrs[:len(s.attrs):len(s.attrs)],
		groups: s.groups[:len(s.groups):len(s.groups)],
		mu:     s.mu,
	}
}

func (s *jsonhandler) Enabled(ctx context.Context, l slog.Level) bool {
	var lvl slog.Level
	if s.Option.Level != nil {
		lvl = s.Option.Level.Level()
	}
	return l >= lvl
}

func (s *jsonhandler) Handle(ctx context.Context, r slog.Record) (e error) {
	if !s.Enabled(ctx, r.Level) {
		return
	}
	var msg = map[string]any{
		slog.MessageKey: r.Message,
		slog.TimeKey:    r.Time.String(),
		slog.LevelKey:   r.Level.String(),
	}
	if s.Option.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := frames.Next()
		msg[slog.SourceKey] = f.File + ":" + strconv.Itoa(f.Line)
	}

	for _, v := range s.attrs {
		s.put(msg, v.groups, v.attr)
	}
	r.Attrs(func(v slog.Attr) bool {
		s.put(msg, s.groups, v)
		return true
	})

	var w = s.Out
	if r.Level >= slog.LevelError && s.Err != nil {
		w = s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	e = enc.Encode(msg)
	return
}

func (s *jsonhandler) put(dst map[string]any, groups []string, a slog.Attr) {
	if s.Option.ReplaceAttr != nil && a.Value.Kind() != slog.KindGroup {
		a = s.Option.ReplaceAttr(groups, a)
	}
	if a.Equal(slog.Attr{}) {
		return
	}
	if _, ok := s.redact[strings.ToLower(a.Key)]; ok {
		dst[s.key(groups, a.Key)] = Redacted
		return
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		sub := groups
		if a.Key != "" {
			sub = append(groups[:len(groups):len(groups)], a.Key)
		}
		for _, g := range v.Group() {
			s.put(dst, sub, g)
		}
		return
	}
	switch v.Kind() {
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			dst[s.key(groups, a.Key)] = err.Error()
			return
		}
	case slog.KindDuration:
		dst[s.key(groups, a.Key)] = v.Duration().String()
		return
	}
	dst[s.key(groups, a.Key)] = v.Any()
}

func (s *jsonhandler) key(groups []string, k string) string {
	if len(groups) == 0 {
		return k
	}
	return strings.Join(groups, ".") + "." + k
}

func (s *jsonhandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	a := s.clone()
	for _, v := range attrs {
		a.attrs = append(a.attrs, boundAttr{groups: s.groups, attr: v})
	}
	return a
}

func (s *jsonhandler) WithGroup(name string) slog.Handler {
	a := s.clone()
	if name != "" {
		a.groups = append(a.groups, name)
	}
	return a
}
