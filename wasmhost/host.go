// Package wasmhost exposes the collaborative SM2 engine to WebAssembly
// guests as host functions. Every function takes i32 pointers and lengths
// into the guest's exported memory and returns an i32 status.
package wasmhost

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/opentoys/sm2cosign/crypto/sm2co"
	"github.com/opentoys/sm2cosign/logx"
)

// ModuleName is the import module guests link against.
const ModuleName = "sm2cosign"

// MaxNonces bounds the nonce handles a guest may hold at once.
const MaxNonces = 1024

const (
	StatusOK       int32 = 0
	StatusMemory   int32 = -1
	StatusParam    int32 = -2
	StatusCrypto   int32 = -3
	StatusEncoding int32 = -5
)

var errMemory = errors.New("wasmhost: guest memory out of range")

// Status maps an engine error to its status code.
func Status(e error) int32 {
	switch {
	case e == nil:
		return StatusOK
	case errors.Is(e, errMemory):
		return StatusMemory
	case errors.Is(e, sm2co.ErrInvalidParam):
		return StatusParam
	case errors.Is(e, sm2co.ErrInvalidEncoding):
		return StatusEncoding
	default:
		return StatusCrypto
	}
}

type Option func(*host)

func WithLogger(log *slog.Logger) Option {
	return func(h *host) {
		h.log = log
	}
}

// WithMaxNonces overrides MaxNonces.
func WithMaxNonces(n int) Option {
	return func(h *host) {
		h.limit = n
	}
}

func WithRandom(r io.Reader) Option {
	return func(h *host) {
		h.rand = r
	}
}

type host struct {
	log  *slog.Logger
	rand io.Reader

	mu     sync.Mutex
	limit  int
	next   uint32
	nonces map[uint32]*sm2co.Nonce
}

type function struct {
	name   string
	params int
	fn     func(h *host, m api.Memory, args []uint32) error
}

// Instantiate registers the host module in r. Nonces handed out by
// sign_prepare live in the returned module's host state until consumed or
// released.
func Instantiate(ctx context.Context, r wazero.Runtime, opts ...Option) (api.Module, error) {
	h := &host{
		log:    logx.NewLogger(io.Discard),
		rand:   rand.Reader,
		limit:  MaxNonces,
		nonces: make(map[uint32]*sm2co.Nonce),
	}
	for _, fn := range opts {
		fn(h)
	}

	b := r.NewHostModuleBuilder(ModuleName)
	for _, f := range functions {
		b.NewFunctionBuilder().
			WithGoModuleFunction(h.wrap(f), i32s(f.params), i32s(1)).
			WithName(f.name).
			Export(f.name)
	}
	return b.Instantiate(ctx)
}

func i32s(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = api.ValueTypeI32
	}
	return out
}

func (h *host) wrap(f function) api.GoModuleFunction {
	return api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		args := make([]uint32, f.params)
		for i := range args {
			args[i] = api.DecodeU32(stack[i])
		}
		var e error
		if mem := mod.Memory(); mem == nil {
			e = errMemory
		} else {
			e = f.fn(h, mem, args)
		}
		st := Status(e)
		if e != nil {
			h.log.DebugContext(ctx, "host call failed", "fn", f.name, "status", st, "error", e)
		}
		stack[0] = api.EncodeI32(st)
	})
}

func read(m api.Memory, ptr, n uint32) ([]byte, error) {
	b, ok := m.Read(ptr, n)
	if !ok {
		return nil, errMemory
	}
	return append([]byte(nil), b...), nil
}

func write(m api.Memory, ptr uint32, b []byte) error {
	if !m.Write(ptr, b) {
		return errMemory
	}
	return nil
}

func readShare(m api.Memory, ptr uint32) (*sm2co.Share, error) {
	b, e := read(m, ptr, sm2co.ScalarSize)
	if e != nil {
		return nil, e
	}
	defer clear(b)
	return sm2co.NewShare(b)
}

func (h *host) store(k *sm2co.Nonce) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.nonces) >= h.limit {
		return 0, fmt.Errorf("%w: %d nonces outstanding", sm2co.ErrInvalidParam, len(h.nonces))
	}
	for {
		h.next++
		if _, used := h.nonces[h.next]; h.next != 0 && !used {
			h.nonces[h.next] = k
			return h.next, nil
		}
	}
}

func (h *host) take(handle uint32) (*sm2co.Nonce, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k, ok := h.nonces[handle]
	if !ok {
		return nil, sm2co.ErrInvalidParam
	}
	delete(h.nonces, handle)
	return k, nil
}

var functions = []function{
	{"cosign_generate_d1", 1, generateD1},
	{"cosign_calculate_p1", 3, calculateP1},
	{"cosign_sign_prepare", 2, signPrepare},
	{"cosign_release_nonce", 1, releaseNonce},
	{"cosign_hash_message", 3, hashMessage},
	{"cosign_complete_signature", 6, completeSignature},
	{"cosign_decrypt_prepare", 4, decryptPrepare},
	{"cosign_complete_decryption", 5, completeDecryption},
	{"cosign_sm3_hash", 3, sm3Hash},
	{"sm2_encrypt", 5, encrypt},
	{"sm2_decrypt", 5, decrypt},
	{"sm2_sign", 4, sign},
	{"sm2_verify", 6, verify},
}

// generate_d1(out) writes 32 bytes.
func generateD1(h *host, m api.Memory, a []uint32) error {
	d1, e := sm2co.GenerateShare(h.rand)
	if e != nil {
		return e
	}
	defer d1.Destroy()
	return write(m, a[0], d1.Bytes())
}

// calculate_p1(d1, d1_len, out) writes 64 bytes.
func calculateP1(_ *host, m api.Memory, a []uint32) error {
	b, e := read(m, a[0], a[1])
	if e != nil {
		return e
	}
	d1, e := sm2co.NewShare(b)
	clear(b)
	if e != nil {
		return e
	}
	defer d1.Destroy()
	p1, e := d1.CommitBytes()
	if e != nil {
		return e
	}
	return write(m, a[2], p1)
}

// sign_prepare(out_handle, out_q1) writes a u32 nonce handle and 64 bytes.
// It fails with StatusParam while the guest holds MaxNonces handles.
func signPrepare(h *host, m api.Memory, a []uint32) error {
	k1, q1, e := sm2co.SignPrepare(h.rand)
	if e != nil {
		return e
	}
	if e = write(m, a[1], q1); e != nil {
		k1.Destroy()
		return e
	}
	handle, e := h.store(k1)
	if e != nil {
		k1.Destroy()
		return e
	}
	if !m.WriteUint32Le(a[0], handle) {
		if k, _ := h.take(handle); k != nil {
			k.Destroy()
		}
		return errMemory
	}
	return nil
}

// release_nonce(handle) drops a nonce that will not be completed.
func releaseNonce(h *host, _ api.Memory, a []uint32) error {
	k, e := h.take(a[0])
	if e != nil {
		return e
	}
	k.Destroy()
	return nil
}

// hash_message(msg, len, out) writes 32 bytes.
func hashMessage(_ *host, m api.Memory, a []uint32) error {
	msg, e := read(m, a[0], a[1])
	if e != nil {
		return e
	}
	return write(m, a[2], sm2co.MessageHash(msg))
}

// complete_signature(handle, d1, r, s2, s3, out) writes r||s. The handle is
// consumed even when the call fails.
func completeSignature(h *host, m api.Memory, a []uint32) error {
	k1, e := h.take(a[0])
	if e != nil {
		return e
	}
	defer k1.Destroy()
	d1, e := readShare(m, a[1])
	if e != nil {
		return e
	}
	defer d1.Destroy()
	var parts [3][]byte
	for i := range parts {
		if parts[i], e = read(m, a[2+i], sm2co.ScalarSize); e != nil {
			return e
		}
	}
	sig, e := sm2co.CompleteSignature(k1, d1, parts[0], parts[1], parts[2])
	if e != nil {
		return e
	}
	return write(m, a[5], sig.Bytes())
}

// decrypt_prepare(d1, ct, ct_len, out) writes 64 bytes of T1.
func decryptPrepare(_ *host, m api.Memory, a []uint32) error {
	d1, e := readShare(m, a[0])
	if e != nil {
		return e
	}
	defer d1.Destroy()
	ct, e := read(m, a[1], a[2])
	if e != nil {
		return e
	}
	t1, _, e := sm2co.DecryptPrepare(d1, ct)
	if e != nil {
		return e
	}
	return write(m, a[3], t1)
}

// complete_decryption(t2, ct, ct_len, out, verify) writes ct_len-97 bytes.
// A verify of 1 checks C3 = SM3(x2||y2||M), 2 checks SM3(x2||M||y2).
func completeDecryption(_ *host, m api.Memory, a []uint32) error {
	t2, e := read(m, a[0], sm2co.PointSize)
	if e != nil {
		return e
	}
	raw, e := read(m, a[1], a[2])
	if e != nil {
		return e
	}
	ct, e := sm2co.ParseCiphertext(raw)
	if e != nil {
		return e
	}
	var opts []sm2co.CipherOption
	switch a[4] {
	case 0:
	case 2:
		opts = append(opts, sm2co.WithIntegrityCheck(), sm2co.WithC3Order(sm2co.C3XMY))
	default:
		opts = append(opts, sm2co.WithIntegrityCheck())
	}
	msg, e := sm2co.CompleteDecryption(t2, ct, opts...)
	if e != nil {
		return e
	}
	return write(m, a[3], msg)
}

// sm3_hash(data, len, out) writes 32 bytes.
func sm3Hash(_ *host, m api.Memory, a []uint32) error {
	data, e := read(m, a[0], a[1])
	if e != nil {
		return e
	}
	sum := sm2co.Hash(data)
	return write(m, a[2], sum[:])
}

func readPublicKey(m api.Memory, ptr, n uint32) (sm2co.Point, error) {
	b, e := read(m, ptr, n)
	if e != nil {
		return sm2co.Point{}, e
	}
	return sm2co.SM2().DecodePublicKey(b)
}

// sm2_encrypt(pub, pub_len, msg, msg_len, out) writes msg_len+97 bytes.
func encrypt(h *host, m api.Memory, a []uint32) error {
	pub, e := readPublicKey(m, a[0], a[1])
	if e != nil {
		return e
	}
	msg, e := read(m, a[2], a[3])
	if e != nil {
		return e
	}
	ct, e := sm2co.Encrypt(h.rand, pub, msg)
	if e != nil {
		return e
	}
	return write(m, a[4], ct)
}

// sm2_decrypt(d, ct, ct_len, out, out_ok) writes the plaintext and a u32
// flag that is 0 when the ciphertext does not decrypt under d.
func decrypt(_ *host, m api.Memory, a []uint32) error {
	d, e := readShare(m, a[0])
	if e != nil {
		return e
	}
	defer d.Destroy()
	ct, e := read(m, a[1], a[2])
	if e != nil {
		return e
	}
	msg, ok, e := sm2co.Decrypt(d, ct)
	if e != nil {
		return e
	}
	var flag uint32
	if ok {
		flag = 1
		if e = write(m, a[3], msg); e != nil {
			return e
		}
	}
	if !m.WriteUint32Le(a[4], flag) {
		return errMemory
	}
	return nil
}

// sm2_sign(d, msg, msg_len, out) writes r||s.
func sign(h *host, m api.Memory, a []uint32) error {
	d, e := readShare(m, a[0])
	if e != nil {
		return e
	}
	defer d.Destroy()
	msg, e := read(m, a[1], a[2])
	if e != nil {
		return e
	}
	sig, e := sm2co.Sign(h.rand, d, msg)
	if e != nil {
		return e
	}
	return write(m, a[3], sig.Bytes())
}

// sm2_verify(pub, pub_len, msg, msg_len, sig, out_ok) writes a u32 flag.
func verify(_ *host, m api.Memory, a []uint32) error {
	pub, e := readPublicKey(m, a[0], a[1])
	if e != nil {
		return e
	}
	msg, e := read(m, a[2], a[3])
	if e != nil {
		return e
	}
	raw, e := read(m, a[4], sm2co.SignatureSize)
	if e != nil {
		return e
	}
	sig, e := sm2co.ParseSignature(raw)
	if e != nil {
		return e
	}
	var ok [4]byte
	if sm2co.VerifyMessage(pub, msg, sig) {
		binary.LittleEndian.PutUint32(ok[:], 1)
	}
	return write(m, a[5], ok[:])
}
