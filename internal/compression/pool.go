// Package compression owns the pooled codecs used to compress stream payloads.
//
// A Pool is a process-wide service constructed once and injected into the
// components that need it. Each logical transfer binds one Context, which
// rents codecs from the pool on first use and returns them on Release.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// Method tags the codec used for one message. Values match the wire enum.
type Method uint8

const (
	MethodNone Method = 0
	MethodZlib Method = 1
	MethodZstd Method = 2
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodZlib:
		return "zlib"
	case MethodZstd:
		return "zstd"
	default:
		return fmt.Sprintf("method(%d)", uint8(m))
	}
}

var ErrUnknownMethod = errors.New("compression: unknown method")

type Config struct {
	// DisableZstd forces the zlib fallback.
	DisableZstd bool
	ZstdLevel   zstd.EncoderLevel
	ZlibLevel   int
	// ZstdWindowSize bounds per-stream encoder memory.
	ZstdWindowSize int
	// MaxIdle bounds how many idle codecs of each kind are retained.
	MaxIdle int
	// LeakWarnThreshold is the number of outstanding rentals past which a
	// warning is logged.
	LeakWarnThreshold int
}

func DefaultConfig() Config {
	return Config{
		ZstdLevel:         zstd.SpeedDefault,
		ZlibLevel:         zlib.DefaultCompression,
		ZstdWindowSize:    1 << 20,
		MaxIdle:           32,
		LeakWarnThreshold: 256,
	}
}

// Stats is a point-in-time view of pool usage.
type Stats struct {
	Outstanding int
	IdleZstdEnc int
	IdleZstdDec int
	IdleZlibW   int
	IdleZlibR   int
}

type Pool struct {
	cfg Config
	log zerolog.Logger

	zstdOK     bool
	oneShotEnc *zstd.Encoder
	oneShotDec *zstd.Decoder

	mu          sync.Mutex
	outstanding int
	warned      bool
	zstdEnc     []*zstd.Encoder
	zstdDec     []*zstd.Decoder
	zlibW       []*zlib.Writer
	zlibR       []io.ReadCloser
}

// NewPool probes codec availability and builds the shared one-shot codecs.
// A failed zstd probe selects zlib for every context.
func NewPool(cfg Config, log zerolog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = def.MaxIdle
	}
	if cfg.LeakWarnThreshold <= 0 {
		cfg.LeakWarnThreshold = def.LeakWarnThreshold
	}
	if cfg.ZstdLevel == 0 {
		cfg.ZstdLevel = def.ZstdLevel
	}
	if cfg.ZlibLevel == 0 {
		cfg.ZlibLevel = def.ZlibLevel
	}
	if cfg.ZstdWindowSize == 0 {
		cfg.ZstdWindowSize = def.ZstdWindowSize
	}
	p := &Pool{cfg: cfg, log: log}
	if !cfg.DisableZstd {
		enc, encErr := zstd.NewWriter(nil, zstd.WithEncoderLevel(cfg.ZstdLevel))
		dec, decErr := zstd.NewReader(nil)
		if encErr == nil && decErr == nil {
			p.zstdOK = true
			p.oneShotEnc = enc
			p.oneShotDec = dec
		} else {
			log.Warn().Msgf("compression.NewPool zstd unavailable enc_err=%v dec_err=%v; using zlib", encErr, decErr)
		}
	}
	return p
}

// Preferred is the codec new contexts compress with.
func (p *Pool) Preferred() Method {
	if p.zstdOK {
		return MethodZstd
	}
	return MethodZlib
}

// ReceiveMethod is the best codec this host can decode, advertised in the handshake.
func (p *Pool) ReceiveMethod() Method {
	return p.Preferred()
}

func (p *Pool) Supports(m Method) bool {
	switch m {
	case MethodNone, MethodZlib:
		return true
	case MethodZstd:
		return p.zstdOK
	default:
		return false
	}
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Outstanding: p.outstanding,
		IdleZstdEnc: len(p.zstdEnc),
		IdleZstdDec: len(p.zstdDec),
		IdleZlibW:   len(p.zlibW),
		IdleZlibR:   len(p.zlibR),
	}
}

// NewContext binds a context for one transfer. No codec is rented until the
// first Compress or Decompress call.
func (p *Pool) NewContext() *Context {
	return &Context{pool: p, method: p.Preferred(), declared: -1}
}

// Close releases the shared one-shot codecs.
func (p *Pool) Close() {
	if p.oneShotEnc != nil {
		_ = p.oneShotEnc.Close()
	}
	if p.oneShotDec != nil {
		p.oneShotDec.Close()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.zstdDec {
		d.Close()
	}
	p.zstdDec = nil
	p.zstdEnc = nil
	p.zlibW = nil
	p.zlibR = nil
}

func take[T any](p *Pool, list *[]T) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding++
	if p.outstanding > p.cfg.LeakWarnThreshold && !p.warned {
		p.warned = true
		p.log.Warn().Msgf("compression.Pool outstanding=%d exceeds threshold=%d; possible context leak", p.outstanding, p.cfg.LeakWarnThreshold)
	}
	var zero T
	n := len(*list)
	if n == 0 {
		return zero, false
	}
	v := (*list)[n-1]
	(*list)[n-1] = zero
	*list = (*list)[:n-1]
	return v, true
}

func give[T any](p *Pool, list *[]T, v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding--
	if p.outstanding <= p.cfg.LeakWarnThreshold {
		p.warned = false
	}
	if len(*list) >= p.cfg.MaxIdle {
		return false
	}
	*list = append(*list, v)
	return true
}

func (p *Pool) rentZstdEncoder(w io.Writer) (*zstd.Encoder, error) {
	if enc, ok := take(p, &p.zstdEnc); ok {
		enc.Reset(w)
		return enc, nil
	}
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(p.cfg.ZstdLevel),
		zstd.WithEncoderConcurrency(1),
		zstd.WithWindowSize(p.cfg.ZstdWindowSize),
	)
	if err != nil {
		p.returnSlot()
		return nil, err
	}
	return enc, nil
}

func (p *Pool) returnZstdEncoder(enc *zstd.Encoder) {
	enc.Reset(io.Discard)
	give(p, &p.zstdEnc, enc)
}

func (p *Pool) rentZstdDecoder(r io.Reader) (*zstd.Decoder, error) {
	if dec, ok := take(p, &p.zstdDec); ok {
		if err := dec.Reset(r); err != nil {
			dec.Close()
			p.returnSlot()
			return nil, err
		}
		return dec, nil
	}
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		p.returnSlot()
		return nil, err
	}
	return dec, nil
}

func (p *Pool) returnZstdDecoder(dec *zstd.Decoder) {
	_ = dec.Reset(nil)
	if !give(p, &p.zstdDec, dec) {
		dec.Close()
	}
}

func (p *Pool) rentZlibWriter(w io.Writer) (*zlib.Writer, error) {
	if zw, ok := take(p, &p.zlibW); ok {
		zw.Reset(w)
		return zw, nil
	}
	zw, err := zlib.NewWriterLevel(w, p.cfg.ZlibLevel)
	if err != nil {
		p.returnSlot()
		return nil, err
	}
	return zw, nil
}

func (p *Pool) returnZlibWriter(zw *zlib.Writer) {
	zw.Reset(io.Discard)
	give(p, &p.zlibW, zw)
}

// rentZlibReader reads the zlib header from r immediately.
func (p *Pool) rentZlibReader(r io.Reader) (io.ReadCloser, error) {
	if zr, ok := take(p, &p.zlibR); ok {
		if err := zr.(zlib.Resetter).Reset(r, nil); err != nil {
			p.returnZlibReader(zr)
			return nil, err
		}
		return zr, nil
	}
	zr, err := zlib.NewReader(r)
	if err != nil {
		p.returnSlot()
		return nil, err
	}
	return zr, nil
}

func (p *Pool) returnZlibReader(zr io.ReadCloser) {
	give(p, &p.zlibR, zr)
}

// returnSlot balances a take whose rental failed.
func (p *Pool) returnSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding--
}

func (p *Pool) compressOneShot(method Method, data []byte) ([]byte, error) {
	switch method {
	case MethodZstd:
		return p.oneShotEnc.EncodeAll(data, make([]byte, 0, len(data)/2+64)), nil
	case MethodZlib:
		var buf bytes.Buffer
		zw, err := p.rentZlibWriter(&buf)
		if err != nil {
			return nil, err
		}
		defer p.returnZlibWriter(zw)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

func (p *Pool) decompressOneShot(method Method, data []byte, originalSize int) ([]byte, error) {
	switch method {
	case MethodZstd:
		if !p.zstdOK {
			return nil, fmt.Errorf("%w: zstd not available", ErrUnknownMethod)
		}
		out, err := p.oneShotDec.DecodeAll(data, make([]byte, 0, originalSize))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if len(out) != originalSize {
			return nil, fmt.Errorf("%w: got=%d want=%d", ErrSizeMismatch, len(out), originalSize)
		}
		return out, nil
	case MethodZlib:
		zr, err := p.rentZlibReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		defer p.returnZlibReader(zr)
		out := make([]byte, originalSize)
		if _, err := io.ReadFull(zr, out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSizeMismatch, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}
