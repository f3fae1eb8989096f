package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var (
	ErrConcurrentUse    = errors.New("compression: concurrent use of context")
	ErrReleased         = errors.New("compression: context released")
	ErrTransferComplete = errors.New("compression: transfer already complete")
	ErrChunkUnderflow   = errors.New("compression: requested more bytes than chunk holds")
	ErrSizeMismatch     = errors.New("compression: decompressed size mismatch")
	ErrCorrupt          = errors.New("compression: corrupt input")
	ErrMethodChanged    = errors.New("compression: method changed mid-stream")
	ErrDecompressBroken = errors.New("compression: decompressor failed earlier in this transfer")
	errChunkExhausted   = errors.New("compression: chunk exhausted")
)

// Result is one compressed chunk plus the metadata the receiver needs.
type Result struct {
	Data         []byte
	Method       Method
	OriginalSize uint32
}

// Context compresses and decompresses one logical transfer. At most one
// Compress and, independently, one Decompress may run at a time.
type Context struct {
	pool     *Pool
	method   Method
	declared int64

	released    atomic.Bool
	releaseOnce sync.Once

	compressMu   sync.Mutex
	compressions int
	compressDone bool
	out          bytes.Buffer
	zstdEnc      *zstd.Encoder
	zlibW        *zlib.Writer

	decompressMu   sync.Mutex
	decompressions int
	decodeMethod   Method
	decodeBroken   bool
	in             chunkReader
	zstdDec        *zstd.Decoder
	zlibR          io.ReadCloser
}

// SetDeclaredSize records the expected total size of the transfer. When the
// first Compress chunk is exactly this size the one-shot path is used.
func (c *Context) SetDeclaredSize(n int64) {
	c.compressMu.Lock()
	defer c.compressMu.Unlock()
	c.declared = n
}

func (c *Context) Method() Method {
	return c.method
}

// Compress encodes one chunk of the transfer. isLast finalizes the stream.
func (c *Context) Compress(data []byte, isLast bool) (Result, error) {
	if !c.compressMu.TryLock() {
		return Result{}, ErrConcurrentUse
	}
	defer c.compressMu.Unlock()
	if c.released.Load() {
		return Result{}, ErrReleased
	}
	if c.compressDone {
		return Result{}, ErrTransferComplete
	}
	first := c.compressions == 0
	c.compressions++

	if first && c.declared >= 0 && int64(len(data)) == c.declared {
		out, err := c.pool.compressOneShot(c.method, data)
		if err != nil {
			return Result{}, err
		}
		c.compressDone = true
		return Result{Data: out, Method: c.method, OriginalSize: uint32(len(data))}, nil
	}

	out, err := c.compressStreaming(data, isLast)
	if err != nil {
		return Result{}, err
	}
	if isLast {
		c.compressDone = true
		c.releaseCompressor()
	}
	return Result{Data: out, Method: c.method, OriginalSize: uint32(len(data))}, nil
}

func (c *Context) compressStreaming(data []byte, isLast bool) ([]byte, error) {
	if len(data) == 0 && !isLast {
		return []byte{}, nil
	}
	c.out.Reset()
	switch c.method {
	case MethodZstd:
		if c.zstdEnc == nil {
			enc, err := c.pool.rentZstdEncoder(&c.out)
			if err != nil {
				return nil, err
			}
			c.zstdEnc = enc
		}
		if _, err := c.zstdEnc.Write(data); err != nil {
			return nil, err
		}
		if isLast {
			if err := c.zstdEnc.Close(); err != nil {
				return nil, err
			}
		} else if err := c.zstdEnc.Flush(); err != nil {
			return nil, err
		}
	case MethodZlib:
		if c.zlibW == nil {
			zw, err := c.pool.rentZlibWriter(&c.out)
			if err != nil {
				return nil, err
			}
			c.zlibW = zw
		}
		if _, err := c.zlibW.Write(data); err != nil {
			return nil, err
		}
		if isLast {
			if err := c.zlibW.Close(); err != nil {
				return nil, err
			}
		} else if err := c.zlibW.Flush(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, c.method)
	}
	out := make([]byte, c.out.Len())
	copy(out, c.out.Bytes())
	c.out.Reset()
	return out, nil
}

// Decompress decodes one chunk. originalSize is the exact uncompressed size
// of this chunk as carried by the message. A first chunk that is also the
// last is decoded as a complete stream.
func (c *Context) Decompress(method Method, data []byte, originalSize int, isLast bool) ([]byte, error) {
	if !c.decompressMu.TryLock() {
		return nil, ErrConcurrentUse
	}
	defer c.decompressMu.Unlock()
	if c.released.Load() {
		return nil, ErrReleased
	}
	if method == MethodNone {
		return data, nil
	}
	if !c.pool.Supports(method) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	if c.decodeBroken {
		return nil, ErrDecompressBroken
	}
	first := c.decompressions == 0
	c.decompressions++
	if first {
		c.decodeMethod = method
		if isLast {
			return c.pool.decompressOneShot(method, data, originalSize)
		}
	} else if method != c.decodeMethod {
		c.decodeBroken = true
		return nil, fmt.Errorf("%w: %s -> %s", ErrMethodChanged, c.decodeMethod, method)
	}

	out, err := c.decompressStreaming(data, originalSize)
	if err != nil {
		c.decodeBroken = true
		c.releaseDecompressor()
		return nil, err
	}
	if isLast {
		c.releaseDecompressor()
	}
	return out, nil
}

func (c *Context) decompressStreaming(data []byte, originalSize int) ([]byte, error) {
	c.in.push(data)
	if originalSize == 0 {
		return []byte{}, nil
	}
	var src io.Reader
	switch c.decodeMethod {
	case MethodZstd:
		if c.zstdDec == nil {
			dec, err := c.pool.rentZstdDecoder(&c.in)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			c.zstdDec = dec
		}
		src = c.zstdDec
	case MethodZlib:
		if c.zlibR == nil {
			zr, err := c.pool.rentZlibReader(&c.in)
			if err != nil {
				return nil, c.classify(err)
			}
			c.zlibR = zr
		}
		src = c.zlibR
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, c.decodeMethod)
	}
	out := make([]byte, originalSize)
	if _, err := io.ReadFull(src, out); err != nil {
		return nil, c.classify(err)
	}
	return out, nil
}

// classify separates "asked for more than this chunk holds" from corrupt input.
func (c *Context) classify(err error) error {
	if errors.Is(err, errChunkExhausted) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || c.in.remaining() == 0 {
		return fmt.Errorf("%w: %v", ErrChunkUnderflow, err)
	}
	return fmt.Errorf("%w: %v", ErrCorrupt, err)
}

// Release returns rented codecs to the pool. It is safe to call more than
// once and waits for an in-flight Compress or Decompress to finish.
func (c *Context) Release() {
	c.releaseOnce.Do(func() {
		c.released.Store(true)
		c.compressMu.Lock()
		c.releaseCompressor()
		c.compressMu.Unlock()
		c.decompressMu.Lock()
		c.releaseDecompressor()
		c.decompressMu.Unlock()
	})
}

func (c *Context) releaseCompressor() {
	if c.zstdEnc != nil {
		c.pool.returnZstdEncoder(c.zstdEnc)
		c.zstdEnc = nil
	}
	if c.zlibW != nil {
		c.pool.returnZlibWriter(c.zlibW)
		c.zlibW = nil
	}
}

func (c *Context) releaseDecompressor() {
	if c.zstdDec != nil {
		c.pool.returnZstdDecoder(c.zstdDec)
		c.zstdDec = nil
	}
	if c.zlibR != nil {
		c.pool.returnZlibReader(c.zlibR)
		c.zlibR = nil
	}
	c.in.reset()
}

// chunkReader feeds decoders exactly the bytes received so far. It reports
// errChunkExhausted instead of io.EOF so an over-read is never mistaken for
// end of stream. It implements io.ByteReader so flate does not buffer ahead.
type chunkReader struct {
	buf []byte
}

func (r *chunkReader) push(b []byte) {
	r.buf = append(r.buf, b...)
}

func (r *chunkReader) remaining() int {
	return len(r.buf)
}

func (r *chunkReader) reset() {
	r.buf = nil
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		return 0, errChunkExhausted
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) ReadByte() (byte, error) {
	if len(r.buf) == 0 {
		return 0, errChunkExhausted
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}
