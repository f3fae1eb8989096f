package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PrefixLen is the size of the little-endian total length prefix.
const PrefixLen = 4

var (
	ErrShortFrame     = errors.New("frame: short frame")
	ErrLengthMismatch = errors.New("frame: declared length does not match frame length")
	ErrFrameTooLarge  = errors.New("frame: frame too large")
	ErrEmptyPayload   = errors.New("frame: empty payload")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 32 * 1024 * 1024,
	}
}

// Encode wraps payload in the wire envelope: uint32-LE(4+len(payload)) || payload.
func Encode(payload []byte) []byte {
	buf := make([]byte, PrefixLen+len(payload))
	binary.LittleEndian.PutUint32(buf[0:PrefixLen], uint32(PrefixLen+len(payload)))
	copy(buf[PrefixLen:], payload)
	return buf
}

// Decode validates one complete envelope and returns its payload. The
// returned slice aliases buf.
func Decode(buf []byte, limits Limits) ([]byte, error) {
	if len(buf) <= PrefixLen {
		return nil, ErrShortFrame
	}
	declared := binary.LittleEndian.Uint32(buf[0:PrefixLen])
	if limits.MaxFrameBytes > 0 && declared > limits.MaxFrameBytes {
		return nil, fmt.Errorf("%w: declared=%d max=%d", ErrFrameTooLarge, declared, limits.MaxFrameBytes)
	}
	if uint64(declared) != uint64(len(buf)) {
		return nil, fmt.Errorf("%w: declared=%d actual=%d", ErrLengthMismatch, declared, len(buf))
	}
	return buf[PrefixLen:], nil
}

// ReadFrame reads one envelope from a byte stream and returns its payload.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var prefix [PrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortFrame
		}
		return nil, err
	}
	declared := binary.LittleEndian.Uint32(prefix[:])
	if declared <= PrefixLen {
		return nil, fmt.Errorf("%w: declared=%d", ErrShortFrame, declared)
	}
	if limits.MaxFrameBytes > 0 && declared > limits.MaxFrameBytes {
		return nil, fmt.Errorf("%w: declared=%d max=%d", ErrFrameTooLarge, declared, limits.MaxFrameBytes)
	}
	payload := make([]byte, declared-PrefixLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrShortFrame
		}
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	total := uint64(PrefixLen + len(payload))
	if limits.MaxFrameBytes > 0 && total > uint64(limits.MaxFrameBytes) {
		return ErrFrameTooLarge
	}
	_, err := w.Write(Encode(payload))
	return err
}
