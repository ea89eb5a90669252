package backup

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is the compression applied to snapshot objects.
type Codec uint8

const (
	// CodecNone stores files as they are.
	CodecNone Codec = iota
	// CodecLZ4 favours speed.
	CodecLZ4
	// CodecZstd favours ratio. It is the default.
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("Codec(%d)", uint8(c))
	}
}

// ParseCodec parses the name returned by String.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
}

func (c Codec) MarshalText() ([]byte, error) {
	if c > CodecZstd {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *Codec) UnmarshalText(b []byte) error {
	v, err := ParseCodec(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Encoders and decoders are reused across files.
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder(w io.Writer) (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		enc := v.(*zstd.Encoder)
		enc.Reset(w)
		return enc, nil
	}
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder(r io.Reader) (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		dec := v.(*zstd.Decoder)
		if err := dec.Reset(r); err != nil {
			return nil, err
		}
		return dec, nil
	}
	// A single goroutine per stream keeps pooled decoders cheap.
	return zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
}

// compressor returns a writer compressing into w. Closing it flushes the
// codec but does not close w.
func compressor(c Codec, w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CodecNone:
		return nopWriteCloser{w}, nil
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	case CodecZstd:
		enc, err := getZstdEncoder(w)
		if err != nil {
			return nil, err
		}
		return &pooledEncoder{enc: enc}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, uint8(c))
}

// decompressor returns a reader decompressing r. Closing it does not close r.
func decompressor(c Codec, r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CodecNone:
		return io.NopCloser(r), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CodecZstd:
		dec, err := getZstdDecoder(r)
		if err != nil {
			return nil, err
		}
		return &pooledDecoder{dec: dec}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, uint8(c))
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

type pooledEncoder struct {
	enc *zstd.Encoder
}

func (p *pooledEncoder) Write(b []byte) (int, error) {
	return p.enc.Write(b)
}

func (p *pooledEncoder) Close() error {
	err := p.enc.Close()
	if err == nil {
		zstdEncoderPool.Put(p.enc)
	}
	p.enc = nil
	return err
}

type pooledDecoder struct {
	dec *zstd.Decoder
}

func (p *pooledDecoder) Read(b []byte) (int, error) {
	return p.dec.Read(b)
}

func (p *pooledDecoder) Close() error {
	if p.dec == nil {
		return nil
	}
	// Detach the source before pooling.
	if err := p.dec.Reset(nil); err == nil {
		zstdDecoderPool.Put(p.dec)
	}
	p.dec = nil
	return nil
}
