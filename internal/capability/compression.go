package capability

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"

	"github.com/andybalholm/brotli"
)

// Compressor: Compress appends to dst; Decompress returns a fresh slice of exactly rawLen bytes.
// Compress and Decompress may run concurrently with each other, each from one goroutine.
type Compressor interface {
	Tag() CompressionTag
	// Bound is the worst-case compressed size for n input bytes.
	Bound(n int) int
	Compress(dst, src []byte) ([]byte, error)
	Decompress(src []byte, rawLen int) ([]byte, error)
}

// NewCompressor returns a fresh provider; unknown tag -> None.
func NewCompressor(tag CompressionTag) Compressor {
	switch tag {
	case CompressionGzip:
		return &gzipCompressor{}
	case CompressionBrotli:
		return &brotliCompressor{}
	default:
		return noneCompressor{}
	}
}

type noneCompressor struct{}

func (noneCompressor) Tag() CompressionTag { return CompressionNone }
func (noneCompressor) Bound(n int) int     { return n }

func (noneCompressor) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (noneCompressor) Decompress(src []byte, rawLen int) ([]byte, error) {
	if len(src) != rawLen {
		return nil, ErrLength
	}
	return append([]byte(nil), src...), nil
}

// streamBound covers deflate stored blocks and brotli uncompressed meta-blocks plus framing.
func streamBound(n int) int { return n + n>>6 + 128 }

// appendWriter lets stream encoders write straight into a caller buffer.
type appendWriter struct{ b []byte }

func (w *appendWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

// readExact reads rawLen bytes from r and requires the stream to end there.
func readExact(r io.Reader, rawLen int) ([]byte, error) {
	out := make([]byte, rawLen)
	if _, err := io.ReadFull(r, out); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrLength
		}
		return nil, err
	}
	var one [1]byte
	for i := 0; i < 4; i++ {
		n, err := r.Read(one[:])
		if n > 0 {
			return nil, ErrLength
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, io.ErrNoProgress
}

// gzipHeaderTail is bytes 3..9 (FLG, MTIME, XFL, OS) of every header our
// writer emits at DefaultCompression. Readers ignore these fields, so any
// other value is treated as corruption.
var gzipHeaderTail = [7]byte{0, 0, 0, 0, 0, 0, 0xff}

var errGzipHeader = errors.New("capability: unexpected gzip header fields")

// gzipCompressor reuses one writer (send path) and one reader (receive path).
type gzipCompressor struct {
	w   *gzip.Writer
	wb  appendWriter
	r   *gzip.Reader
	src bytes.Reader
}

func (g *gzipCompressor) Tag() CompressionTag { return CompressionGzip }
func (g *gzipCompressor) Bound(n int) int     { return streamBound(n) }

func (g *gzipCompressor) Compress(dst, src []byte) ([]byte, error) {
	g.wb.b = dst
	if g.w == nil {
		w, err := gzip.NewWriterLevel(&g.wb, gzip.DefaultCompression)
		if err != nil {
			return nil, err
		}
		g.w = w
	} else {
		g.w.Reset(&g.wb)
	}
	if _, err := g.w.Write(src); err != nil {
		return nil, err
	}
	if err := g.w.Close(); err != nil {
		return nil, err
	}
	out := g.wb.b
	g.wb.b = nil
	return out, nil
}

func (g *gzipCompressor) Decompress(src []byte, rawLen int) ([]byte, error) {
	if len(src) >= 10 && !bytes.Equal(src[3:10], gzipHeaderTail[:]) {
		return nil, errGzipHeader
	}
	g.src.Reset(src)
	if g.r == nil {
		r, err := gzip.NewReader(&g.src)
		if err != nil {
			return nil, err
		}
		g.r = r
	} else if err := g.r.Reset(&g.src); err != nil {
		return nil, err
	}
	return readExact(g.r, rawLen)
}

type brotliCompressor struct {
	w   *brotli.Writer
	wb  appendWriter
	r   *brotli.Reader
	src bytes.Reader
}

func (b *brotliCompressor) Tag() CompressionTag { return CompressionBrotli }
func (b *brotliCompressor) Bound(n int) int     { return streamBound(n) }

func (b *brotliCompressor) Compress(dst, src []byte) ([]byte, error) {
	b.wb.b = dst
	if b.w == nil {
		b.w = brotli.NewWriterLevel(&b.wb, brotli.DefaultCompression)
	} else {
		b.w.Reset(&b.wb)
	}
	if _, err := b.w.Write(src); err != nil {
		return nil, err
	}
	if err := b.w.Close(); err != nil {
		return nil, err
	}
	out := b.wb.b
	b.wb.b = nil
	return out, nil
}

func (b *brotliCompressor) Decompress(src []byte, rawLen int) ([]byte, error) {
	b.src.Reset(src)
	if b.r == nil {
		b.r = brotli.NewReader(&b.src)
	} else if err := b.r.Reset(&b.src); err != nil {
		return nil, err
	}
	return readExact(b.r, rawLen)
}
