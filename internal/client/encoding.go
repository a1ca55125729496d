package client

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedEncoding is returned for a Content-Encoding the proxy cannot decode.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// decodedBody closes the decoder before the wrapped upstream body.
type decodedBody struct {
	io.Reader
	closeDecoder func() error
	body         io.Closer
}

func (d *decodedBody) Close() error {
	var err error
	if d.closeDecoder != nil {
		err = d.closeDecoder()
	}
	if cerr := d.body.Close(); err == nil {
		err = cerr
	}
	return err
}

// recorder keeps a copy of what decoder constructors pull from the body so the
// bytes can be replayed when no decoder could be built.
type recorder struct {
	r    io.Reader
	buf  bytes.Buffer
	stop bool
}

func (rec *recorder) Read(p []byte) (int, error) {
	n, err := rec.r.Read(p)
	if !rec.stop && n > 0 {
		rec.buf.Write(p[:n])
	}
	return n, err
}

// DecodeBody wraps body with a decoder for the given Content-Encoding value.
// Stacked encodings ("gzip, br") are undone in reverse order. An empty or
// "identity" encoding returns body unchanged. Closing the result closes body.
func DecodeBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	rc, _, err := decode(body, contentEncoding)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// DecodeBodyOrRaw is DecodeBody that falls back to the original encoded bytes
// when no decoder can be built for the body. The returned body is never nil
// and closing it closes body; err reports why decoding was skipped.
func DecodeBodyOrRaw(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	rc, rec, err := decode(body, contentEncoding)
	if err == nil {
		return rc, nil
	}
	replay := io.MultiReader(bytes.NewReader(rec.buf.Bytes()), body)
	return &decodedBody{Reader: replay, body: body}, err
}

func decode(body io.ReadCloser, contentEncoding string) (io.ReadCloser, *recorder, error) {
	codings := strings.Split(contentEncoding, ",")

	rec := &recorder{r: body}
	var r io.Reader = rec
	var closers []func() error
	decoded := false
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		switch coding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			zr, err := gzip.NewReader(r)
			if err != nil {
				return nil, rec, fmt.Errorf("decode gzip: %w", err)
			}
			r = zr
			closers = append(closers, zr.Close)
		case "deflate":
			dr, closeFn, err := newDeflateReader(r)
			if err != nil {
				return nil, rec, fmt.Errorf("decode deflate: %w", err)
			}
			r = dr
			closers = append(closers, closeFn)
		case "br":
			r = brotli.NewReader(r)
		case "zstd":
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, rec, fmt.Errorf("decode zstd: %w", err)
			}
			r = zr
			closers = append(closers, func() error { zr.Close(); return nil })
		default:
			return nil, rec, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, coding)
		}
		decoded = true
	}
	rec.stop = true
	rec.buf = bytes.Buffer{}

	if !decoded {
		return body, rec, nil
	}
	return &decodedBody{
		Reader: r,
		closeDecoder: func() error {
			var first error
			for i := len(closers) - 1; i >= 0; i-- {
				if err := closers[i](); err != nil && first == nil {
					first = err
				}
			}
			return first
		},
		body: body,
	}, rec, nil
}

// newDeflateReader accepts both zlib-wrapped (RFC 1950) and raw (RFC 1951)
// deflate streams, since origins send either under "deflate".
func newDeflateReader(r io.Reader) (io.Reader, func() error, error) {
	br := bufio.NewReader(r)
	hdr, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}
	if len(hdr) == 2 && hdr[0]&0x0f == 8 && (uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0 {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	}
	fr := flate.NewReader(br)
	return fr, fr.Close, nil
}

// AcceptsEncoding reports whether a caller sending acceptEncoding can take a
// body carrying contentEncoding as is. Every coding of a stacked value must be
// acceptable. A missing Accept-Encoding header is treated as identity only.
func AcceptsEncoding(acceptEncoding, contentEncoding string) bool {
	weights := make(map[string]float64)
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(part, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		q := 1.0
		for _, param := range strings.Split(params, ";") {
			k, v, ok := strings.Cut(param, "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(k), "q") {
				continue
			}
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				q = f
			}
		}
		if name == "x-gzip" {
			name = "gzip"
		}
		weights[name] = q
	}

	for _, coding := range strings.Split(contentEncoding, ",") {
		coding = strings.ToLower(strings.TrimSpace(coding))
		switch coding {
		case "", "identity":
			continue
		case "x-gzip":
			coding = "gzip"
		}
		q, ok := weights[coding]
		if !ok {
			q, ok = weights["*"]
		}
		if !ok || q <= 0 {
			return false
		}
	}
	return true
}
