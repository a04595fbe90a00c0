package transaction

import (
	"bytes"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// maxDecodedBytes bounds decompression output.
const maxDecodedBytes = 64 << 20

// DecodeBody undoes the given Content-Encoding. Unknown encodings, decode
// failures and identity return body unchanged with ok=false.
func DecodeBody(contentEncoding string, body []byte) (decoded []byte, ok bool) {
	enc := strings.ToLower(strings.TrimSpace(contentEncoding))
	if enc == "" || enc == "identity" || len(body) == 0 {
		return body, false
	}

	var r io.Reader
	switch enc {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body, false
		}
		defer zr.Close()
		r = zr
	case "deflate":
		// Servers disagree on zlib-wrapped versus raw deflate.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			r = fr
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	default:
		return body, false
	}

	out, err := io.ReadAll(io.LimitReader(r, maxDecodedBytes+1))
	if err != nil || len(out) > maxDecodedBytes {
		return body, false
	}
	return out, true
}
