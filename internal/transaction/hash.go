package transaction

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// HashAlgorithm names the digest used for row hashes.
type HashAlgorithm string

const (
	HashSHA256 HashAlgorithm = "sha256"
	HashXXH3   HashAlgorithm = "xxh3"
)

// ParseHashAlgorithm validates a configured algorithm name. Empty selects
// sha256.
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	switch HashAlgorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", HashSHA256:
		return HashSHA256, nil
	case HashXXH3:
		return HashXXH3, nil
	default:
		return "", fmt.Errorf("transaction parse hash algorithm: unknown algorithm %q", s)
	}
}

// HashInput is the identity-relevant part of a transaction.
type HashInput struct {
	Method         string
	Path           string
	Query          url.Values
	RequestBody    []byte
	ResponseStatus int
	ResponseBody   []byte
}

// Hasher computes row hashes. The zero value uses sha256.
type Hasher struct {
	Algorithm HashAlgorithm
}

// NewHasher returns a Hasher for algo.
func NewHasher(algo HashAlgorithm) Hasher {
	return Hasher{Algorithm: algo}
}

// Sum returns the lowercase hex digest of in. Every field is written as
// "<len>:<bytes>" so that no two distinct inputs share an encoding.
func (h Hasher) Sum(in HashInput) string {
	if h.Algorithm == HashXXH3 {
		return xxh3Hex(canonicalEncoding(in))
	}
	d := sha256.New()
	writeCanonical(d, in)
	return hex.EncodeToString(d.Sum(nil))
}

func canonicalEncoding(in HashInput) []byte {
	var b strings.Builder
	writeCanonical(&b, in)
	return []byte(b.String())
}

func writeCanonical(w io.Writer, in HashInput) {
	field := func(b []byte) {
		_, _ = w.Write([]byte(strconv.Itoa(len(b))))
		_, _ = w.Write([]byte{':'})
		_, _ = w.Write(b)
	}
	field([]byte(in.Method))
	field([]byte(in.Path))
	field([]byte(in.Query.Encode()))
	field(in.RequestBody)
	field([]byte(strconv.Itoa(in.ResponseStatus)))
	field(in.ResponseBody)
}

// xxh3Hex computes xxh3-128 of data and renders it as 32 hex characters.
func xxh3Hex(data []byte) string {
	h128 := xxh3.Hash128(data)
	var out [16]byte
	binary.LittleEndian.PutUint64(out[:8], h128.Lo)
	binary.LittleEndian.PutUint64(out[8:], h128.Hi)
	return hex.EncodeToString(out[:])
}
