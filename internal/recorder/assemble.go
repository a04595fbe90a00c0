// Package recorder turns captured exchanges into transactions and fans them
// out to the configured sinks off the request path.
package recorder

import (
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/codetime-proxy/codetime-proxy/internal/proxy"
	"github.com/codetime-proxy/codetime-proxy/internal/transaction"
)

// Assembler builds immutable transactions from exchanges.
type Assembler struct {
	Hasher transaction.Hasher
	Now    func() time.Time
	NewID  func() string
}

// NewAssembler returns an Assembler using the wall clock and random UUIDs.
func NewAssembler(h transaction.Hasher) *Assembler {
	return &Assembler{
		Hasher: h,
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  func() string { return uuid.NewString() },
	}
}

// Assemble decodes captured bodies, computes the row hash and extracts
// metadata. It never fails; unusable input leaves fields empty.
func (a *Assembler) Assemble(ex proxy.Exchange) *transaction.Transaction {
	reqBody := decodeCaptured(ex.RequestHeader.Get("Content-Encoding"), ex.RequestBody, ex.RequestBodyTruncated)
	respBody := decodeCaptured(ex.ResponseHeader.Get("Content-Encoding"), ex.ResponseBody, ex.ResponseBodyTruncated)

	// ParseQuery keeps every pair it could decode.
	query, _ := url.ParseQuery(ex.RawQuery)
	if query == nil {
		query = url.Values{}
	}

	reqHeaders := transaction.FlattenHeader(ex.RequestHeader)
	respHeaders := transaction.FlattenHeader(ex.ResponseHeader)

	tx := &transaction.Transaction{
		ID:                    a.NewID(),
		Method:                ex.Method,
		Path:                  ex.Path,
		Query:                 query,
		RequestHeaders:        reqHeaders,
		RequestBody:           transaction.Body(reqBody),
		RequestBodyTruncated:  ex.RequestBodyTruncated,
		ResponseStatus:        ex.ResponseStatus,
		ResponseHeaders:       respHeaders,
		ResponseBody:          transaction.Body(respBody),
		ResponseBodyTruncated: ex.ResponseBodyTruncated,
		DurationMs:            durationMs(ex.Duration),
		RecordedAt:            a.Now(),
		Metadata:              transaction.ExtractMetadata(reqHeaders, ex.RemoteAddr, reqBody),
	}
	tx.RowHash = a.Hasher.Sum(tx.HashInput())

	if auth, ok := transaction.HeaderValue(reqHeaders, "Authorization"); ok {
		tx.AuthHeader = &auth
	}
	if ex.ProxyError != nil {
		code := ex.ProxyError.Code
		tx.UpstreamError = &code
	}
	return tx
}

func decodeCaptured(encoding string, body []byte, truncated bool) []byte {
	if truncated {
		return body
	}
	decoded, _ := transaction.DecodeBody(encoding, body)
	return decoded
}

func durationMs(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
