// Package transaction defines the canonical record of one proxied
// request/response cycle together with the pure functions that derive its
// identity (row hash) and descriptive metadata.
package transaction

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Transaction is one recorded request/response cycle. It is built once by
// the recorder and never mutated afterwards.
type Transaction struct {
	ID                    string            `json:"id"`
	Method                string            `json:"method"`
	Path                  string            `json:"path"`
	Query                 url.Values        `json:"query"`
	RequestHeaders        map[string]string `json:"request_headers"`
	RequestBody           Body              `json:"request_body"`
	RequestBodyTruncated  bool              `json:"request_body_truncated"`
	ResponseStatus        int               `json:"response_status"`
	ResponseHeaders       map[string]string `json:"response_headers"`
	ResponseBody          Body              `json:"response_body"`
	ResponseBodyTruncated bool              `json:"response_body_truncated"`
	DurationMs            float64           `json:"duration_ms"`
	RecordedAt            time.Time         `json:"recorded_at"`
	RowHash               string            `json:"row_hash"`
	AuthHeader            *string           `json:"auth_header"`
	UpstreamError         *string           `json:"upstream_error"`

	Metadata
}

// HashInput returns the identity-relevant fields of t.
func (t *Transaction) HashInput() HashInput {
	return HashInput{
		Method:         t.Method,
		Path:           t.Path,
		Query:          t.Query,
		RequestBody:    t.RequestBody,
		ResponseStatus: t.ResponseStatus,
		ResponseBody:   t.ResponseBody,
	}
}

// Body is a raw payload. It serialises as an embedded JSON value when the
// bytes are valid JSON and as a sanitised string otherwise.
type Body []byte

// IsJSON reports whether b holds a valid JSON document.
func (b Body) IsJSON() bool {
	return len(b) > 0 && json.Valid(b)
}

// String returns the storage form of b: compacted JSON for JSON payloads,
// sanitised text for everything else.
func (b Body) String() string {
	if len(b) == 0 {
		return ""
	}
	if compact, ok := b.compactJSON(); ok {
		return string(compact)
	}
	return SanitizeText(string(b))
}

func (b Body) MarshalJSON() ([]byte, error) {
	if len(b) == 0 {
		return []byte(`""`), nil
	}
	if compact, ok := b.compactJSON(); ok {
		return compact, nil
	}
	return json.Marshal(SanitizeText(string(b)))
}

// compactJSON returns b compacted when it is a JSON document. json.Valid
// accepts invalid UTF-8 inside strings; such bytes become U+FFFD.
func (b Body) compactJSON() ([]byte, bool) {
	if !b.IsJSON() {
		return nil, false
	}
	src := []byte(b)
	if !utf8.Valid(src) {
		src = []byte(strings.ToValidUTF8(string(src), "\uFFFD"))
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, src); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

// UnmarshalJSON accepts either form produced by MarshalJSON. A JSON string
// is decoded to its text; any other value is kept verbatim.
func (b *Body) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*b = Body(s)
		return nil
	}
	if bytes.Equal(trimmed, []byte("null")) {
		*b = nil
		return nil
	}
	*b = append((*b)[:0], trimmed...)
	return nil
}

// SanitizeText replaces invalid UTF-8 and strips C0 control characters other
// than tab, newline and carriage return. Relational stores reject NUL bytes.
func SanitizeText(s string) string {
	s = strings.ToValidUTF8(s, "�")
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		if r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// FlattenHeader converts h to a single-valued map, joining repeated values
// with ", ". Header names keep the form net/http delivered them in.
func FlattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// HeaderValue looks up name in a flattened header map case-insensitively.
func HeaderValue(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	if v, ok := headers[http.CanonicalHeaderKey(name)]; ok {
		return v, true
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, name) {
			return headers[k], true
		}
	}
	return "", false
}
