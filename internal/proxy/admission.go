package proxy

import (
	"log/slog"
	"net/http"
	"strings"
)

const (
	DefaultClientSignature = "CodeTime Client"
	DefaultIdentityHeader  = "User-Agent"
)

// AdmissionFilter admits only requests whose identity header contains the
// client signature. Rejected requests never reach the Forwarder.
type AdmissionFilter struct {
	header    string
	signature string
	logger    *slog.Logger
}

// AdmissionConfig configures an AdmissionFilter. Empty fields take the
// CodeTime defaults.
type AdmissionConfig struct {
	IdentityHeader  string
	ClientSignature string
	Logger          *slog.Logger
}

func NewAdmissionFilter(cfg AdmissionConfig) *AdmissionFilter {
	header := cfg.IdentityHeader
	if header == "" {
		header = DefaultIdentityHeader
	}
	signature := cfg.ClientSignature
	if signature == "" {
		signature = DefaultClientSignature
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AdmissionFilter{
		header:    header,
		signature: signature,
		logger:    logger.With("component", "admission"),
	}
}

// Admit reports whether h carries the client signature. The match is a
// case-sensitive substring test.
func (f *AdmissionFilter) Admit(h http.Header) bool {
	for _, v := range h.Values(f.header) {
		if strings.Contains(v, f.signature) {
			return true
		}
	}
	return false
}

// Wrap gates next behind Admit.
func (f *AdmissionFilter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Admit(r.Header) {
			f.logger.Debug("rejected request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"identity", r.Header.Get(f.header),
			)
			writeProxyError(w, ErrUnsupportedClient)
			return
		}
		next.ServeHTTP(w, r)
	})
}
