package transaction

import (
	"net/url"
	"strings"
	"testing"
)

func sampleHashInput() HashInput {
	return HashInput{
		Method:         "POST",
		Path:           "/v3/users/event-log",
		Query:          url.Values{"b": {"2"}, "a": {"1"}},
		RequestBody:    []byte(`{"eventType":"fileSaved","language":"rust"}`),
		ResponseStatus: 200,
		ResponseBody:   []byte(`{"ok":true}`),
	}
}

func TestHasher_Deterministic(t *testing.T) {
	for _, algo := range []HashAlgorithm{HashSHA256, HashXXH3} {
		h := NewHasher(algo)
		a := h.Sum(sampleHashInput())
		b := h.Sum(sampleHashInput())
		if a != b {
			t.Fatalf("%s: same input produced different hashes: %s vs %s", algo, a, b)
		}
	}
}

func TestHasher_DigestLength(t *testing.T) {
	if got := len(NewHasher(HashSHA256).Sum(sampleHashInput())); got != 64 {
		t.Fatalf("sha256 hex length: got %d, want 64", got)
	}
	if got := len(NewHasher(HashXXH3).Sum(sampleHashInput())); got != 32 {
		t.Fatalf("xxh3 hex length: got %d, want 32", got)
	}
	var zero Hasher
	if zero.Sum(sampleHashInput()) != NewHasher(HashSHA256).Sum(sampleHashInput()) {
		t.Fatal("zero Hasher should default to sha256")
	}
}

func TestHasher_QueryOrderIndependent(t *testing.T) {
	a := sampleHashInput()
	b := sampleHashInput()
	b.Query = url.Values{"a": {"1"}, "b": {"2"}}
	if NewHasher(HashSHA256).Sum(a) != NewHasher(HashSHA256).Sum(b) {
		t.Fatal("query key order should not affect hash")
	}
}

func TestHasher_FieldSensitivity(t *testing.T) {
	base := NewHasher(HashSHA256).Sum(sampleHashInput())
	mutations := map[string]func(*HashInput){
		"method":          func(in *HashInput) { in.Method = "PUT" },
		"path":            func(in *HashInput) { in.Path = "/v3/users/self/minutes" },
		"query":           func(in *HashInput) { in.Query = url.Values{"a": {"9"}} },
		"request body":    func(in *HashInput) { in.RequestBody = []byte(`{}`) },
		"response status": func(in *HashInput) { in.ResponseStatus = 502 },
		"response body":   func(in *HashInput) { in.ResponseBody = []byte(`{"ok":false}`) },
	}
	for name, mutate := range mutations {
		in := sampleHashInput()
		mutate(&in)
		if NewHasher(HashSHA256).Sum(in) == base {
			t.Fatalf("changing %s should change the hash", name)
		}
	}
}

func TestHasher_FieldBoundariesAreUnambiguous(t *testing.T) {
	a := HashInput{Method: "GET", Path: "/ab", ResponseStatus: 200}
	b := HashInput{Method: "GET/", Path: "ab", ResponseStatus: 200}
	if NewHasher(HashXXH3).Sum(a) == NewHasher(HashXXH3).Sum(b) {
		t.Fatal("shifting bytes between fields should change the hash")
	}
}

func TestParseHashAlgorithm(t *testing.T) {
	cases := []struct {
		in      string
		want    HashAlgorithm
		wantErr bool
	}{
		{"", HashSHA256, false},
		{"sha256", HashSHA256, false},
		{" XXH3 ", HashXXH3, false},
		{"md5", "", true},
	}
	for _, tc := range cases {
		got, err := ParseHashAlgorithm(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseHashAlgorithm(%q): expected error", tc.in)
			}
			if !strings.HasPrefix(err.Error(), "transaction parse hash algorithm: ") {
				t.Fatalf("ParseHashAlgorithm(%q): error %q", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseHashAlgorithm(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseHashAlgorithm(%q): got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTransactionHashInput_MatchesFields(t *testing.T) {
	tx := &Transaction{
		Method:         "GET",
		Path:           "/v3/users/self/minutes",
		Query:          url.Values{},
		ResponseStatus: 200,
		ResponseBody:   Body(`{"minutes": 42}`),
		RequestHeaders: map[string]string{"User-Agent": "CodeTime Client"},
	}
	other := *tx
	other.RequestHeaders = map[string]string{"User-Agent": "CodeTime Client/2"}
	other.ID = "different"

	h := NewHasher(HashSHA256)
	if h.Sum(tx.HashInput()) != h.Sum(other.HashInput()) {
		t.Fatal("headers and id should not take part in the hash")
	}
}
