package recorder

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/codetime-proxy/codetime-proxy/internal/applog"
	"github.com/codetime-proxy/codetime-proxy/internal/proxy"
	"github.com/codetime-proxy/codetime-proxy/internal/store"
	"github.com/codetime-proxy/codetime-proxy/internal/transaction"
)

type memorySink struct {
	name string
	err  error

	mu   sync.Mutex
	txs  []*transaction.Transaction
	seen map[string]bool
}

func newMemorySink(name string) *memorySink {
	return &memorySink{name: name, seen: map[string]bool{}}
}

func (m *memorySink) Name() string { return m.name }

func (m *memorySink) Write(_ context.Context, tx *transaction.Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.seen[tx.RowHash] {
		return false, nil
	}
	m.seen[tx.RowHash] = true
	m.txs = append(m.txs, tx)
	return true, nil
}

func (m *memorySink) all() []*transaction.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*transaction.Transaction(nil), m.txs...)
}

func eventExchange(eventType string) proxy.Exchange {
	reqHeader := http.Header{}
	reqHeader.Set("User-Agent", "CodeTime Client/1.0")
	reqHeader.Set("Authorization", "Bearer secret")
	reqHeader.Set("Content-Type", "application/json")
	respHeader := http.Header{}
	respHeader.Set("Content-Type", "application/json")
	return proxy.Exchange{
		StartedAt:      time.Now(),
		Duration:       25 * time.Millisecond,
		RemoteAddr:     "192.0.2.7:51000",
		Method:         http.MethodPost,
		Path:           "/v3/users/event-log",
		RawQuery:       "b=2&a=1",
		RequestHeader:  reqHeader,
		RequestBody:    []byte(`{"eventType":"` + eventType + `","language":"go","absoluteFile":"C:\\Users\\bob\\src\\main.go"}`),
		ResponseStatus: http.StatusOK,
		ResponseHeader: respHeader,
		ResponseBody:   []byte(`{"ok":true}`),
	}
}

func newStartedService(t *testing.T, cfg Config) *Service {
	t.Helper()
	s, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	s.Start()
	return s
}

func TestAssembler_Assemble(t *testing.T) {
	a := NewAssembler(transaction.NewHasher(transaction.HashSHA256))
	fixed := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	a.Now = func() time.Time { return fixed }
	a.NewID = func() string { return "fixed-id" }

	ex := eventExchange("fileSaved")
	tx := a.Assemble(ex)

	if tx.ID != "fixed-id" || !tx.RecordedAt.Equal(fixed) {
		t.Fatalf("id/recorded_at: %s %v", tx.ID, tx.RecordedAt)
	}
	if tx.DurationMs != 25 {
		t.Fatalf("duration_ms: got %v", tx.DurationMs)
	}
	if tx.Query.Get("a") != "1" || tx.Query.Get("b") != "2" {
		t.Fatalf("query: %v", tx.Query)
	}
	if tx.AuthHeader == nil || *tx.AuthHeader != "Bearer secret" {
		t.Fatalf("auth_header: %v", tx.AuthHeader)
	}
	if tx.UpstreamError != nil {
		t.Fatalf("upstream_error: %v", *tx.UpstreamError)
	}
	if tx.EventType == nil || *tx.EventType != "fileSaved" {
		t.Fatalf("event_type: %v", tx.EventType)
	}
	if tx.WindowsUsername == nil || *tx.WindowsUsername != "bob" {
		t.Fatalf("windows_username: %v", tx.WindowsUsername)
	}
	if tx.FileExtension == nil || *tx.FileExtension != ".go" {
		t.Fatalf("file_extension: %v", tx.FileExtension)
	}
	if tx.ClientIP == nil || *tx.ClientIP != "192.0.2.7" {
		t.Fatalf("client_ip: %v", tx.ClientIP)
	}

	want := transaction.NewHasher(transaction.HashSHA256).Sum(tx.HashInput())
	if tx.RowHash != want || len(tx.RowHash) != 64 {
		t.Fatalf("row_hash: got %s, want %s", tx.RowHash, want)
	}

	again := a.Assemble(ex)
	if again.RowHash != tx.RowHash {
		t.Fatal("same exchange must hash identically")
	}
}

func TestAssembler_ProxyErrorAndNoAuth(t *testing.T) {
	a := NewAssembler(transaction.Hasher{})
	ex := eventExchange("fileSaved")
	ex.RequestHeader.Del("Authorization")
	ex.ResponseStatus = http.StatusBadGateway
	ex.ResponseBody = []byte(proxy.ErrUpstreamRequestFailed.Message)
	ex.ProxyError = proxy.ErrUpstreamRequestFailed

	tx := a.Assemble(ex)
	if tx.AuthHeader != nil {
		t.Fatalf("auth_header should be nil, got %q", *tx.AuthHeader)
	}
	if tx.UpstreamError == nil || *tx.UpstreamError != "UPSTREAM_REQUEST_FAILED" {
		t.Fatalf("upstream_error: %v", tx.UpstreamError)
	}
	if tx.ResponseStatus != http.StatusBadGateway {
		t.Fatalf("status: %d", tx.ResponseStatus)
	}
}

func TestAssembler_DecodesGzipResponse(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{"minutes":42}`))
	_ = zw.Close()

	ex := eventExchange("fileSaved")
	ex.ResponseHeader.Set("Content-Encoding", "gzip")
	ex.ResponseBody = buf.Bytes()

	tx := NewAssembler(transaction.Hasher{}).Assemble(ex)
	if string(tx.ResponseBody) != `{"minutes":42}` {
		t.Fatalf("response body: %q", tx.ResponseBody)
	}

	ex.ResponseBodyTruncated = true
	tx = NewAssembler(transaction.Hasher{}).Assemble(ex)
	if !bytes.Equal(tx.ResponseBody, buf.Bytes()) {
		t.Fatal("truncated bodies must be recorded raw")
	}
}

func TestService_FanOutToEverySink(t *testing.T) {
	a, b := newMemorySink("a"), newMemorySink("b")
	var mu sync.Mutex
	var results []Result
	s := newStartedService(t, Config{
		Sinks: []Sink{a, b},
		OnResult: func(r Result) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		},
	})

	s.Emit(eventExchange("fileSaved"))
	s.EmitExchange(eventExchange("editorChanged"))
	s.Stop()

	if len(a.all()) != 2 || len(b.all()) != 2 {
		t.Fatalf("sink counts: a=%d b=%d", len(a.all()), len(b.all()))
	}
	if a.all()[0] != b.all()[0] {
		t.Fatal("every sink should receive the same assembled transaction")
	}
	if len(results) != 4 {
		t.Fatalf("results: got %d, want 4", len(results))
	}
	for _, r := range results {
		if r.Outcome != OutcomeWritten || r.Err != nil || r.RowHash == "" {
			t.Fatalf("result: %+v", r)
		}
	}
	st := s.Stats()
	if st.Received != 2 || st.Assembled != 2 || st.Dropped != 0 {
		t.Fatalf("stats: %+v", st)
	}
	if st.Sinks["a"].Written != 2 || st.Sinks["b"].Written != 2 {
		t.Fatalf("sink stats: %+v", st.Sinks)
	}
}

func TestService_FailingSinkDoesNotAffectOthers(t *testing.T) {
	good, bad := newMemorySink("good"), newMemorySink("bad")
	bad.err = errors.New("disk full")
	s := newStartedService(t, Config{Sinks: []Sink{bad, good}})

	s.Emit(eventExchange("fileSaved"))
	s.Stop()

	if len(good.all()) != 1 {
		t.Fatalf("good sink: got %d", len(good.all()))
	}
	st := s.Stats()
	if st.Sinks["bad"].Failed != 1 || st.Sinks["good"].Written != 1 {
		t.Fatalf("sink stats: %+v", st.Sinks)
	}
}

func TestService_IdenticalTransactionsRecordedOnce(t *testing.T) {
	dir := t.TempDir()
	appendLog, err := applog.Open(applog.Options{Dir: dir})
	if err != nil {
		t.Fatalf("applog.Open: %v", err)
	}
	defer appendLog.Close()

	dbURL := "sqlite://" + filepath.Join(dir, "proxy.db")
	if err := store.Migrate(context.Background(), dbURL); err != nil {
		t.Fatalf("store.Migrate: %v", err)
	}
	repo, err := store.Open(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer repo.Close()

	s := newStartedService(t, Config{Sinks: []Sink{appendLog, repo}})
	s.Emit(eventExchange("fileSaved"))
	s.Emit(eventExchange("fileSaved"))
	s.Stop()

	txs, err := appendLog.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("append log records: got %d, want 1", len(txs))
	}
	n, err := repo.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("relational rows: got %d, want 1", n)
	}
	got, err := repo.GetByHash(context.Background(), txs[0].RowHash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if got.ID != txs[0].ID {
		t.Fatalf("sinks disagree on id: %s vs %s", got.ID, txs[0].ID)
	}

	st := s.Stats()
	if st.Sinks["applog"].Duplicate != 1 || st.Sinks["store"].Duplicate != 1 {
		t.Fatalf("duplicate counts: %+v", st.Sinks)
	}
}

func TestService_CountsUnknownEventTypes(t *testing.T) {
	sink := newMemorySink("m")
	s := newStartedService(t, Config{Sinks: []Sink{sink}})
	s.Emit(eventExchange("fileSaved"))
	s.Emit(eventExchange("somethingNew"))
	s.Stop()

	if got := s.Stats().UnknownEventType; got != 1 {
		t.Fatalf("unknown_event_type: got %d, want 1", got)
	}
	var recorded bool
	for _, tx := range sink.all() {
		if tx.EventType != nil && *tx.EventType == "somethingNew" {
			recorded = true
		}
	}
	if !recorded {
		t.Fatal("unknown event types must still be recorded unchanged")
	}
}

func TestService_EmitDropsWhenQueueFull(t *testing.T) {
	s, err := NewService(Config{Sinks: []Sink{newMemorySink("m")}, QueueSize: 1})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	// Not started: nothing drains the queue.
	s.Emit(eventExchange("fileSaved"))
	s.Emit(eventExchange("fileEdited"))
	s.Emit(eventExchange("fileCreated"))

	st := s.Stats()
	if st.Received != 3 || st.Dropped != 2 {
		t.Fatalf("stats: %+v", st)
	}
	s.Stop()
}

func TestService_EmitAfterStopIsDropped(t *testing.T) {
	sink := newMemorySink("m")
	s := newStartedService(t, Config{Sinks: []Sink{sink}})
	s.Stop()
	s.Emit(eventExchange("fileSaved"))
	if st := s.Stats(); st.Dropped != 1 {
		t.Fatalf("dropped: got %d", st.Dropped)
	}
	if len(sink.all()) != 0 {
		t.Fatal("nothing should be written after Stop")
	}
}

func TestService_EmitRacingStopIsAccounted(t *testing.T) {
	for round := 0; round < 20; round++ {
		sink := newMemorySink("m")
		s := newStartedService(t, Config{Sinks: []Sink{sink}, QueueSize: 64})

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					s.Emit(eventExchange("fileSaved"))
				}
			}()
		}
		s.Stop()
		wg.Wait()

		st := s.Stats()
		if st.Received != 400 {
			t.Fatalf("round %d: received %d", round, st.Received)
		}
		if st.Assembled+st.Dropped != st.Received {
			t.Fatalf("round %d: assembled %d + dropped %d != received %d",
				round, st.Assembled, st.Dropped, st.Received)
		}
	}
}

func TestNewService_Validation(t *testing.T) {
	if _, err := NewService(Config{StatsSchedule: "not a cron"}); err == nil {
		t.Fatal("expected error for invalid stats schedule")
	}
	if _, err := NewService(Config{Sinks: []Sink{newMemorySink("x"), newMemorySink("x")}}); err == nil {
		t.Fatal("expected error for duplicate sink names")
	}
	s, err := NewService(Config{StatsSchedule: "*/5 * * * *"})
	if err != nil {
		t.Fatalf("valid schedule: %v", err)
	}
	s.Start()
	s.Stop()
}
