package applog

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/maypok86/otter"

	"github.com/codetime-proxy/codetime-proxy/internal/transaction"
)

// CSVFileName is the spreadsheet-friendly log created next to FileName.
const CSVFileName = "traffic.csv"

// CSVHeader is the column order of every CSV row.
var CSVHeader = []string{
	"timestamp",
	"method",
	"path",
	"query",
	"request_headers",
	"request_body",
	"response_status",
	"response_headers",
	"response_body",
	"duration_ms",
	"row_hash",
}

// CSVLog appends one row per transaction to <dir>/traffic.csv. The header
// is written once, when the file is created or found empty.
type CSVLog struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
	seen otter.Cache[string, struct{}]
}

// OpenCSV opens the CSV log for appending and indexes the row hashes it
// already holds.
func OpenCSV(opts Options) (*CSVLog, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("applog open csv: mkdir %s: %w", dir, err)
	}
	seen, err := newDedupIndex(opts.DedupEntries)
	if err != nil {
		return nil, fmt.Errorf("applog open csv: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	path := filepath.Join(dir, CSVFileName)
	l := &CSVLog{
		path:   path,
		logger: logger.With("component", "applog_csv"),
		seen:   seen,
	}
	n, err := l.loadIndex()
	if err != nil {
		seen.Close()
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		seen.Close()
		return nil, fmt.Errorf("applog open csv: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		seen.Close()
		return nil, fmt.Errorf("applog open csv: %w", err)
	}
	l.file = f
	l.w = csv.NewWriter(f)
	if info.Size() == 0 {
		if err := l.flushRow(CSVHeader); err != nil {
			_ = f.Close()
			seen.Close()
			return nil, fmt.Errorf("applog open csv: header: %w", err)
		}
	}
	l.logger.Info("csv log opened", "path", path, "indexed_hashes", n)
	return l, nil
}

func (l *CSVLog) loadIndex() (int, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("applog load csv index: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("applog load csv index: header: %w", err)
	}
	col := -1
	for i, name := range header {
		if name == "row_hash" {
			col = i
			break
		}
	}
	if col < 0 {
		l.logger.Warn("csv log has no row_hash column; duplicates are not suppressed across restarts")
		return 0, nil
	}

	n := 0
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			l.logger.Debug("skipping malformed csv row", "err", err)
			continue
		}
		if err != nil {
			return n, fmt.Errorf("applog load csv index: %w", err)
		}
		if col >= len(record) || record[col] == "" {
			continue
		}
		l.seen.Set(record[col], struct{}{})
		n++
	}
	return n, nil
}

// Name identifies the sink in recorder results.
func (l *CSVLog) Name() string { return "applog_csv" }

// Path returns the CSV file path.
func (l *CSVLog) Path() string { return l.path }

// Write appends tx as one row unless its row hash is already indexed.
func (l *CSVLog) Write(_ context.Context, tx *transaction.Transaction) (written bool, err error) {
	row, err := csvRow(tx)
	if err != nil {
		return false, fmt.Errorf("applog write csv: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return false, fmt.Errorf("applog write csv: log closed")
	}
	if l.seen.Has(tx.RowHash) {
		return false, nil
	}
	if err := l.flushRow(row); err != nil {
		return false, fmt.Errorf("applog write csv: %w", err)
	}
	l.seen.Set(tx.RowHash, struct{}{})
	return true, nil
}

func (l *CSVLog) flushRow(row []string) error {
	if err := l.w.Write(row); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

// csvRow renders text columns verbatim and structured columns as JSON.
func csvRow(tx *transaction.Transaction) ([]string, error) {
	query := tx.Query
	if query == nil {
		query = map[string][]string{}
	}
	q, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	reqHeaders, err := marshalHeaders(tx.RequestHeaders)
	if err != nil {
		return nil, fmt.Errorf("marshal request headers: %w", err)
	}
	respHeaders, err := marshalHeaders(tx.ResponseHeaders)
	if err != nil {
		return nil, fmt.Errorf("marshal response headers: %w", err)
	}
	return []string{
		tx.RecordedAt.UTC().Format(time.RFC3339Nano),
		tx.Method,
		tx.Path,
		string(q),
		reqHeaders,
		tx.RequestBody.String(),
		strconv.Itoa(tx.ResponseStatus),
		respHeaders,
		tx.ResponseBody.String(),
		strconv.FormatFloat(tx.DurationMs, 'f', 2, 64),
		tx.RowHash,
	}, nil
}

func marshalHeaders(h map[string]string) (string, error) {
	if h == nil {
		h = map[string]string{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Close flushes and closes the CSV file.
func (l *CSVLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	l.w.Flush()
	err := l.w.Error()
	if serr := l.file.Sync(); err == nil {
		err = serr
	}
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	l.seen.Close()
	if err != nil {
		return fmt.Errorf("applog close csv: %w", err)
	}
	return nil
}
