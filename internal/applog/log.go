// Package applog implements the append-only JSONL transaction log.
package applog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/maypok86/otter"
	"github.com/tidwall/gjson"

	"github.com/codetime-proxy/codetime-proxy/internal/transaction"
)

// FileName is the log file created inside the configured directory.
const FileName = "traffic.jsonl"

const defaultDedupEntries = 262144

// maxLineBytes bounds a single record when scanning the log.
const maxLineBytes = 256 << 20

// Options configures Open.
type Options struct {
	Dir          string
	DedupEntries int
	Logger       *slog.Logger
}

// Log appends one JSON object per transaction to <dir>/traffic.jsonl.
// Writes are serialised in process order. A bounded index of recent row
// hashes suppresses duplicates; it is a best-effort guard, not a guarantee.
type Log struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
	seen otter.Cache[string, struct{}]
}

// Open creates the directory if needed, opens the log for appending and
// loads the row hashes already present into the dedup index.
func Open(opts Options) (*Log, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("applog open: mkdir %s: %w", dir, err)
	}
	seen, err := newDedupIndex(opts.DedupEntries)
	if err != nil {
		return nil, fmt.Errorf("applog open: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	path := filepath.Join(dir, FileName)
	l := &Log{
		path:   path,
		logger: logger.With("component", "applog"),
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
		return nil, fmt.Errorf("applog open: %w", err)
	}
	l.file = f
	l.logger.Info("append log opened", "path", path, "indexed_hashes", n)
	return l, nil
}

func newDedupIndex(entries int) (otter.Cache[string, struct{}], error) {
	if entries <= 0 {
		entries = defaultDedupEntries
	}
	seen, err := otter.MustBuilder[string, struct{}](entries).
		Cost(func(string, struct{}) uint32 { return 1 }).
		Build()
	if err != nil {
		return seen, fmt.Errorf("build dedup index: %w", err)
	}
	return seen, nil
}

func (l *Log) loadIndex() (int, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("applog load index: %w", err)
	}
	defer f.Close()

	n := 0
	err = scanLines(f, func(line []byte) {
		hash := gjson.GetBytes(line, "row_hash")
		if hash.Type != gjson.String || hash.String() == "" {
			return
		}
		l.seen.Set(hash.String(), struct{}{})
		n++
	})
	if err != nil {
		return n, fmt.Errorf("applog load index: %w", err)
	}
	return n, nil
}

// Name identifies the sink in recorder results.
func (l *Log) Name() string { return "applog" }

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Write appends tx unless its row hash is already indexed. written is false
// for a skipped duplicate.
func (l *Log) Write(_ context.Context, tx *transaction.Transaction) (written bool, err error) {
	line, err := json.Marshal(tx)
	if err != nil {
		return false, fmt.Errorf("applog write: marshal: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return false, fmt.Errorf("applog write: log closed")
	}
	if l.seen.Has(tx.RowHash) {
		return false, nil
	}
	if _, err := l.file.Write(line); err != nil {
		return false, fmt.Errorf("applog write: %w", err)
	}
	l.seen.Set(tx.RowHash, struct{}{})
	return true, nil
}

// Contains reports whether hash is in the dedup index.
func (l *Log) Contains(hash string) bool {
	return l.seen.Has(hash)
}

// ReadAll returns every well-formed record in the log. Malformed lines are
// skipped.
func (l *Log) ReadAll() ([]transaction.Transaction, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("applog read: %w", err)
	}
	defer f.Close()

	var out []transaction.Transaction
	err = scanLines(f, func(line []byte) {
		var tx transaction.Transaction
		if err := json.Unmarshal(line, &tx); err != nil {
			l.logger.Debug("skipping malformed line", "err", err)
			return
		}
		out = append(out, tx)
	})
	if err != nil {
		return out, fmt.Errorf("applog read: %w", err)
	}
	return out, nil
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	if err != nil {
		return fmt.Errorf("applog close: %w", err)
	}
	return nil
}

func scanLines(r io.Reader, fn func([]byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	return sc.Err()
}
