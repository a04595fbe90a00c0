package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/codetime-proxy/codetime-proxy/internal/transaction"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

const transactionColumns = `id, row_hash, method, path, query, request_headers, request_body,
	request_body_truncated, response_status, response_headers, response_body,
	response_body_truncated, duration_ms, recorded_at_ns, auth_header, upstream_error,
	event_type, language, client_ip, user_agent, windows_username, file_extension,
	operation_type, git_branch, project, editor, platform, event_time_ms, absolute_filepath`

// ErrNotFound is returned by GetByHash when no row matches.
var ErrNotFound = errors.New("store: transaction not found")

// Repo reads and writes the proxy_transactions table.
type Repo struct {
	db      *sql.DB
	dialect Dialect
}

// NewRepo wraps an open handle. The caller owns db.
func NewRepo(db *sql.DB, dialect Dialect) *Repo {
	return &Repo{db: db, dialect: dialect}
}

// Open connects to rawURL and returns a Repo that owns the handle.
func Open(ctx context.Context, rawURL string) (*Repo, error) {
	db, dialect, err := OpenDB(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return NewRepo(db, dialect), nil
}

// Dialect reports the backend in use.
func (r *Repo) Dialect() Dialect { return r.dialect }

// Close closes the underlying handle.
func (r *Repo) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Name identifies the sink in recorder results.
func (r *Repo) Name() string { return "store" }

// Write implements the recorder sink contract.
func (r *Repo) Write(ctx context.Context, tx *transaction.Transaction) (bool, error) {
	return r.Insert(ctx, tx)
}

// Insert stores tx. A row with the same row_hash already present yields
// (false, nil).
func (r *Repo) Insert(ctx context.Context, tx *transaction.Transaction) (bool, error) {
	if tx == nil {
		return false, fmt.Errorf("store insert: nil transaction")
	}
	query, err := json.Marshal(sanitizeValues(tx.Query))
	if err != nil {
		return false, fmt.Errorf("store insert: encode query: %w", err)
	}
	reqHeaders, err := json.Marshal(sanitizeMap(tx.RequestHeaders))
	if err != nil {
		return false, fmt.Errorf("store insert: encode request headers: %w", err)
	}
	respHeaders, err := json.Marshal(sanitizeMap(tx.ResponseHeaders))
	if err != nil {
		return false, fmt.Errorf("store insert: encode response headers: %w", err)
	}

	var eventTimeMs *int64
	if tx.EventTime != nil {
		ms := tx.EventTime.UnixMilli()
		eventTimeMs = &ms
	}

	q := rebind(r.dialect, `INSERT INTO proxy_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = r.db.ExecContext(ctx, q,
		tx.ID,
		tx.RowHash,
		tx.Method,
		tx.Path,
		string(query),
		string(reqHeaders),
		tx.RequestBody.String(),
		tx.RequestBodyTruncated,
		tx.ResponseStatus,
		string(respHeaders),
		tx.ResponseBody.String(),
		tx.ResponseBodyTruncated,
		tx.DurationMs,
		tx.RecordedAt.UnixNano(),
		sanitizePtr(tx.AuthHeader),
		tx.UpstreamError,
		sanitizePtr(tx.EventType),
		sanitizePtr(tx.Language),
		tx.ClientIP,
		sanitizePtr(tx.UserAgent),
		sanitizePtr(tx.WindowsUsername),
		sanitizePtr(tx.FileExtension),
		sanitizePtr(tx.OperationType),
		sanitizePtr(tx.GitBranch),
		sanitizePtr(tx.Project),
		sanitizePtr(tx.Editor),
		sanitizePtr(tx.Platform),
		eventTimeMs,
		sanitizePtr(tx.AbsoluteFilepath),
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store insert: %w", err)
	}
	return true, nil
}

// Count returns the number of stored transactions.
func (r *Repo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM proxy_transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store count: %w", err)
	}
	return n, nil
}

// GetByHash returns the transaction with the given row hash.
func (r *Repo) GetByHash(ctx context.Context, rowHash string) (*transaction.Transaction, error) {
	q := rebind(r.dialect, `SELECT `+transactionColumns+` FROM proxy_transactions WHERE row_hash = ?`)
	rows, err := r.db.QueryContext(ctx, q, rowHash)
	if err != nil {
		return nil, fmt.Errorf("store get %s: %w", rowHash, err)
	}
	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("store get %s: %w", rowHash, err)
	}
	if len(txs) == 0 {
		return nil, ErrNotFound
	}
	return &txs[0], nil
}

// ListFilter narrows List. Zero values mean "no constraint".
type ListFilter struct {
	EventType string
	Language  string
	Project   string
	Status    *int
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// List returns transactions matching f, newest first.
func (r *Repo) List(ctx context.Context, f ListFilter) ([]transaction.Transaction, error) {
	var where []string
	var args []any

	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Language != "" {
		where = append(where, "language = ?")
		args = append(args, f.Language)
	}
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if f.Status != nil {
		where = append(where, "response_status = ?")
		args = append(args, *f.Status)
	}
	if !f.Since.IsZero() {
		where = append(where, "recorded_at_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "recorded_at_ns < ?")
		args = append(args, f.Until.UnixNano())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	q := `SELECT ` + transactionColumns + ` FROM proxy_transactions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY recorded_at_ns DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, rebind(r.dialect, q), args...)
	if err != nil {
		return nil, fmt.Errorf("store list: %w", err)
	}
	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("store list: %w", err)
	}
	return txs, nil
}

func scanTransactions(rows *sql.Rows) ([]transaction.Transaction, error) {
	defer rows.Close()
	var out []transaction.Transaction
	for rows.Next() {
		var (
			tx                                 transaction.Transaction
			query, reqHeaders, respHeaders     []byte
			reqBody, respBody                  string
			recordedAtNs                       int64
			authHeader, upstreamError          sql.NullString
			eventType, language, clientIP      sql.NullString
			userAgent, windowsUser, fileExt    sql.NullString
			operationType, gitBranch, project  sql.NullString
			editor, platform, absoluteFilepath sql.NullString
			eventTimeMs                        sql.NullInt64
		)
		if err := rows.Scan(
			&tx.ID, &tx.RowHash, &tx.Method, &tx.Path, &query, &reqHeaders, &reqBody,
			&tx.RequestBodyTruncated, &tx.ResponseStatus, &respHeaders, &respBody,
			&tx.ResponseBodyTruncated, &tx.DurationMs, &recordedAtNs, &authHeader, &upstreamError,
			&eventType, &language, &clientIP, &userAgent, &windowsUser, &fileExt,
			&operationType, &gitBranch, &project, &editor, &platform, &eventTimeMs, &absoluteFilepath,
		); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		tx.Query = url.Values{}
		if err := json.Unmarshal(query, &tx.Query); err != nil {
			return nil, fmt.Errorf("decode query of %s: %w", tx.RowHash, err)
		}
		if err := json.Unmarshal(reqHeaders, &tx.RequestHeaders); err != nil {
			return nil, fmt.Errorf("decode request headers of %s: %w", tx.RowHash, err)
		}
		if err := json.Unmarshal(respHeaders, &tx.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("decode response headers of %s: %w", tx.RowHash, err)
		}
		tx.RequestBody = transaction.Body(reqBody)
		tx.ResponseBody = transaction.Body(respBody)
		tx.RecordedAt = time.Unix(0, recordedAtNs).UTC()
		tx.AuthHeader = nullString(authHeader)
		tx.UpstreamError = nullString(upstreamError)
		tx.EventType = nullString(eventType)
		tx.Language = nullString(language)
		tx.ClientIP = nullString(clientIP)
		tx.UserAgent = nullString(userAgent)
		tx.WindowsUsername = nullString(windowsUser)
		tx.FileExtension = nullString(fileExt)
		tx.OperationType = nullString(operationType)
		tx.GitBranch = nullString(gitBranch)
		tx.Project = nullString(project)
		tx.Editor = nullString(editor)
		tx.Platform = nullString(platform)
		tx.AbsoluteFilepath = nullString(absoluteFilepath)
		if eventTimeMs.Valid {
			t := time.UnixMilli(eventTimeMs.Int64).UTC()
			tx.EventTime = &t
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func sanitizePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := transaction.SanitizeText(*s)
	return &v
}

func sanitizeMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[transaction.SanitizeText(k)] = transaction.SanitizeText(v)
	}
	return out
}

func sanitizeValues(v url.Values) map[string][]string {
	out := make(map[string][]string, len(v))
	for k, vals := range v {
		clean := make([]string, len(vals))
		for i, s := range vals {
			clean[i] = transaction.SanitizeText(s)
		}
		out[transaction.SanitizeText(k)] = clean
	}
	return out
}
