package capture

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"mitmproxy/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	client_ip TEXT,
	started_at TEXT NOT NULL,
	duration_ms INTEGER,
	tunneled INTEGER,
	error TEXT,

	req_method TEXT,
	req_url TEXT,
	req_headers TEXT,
	req_body BLOB,
	req_body_size INTEGER,

	resp_status INTEGER,
	resp_headers TEXT,
	resp_body BLOB,
	resp_body_size INTEGER,

	body_truncated INTEGER
);
CREATE INDEX IF NOT EXISTS idx_exchanges_started ON exchanges(started_at);
CREATE INDEX IF NOT EXISTS idx_exchanges_session ON exchanges(session_id);
CREATE INDEX IF NOT EXISTS idx_exchanges_status ON exchanges(resp_status);
`

const insertExchange = `
INSERT INTO exchanges (
	id, session_id, client_ip, started_at, duration_ms, tunneled, error,
	req_method, req_url, req_headers, req_body, req_body_size,
	resp_status, resp_headers, resp_body, resp_body_size, body_truncated
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectRecent = `
SELECT id, session_id, client_ip, started_at, duration_ms, tunneled, error,
	req_method, req_url, req_headers, req_body, req_body_size,
	resp_status, resp_headers, resp_body, resp_body_size, body_truncated
FROM exchanges ORDER BY started_at DESC, rowid DESC LIMIT ?`

// Repository は交換記録をSQLiteに保存する
type Repository struct {
	mu   sync.Mutex
	db   *sql.DB
	stmt *sql.Stmt
}

var _ domain.CaptureStore = (*Repository)(nil)

// New は path のデータベースを開き、スキーマを用意する.
func New(path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open capture database")
	}
	// 書き込みは一本にまとめる
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create capture schema")
	}

	stmt, err := db.Prepare(insertExchange)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to prepare capture insert")
	}

	return &Repository{db: db, stmt: stmt}, nil
}

// Save は一件の記録を書き込む.
func (r *Repository) Save(rec *domain.CaptureRecord) error {
	reqHeaders, err := json.Marshal(rec.RequestHeaders)
	if err != nil {
		return err
	}
	respHeaders, err := json.Marshal(rec.ResponseHeaders)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.stmt.Exec(
		rec.ID, rec.SessionID, rec.ClientIP, rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.Duration.Milliseconds(), boolToInt(rec.Tunneled), rec.Error,
		rec.Method, rec.URL, string(reqHeaders), rec.RequestBody, rec.RequestBytes,
		rec.Status, string(respHeaders), rec.ResponseBody, rec.ResponseBytes,
		boolToInt(rec.Truncated),
	)
	return errors.Wrap(err, "failed to insert capture record")
}

// Recent は新しい順に最大 limit 件を返す.
func (r *Repository) Recent(limit int) ([]*domain.CaptureRecord, error) {
	rows, err := r.db.Query(selectRecent, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query capture records")
	}
	defer rows.Close()

	var records []*domain.CaptureRecord
	for rows.Next() {
		var (
			rec                     domain.CaptureRecord
			startedAt               string
			durationMS              int64
			tunneled, truncated     int
			reqHeaders, respHeaders string
			errText, clientIP       sql.NullString
		)
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &clientIP, &startedAt, &durationMS, &tunneled, &errText,
			&rec.Method, &rec.URL, &reqHeaders, &rec.RequestBody, &rec.RequestBytes,
			&rec.Status, &respHeaders, &rec.ResponseBody, &rec.ResponseBytes, &truncated,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan capture record")
		}

		rec.ClientIP = clientIP.String
		rec.Error = errText.String
		rec.Tunneled = tunneled != 0
		rec.Truncated = truncated != 0
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, errors.Wrap(err, "invalid capture timestamp")
		}
		if err := json.Unmarshal([]byte(reqHeaders), &rec.RequestHeaders); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(respHeaders), &rec.ResponseHeaders); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Close はデータベースを閉じる.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stmt.Close()
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
