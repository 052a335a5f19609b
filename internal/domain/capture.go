package domain

import "time"

// CaptureRecord は記録された一回の交換.
type CaptureRecord struct {
	ID              string
	SessionID       string
	ClientIP        string
	Method          string
	URL             string
	Tunneled        bool
	Status          int
	RequestHeaders  map[string][]string
	ResponseHeaders map[string][]string
	RequestBytes    int64
	ResponseBytes   int64
	RequestBody     []byte
	ResponseBody    []byte
	Truncated       bool
	Error           string
	StartedAt       time.Time
	Duration        time.Duration
}

// CaptureStore は交換記録の永続化を担当.
type CaptureStore interface {
	Save(*CaptureRecord) error
	Recent(limit int) ([]*CaptureRecord, error)
	Close() error
}
