package cache

import (
	"time"
)

// Entry はキャッシュエントリのメタデータを表す
type Entry struct {
	Key       string
	Value     interface{}
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewEntry は新しいEntryインスタンスを作成
func NewEntry(key string, value interface{}, createdAt, expiresAt time.Time) *Entry {
	return &Entry{
		Key:       key,
		Value:     value,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
}

// IsExpired はエントリが期限切れかどうかを確認
func (e *Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
